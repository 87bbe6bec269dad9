package route

import (
	"strconv"
	"sync"

	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

// Route 单个处理器视角下的一次拦截决策机会。链上的处理器共享同一份
// 底层状态，但每次唤起持有独立的世代凭据：处理器让行之后的晚到决策
// 携带过期世代，不能抢占链上当前处理器的决策权。
type Route struct {
	st    *state
	epoch uint64
}

// state 整条链共享的路由状态
type state struct {
	mu       sync.Mutex
	orig     *traffic.Request
	view     *traffic.Request
	acc      *traffic.Overrides
	decision domain.Decision
	verdict  *domain.Verdict
	detached bool
	epoch    uint64
	waiter   chan struct{}
}

// FulfillOptions 合成响应的构造选项
type FulfillOptions struct {
	Status      int
	Headers     traffic.Header
	ContentType string
	Body        []byte
	From        *traffic.Response // 以既有响应为底本，状态/头/体逐字节复制
}

// New 为请求创建路由
func New(req *traffic.Request) *Route {
	st := &state{
		orig:     req,
		view:     req.Clone(),
		acc:      &traffic.Overrides{},
		decision: domain.DecisionPending,
	}
	return &Route{st: st}
}

// Request 返回当前链视角下的请求（原始请求叠加已累积的改写）
func (r *Route) Request() *traffic.Request {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.view
}

// Decision 返回当前决策状态
func (r *Route) Decision() domain.Decision {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.decision
}

// Verdict 返回终结裁决，未终结时为 nil
func (r *Route) Verdict() *domain.Verdict {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.verdict
}

// Continue 放行请求，改写集合与已累积的 fallback 改写叠加后生效。
// 终结性决策：不再咨询链上的后续处理器。
func (r *Route) Continue(o *traffic.Overrides) error {
	return r.resolve(func() {
		final := r.st.acc.Clone()
		final.Merge(o)
		r.st.decision = domain.DecisionContinued
		r.st.verdict = &domain.Verdict{
			Decision: domain.DecisionContinued,
			Request:  r.st.orig.ApplyOverrides(final),
		}
	})
}

// Fulfill 合成响应，请求不会发往网络
func (r *Route) Fulfill(opts FulfillOptions) error {
	return r.resolve(func() {
		r.st.decision = domain.DecisionFulfilled
		r.st.verdict = &domain.Verdict{
			Decision: domain.DecisionFulfilled,
			Response: buildResponse(opts),
		}
	})
}

// Abort 以网络错误码中止请求，reason 为空时使用通用失败码
func (r *Route) Abort(reason domain.AbortReason) error {
	return r.resolve(func() {
		if reason == "" {
			reason = domain.AbortFailed
		}
		r.st.decision = domain.DecisionAborted
		r.st.verdict = &domain.Verdict{
			Decision: domain.DecisionAborted,
			Reason:   reason,
		}
	})
}

// Fallback 合并改写后把请求让给链上的下一个处理器；
// 若无后续处理器，调度器按相同改写执行隐式放行。
func (r *Route) Fallback(o *traffic.Overrides) error {
	return r.resolve(func() {
		if !o.IsZero() {
			r.st.acc.Merge(o)
			r.st.view = r.st.orig.ApplyOverrides(r.st.acc)
		}
		r.st.decision = domain.DecisionFellBack
	})
}

// resolve 单次赋值保护：路由已终结、或决策来自已让行的过期世代时
// 返回 ErrRouteAlreadyHandled；网络层已取消时按无操作容忍。
func (r *Route) resolve(apply func()) error {
	st := r.st
	st.mu.Lock()
	if st.detached {
		st.mu.Unlock()
		return nil
	}
	if st.decision != domain.DecisionPending || r.epoch != st.epoch {
		st.mu.Unlock()
		return domain.ErrRouteAlreadyHandled
	}
	apply()
	ch := st.waiter
	st.waiter = nil
	st.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	return nil
}

// Arm 复位为 pending 并签发新一代处理器凭据与本轮解析完成信号，
// 仅供调度器在唤起处理器前调用；旧凭据上的决策调用自此被拒绝
func (r *Route) Arm() (*Route, <-chan struct{}) {
	st := r.st
	st.mu.Lock()
	st.decision = domain.DecisionPending
	st.epoch++
	st.waiter = make(chan struct{})
	h := &Route{st: st, epoch: st.epoch}
	ch := st.waiter
	st.mu.Unlock()
	return h, ch
}

// Detach 网络层取消后标记路由失效，此后的决策调用均为无操作
func (r *Route) Detach() {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.detached = true
}

// ForceAbort 作用域关闭时强制终结为 aborted；已终结的路由保持原裁决
func (r *Route) ForceAbort(reason domain.AbortReason) *domain.Verdict {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if r.st.decision == domain.DecisionPending || r.st.decision == domain.DecisionFellBack {
		r.st.decision = domain.DecisionAborted
		r.st.verdict = &domain.Verdict{Decision: domain.DecisionAborted, Reason: reason}
	}
	r.st.detached = true
	return r.st.verdict
}

// ImplicitContinue 链上无处理器或全部 fallback 耗尽后的默认放行
func (r *Route) ImplicitContinue() *domain.Verdict {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if r.st.verdict != nil {
		return r.st.verdict
	}
	r.st.decision = domain.DecisionContinued
	r.st.verdict = &domain.Verdict{
		Decision: domain.DecisionContinued,
		Request:  r.st.orig.ApplyOverrides(r.st.acc),
	}
	return r.st.verdict
}

// buildResponse 按选项构造合成响应
func buildResponse(opts FulfillOptions) *traffic.Response {
	res := traffic.NewResponse()
	if opts.From != nil {
		res = opts.From.Clone()
	}
	if opts.Status != 0 {
		res.StatusCode = opts.Status
	}
	for k, v := range opts.Headers {
		res.Headers.Set(k, v)
	}
	if opts.ContentType != "" {
		res.Headers.Set("content-type", opts.ContentType)
	}
	if opts.Body != nil {
		res.Body = append([]byte(nil), opts.Body...)
	}
	if !opts.Headers.Has("content-length") {
		res.Headers.Set("content-length", strconv.Itoa(len(res.Body)))
	}
	return res
}

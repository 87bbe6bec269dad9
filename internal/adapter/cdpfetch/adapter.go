package cdpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/rpcc"

	"reqroute/internal/dispatch"
	"reqroute/internal/logger"
	"reqroute/internal/redirect"
	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

// Adapter CDP Fetch 域传输适配器：订阅 RequestPaused 事件流，
// 将拦截事件转为中立请求交给调度器，并把裁决映射回
// continueRequest / fulfillRequest / failRequest。
type Adapter struct {
	devtoolsURL string
	conn        *rpcc.Conn
	client      *cdp.Client
	ctx         context.Context
	cancel      context.CancelFunc

	dispatcher     *dispatch.Dispatcher
	scope          *dispatch.Scope
	tracker        *redirect.Tracker
	log            logger.Logger
	processTimeout time.Duration

	mu      sync.Mutex
	netReqs map[network.RequestID]*traffic.Request
}

// Options 适配器配置
type Options struct {
	DevToolsURL      string
	Dispatcher       *dispatch.Dispatcher
	Scope            *dispatch.Scope
	Tracker          *redirect.Tracker
	Logger           logger.Logger
	ProcessTimeoutMS int
}

// New 创建适配器
func New(opts Options) *Adapter {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	to := time.Duration(opts.ProcessTimeoutMS) * time.Millisecond
	if to <= 0 {
		to = 3 * time.Second
	}
	return &Adapter{
		devtoolsURL:    opts.DevToolsURL,
		dispatcher:     opts.Dispatcher,
		scope:          opts.Scope,
		tracker:        opts.Tracker,
		log:            l,
		processTimeout: to,
		netReqs:        make(map[network.RequestID]*traffic.Request),
	}
}

// Attach 附加到调试目标，target 为空时附加首个目标
func (a *Adapter) Attach(target string) error {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	dt := devtool.New(a.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for i := range targets {
		if target == "" || string(targets[i].ID) == target {
			sel = targets[i]
			break
		}
	}
	if sel == nil {
		return fmt.Errorf("target not found: %s", target)
	}
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("dial target: %w", err)
	}
	a.conn = conn
	a.client = cdp.NewClient(conn)
	a.log.Info("已附加调试目标", "target", sel.ID, "url", sel.URL)
	return nil
}

// Detach 断开调试目标
func (a *Adapter) Detach() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// Enable 启用拦截：打开 Network/Fetch 域并启动事件消费
func (a *Adapter) Enable() error {
	if a.client == nil {
		return domain.ErrNotAttached
	}
	if err := a.client.Network.Enable(a.ctx, nil); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	p := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
	}
	if err := a.client.Fetch.Enable(a.ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		return fmt.Errorf("enable fetch: %w", err)
	}
	go a.consume()
	go a.trackRedirects()
	return nil
}

// Disable 停用拦截
func (a *Adapter) Disable() error {
	if a.client == nil {
		return domain.ErrNotAttached
	}
	return a.client.Fetch.Disable(a.ctx)
}

// consume 持续接收拦截事件并发处理
func (a *Adapter) consume() {
	rp, err := a.client.Fetch.RequestPaused(a.ctx)
	if err != nil {
		a.log.Err(err, "订阅拦截事件流失败")
		return
	}
	defer rp.Close()

	a.log.Info("开始消费拦截事件流")
	for {
		ev, err := rp.Recv()
		if err != nil {
			a.log.Err(err, "接收拦截事件失败")
			return
		}
		go a.handle(ev)
	}
}

// handle 处理一次拦截事件：调度裁决并回写 CDP
func (a *Adapter) handle(ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(a.ctx, a.processTimeout)
	defer cancel()

	req := ToNeutralRequest(ev)
	if a.tracker != nil {
		a.tracker.Register(req)
	}

	v, err := a.dispatcher.Dispatch(ctx, a.scope, req)
	if v == nil {
		// 调度被取消且无裁决：以连接关闭错误回绝请求
		a.client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{
			RequestID:   ev.RequestID,
			ErrorReason: network.ErrorReasonConnectionClosed,
		})
		return
	}
	if err != nil {
		a.log.Warn("调度返回错误，按裁决回写", "requestID", ev.RequestID, "error", err)
	}
	if v.Decision == domain.DecisionAborted && a.tracker != nil {
		a.tracker.RecordFailure(domain.RequestID(req.ID), v.Reason)
	}
	a.apply(ctx, ev, v)
}

// apply 将裁决映射为 CDP Fetch 命令
func (a *Adapter) apply(ctx context.Context, ev *fetch.RequestPausedReply, v *domain.Verdict) {
	switch v.Decision {
	case domain.DecisionFulfilled:
		args := &fetch.FulfillRequestArgs{
			RequestID:    ev.RequestID,
			ResponseCode: v.Response.StatusCode,
		}
		if len(v.Response.Headers) > 0 {
			args.ResponseHeaders = ToHeaderEntries(v.Response.Headers)
		}
		if len(v.Response.Body) > 0 {
			args.Body = v.Response.Body
		}
		if err := a.client.Fetch.FulfillRequest(ctx, args); err != nil {
			a.log.Err(err, "合成响应下发失败", "requestID", ev.RequestID)
		}
	case domain.DecisionAborted:
		args := &fetch.FailRequestArgs{
			RequestID:   ev.RequestID,
			ErrorReason: ToErrorReason(v.Reason),
		}
		if err := a.client.Fetch.FailRequest(ctx, args); err != nil {
			a.log.Err(err, "请求中止下发失败", "requestID", ev.RequestID)
		}
	default:
		args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID}
		if out := v.Request; out != nil {
			if out.URL != ev.Request.URL {
				args.URL = &out.URL
			}
			if out.Method != ev.Request.Method {
				args.Method = &out.Method
			}
			if !sameHeaders(ev, out.Headers) {
				args.Headers = ToHeaderEntries(out.Headers)
			}
			if out.PostData != nil {
				args.PostData = out.PostData
			}
		}
		if err := a.client.Fetch.ContinueRequest(ctx, args); err != nil {
			a.log.Err(err, "请求放行下发失败", "requestID", ev.RequestID)
		}
	}
}

// trackRedirects 订阅 requestWillBeSent，借 redirectResponse 把重定向
// 产生的新请求挂入链中（处理器对每一跳重新触发由浏览器侧保证）
func (a *Adapter) trackRedirects() {
	rws, err := a.client.Network.RequestWillBeSent(a.ctx)
	if err != nil {
		a.log.Err(err, "订阅请求事件流失败")
		return
	}
	defer rws.Close()

	for {
		ev, err := rws.Recv()
		if err != nil {
			return
		}
		next := traffic.NewRequest()
		next.ID = string(ev.RequestID)
		next.URL = ev.Request.URL
		next.Method = ev.Request.Method
		next.FrameID = frameID(ev.FrameID)
		var headers map[string]string
		if len(ev.Request.Headers) > 0 {
			if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
				for k, v := range headers {
					next.Headers.Set(k, v)
				}
			}
		}

		a.mu.Lock()
		prev, seen := a.netReqs[ev.RequestID]
		if ev.RedirectResponse != nil && seen && a.tracker != nil {
			// 同一 network 请求ID 上的重定向：旧记录是前驱
			next.ID = next.ID + ":" + fmt.Sprint(ev.Timestamp)
			a.tracker.Link(prev, next)
		}
		a.netReqs[ev.RequestID] = next
		a.mu.Unlock()
	}
}

func frameID(id *page.FrameID) string {
	if id == nil {
		return ""
	}
	return string(*id)
}

// sameHeaders 判断改写后的头集合是否与原始请求一致
func sameHeaders(ev *fetch.RequestPausedReply, h traffic.Header) bool {
	var orig map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &orig); err != nil {
			return false
		}
	}
	if len(orig) != len(h) {
		return false
	}
	for k, v := range orig {
		if h.Get(k) != v {
			return false
		}
	}
	return true
}

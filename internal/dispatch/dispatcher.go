package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"reqroute/internal/ctxkeys"
	"reqroute/internal/logger"
	"reqroute/internal/registry"
	"reqroute/internal/route"
	"reqroute/internal/storage"
	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

// Options 调度器配置
type Options struct {
	Session     domain.SessionID
	Logger      logger.Logger
	Concurrency int64 // <=0 表示不限并发
	Events      chan domain.InterceptEvent
	Recorder    *storage.Recorder // 可选的流量落库
}

// Dispatcher 请求调度器。为每个出网请求解析有效处理器链
// （页面级先于上下文级，作用域内逆注册序），顺序唤起处理器直到
// 出现终结决策或链耗尽进入隐式放行。不同请求之间并发调度。
type Dispatcher struct {
	session  domain.SessionID
	log      logger.Logger
	sem      *semaphore.Weighted
	events   chan domain.InterceptEvent
	recorder *storage.Recorder

	total     atomic.Int64
	continued atomic.Int64
	fulfilled atomic.Int64
	aborted   atomic.Int64
	fellBack  atomic.Int64
	degraded  atomic.Int64

	byRegMu sync.Mutex
	byReg   map[domain.RegistrationID]int64
}

// chainEntry 链快照条目，携带所属注册表以便消费调用预算
type chainEntry struct {
	reg   *registry.Registration
	owner *registry.Registry
}

// New 创建调度器
func New(opts Options) *Dispatcher {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	d := &Dispatcher{
		session:  opts.Session,
		log:      l,
		events:   opts.Events,
		recorder: opts.Recorder,
		byReg:    make(map[domain.RegistrationID]int64),
	}
	if opts.Concurrency > 0 {
		d.sem = semaphore.NewWeighted(opts.Concurrency)
	}
	return d
}

// Dispatch 处理一个出网请求，返回交给网络传输层执行的裁决。
// 同一路由的处理器串行唤起；作用域关闭时强制中止并返回 ErrScopeClosed；
// 网络层取消（ctx 取消）时路由失效，晚到的决策按无操作容忍。
func (d *Dispatcher) Dispatch(ctx context.Context, scope *Scope, req *traffic.Request) (*domain.Verdict, error) {
	if d.sem != nil {
		if !d.sem.TryAcquire(1) {
			return d.degradeAndContinue(scope, req), nil
		}
		defer d.sem.Release(1)
	}

	traceID := uuid.NewString()
	ctx = ctxkeys.WithTraceID(ctx, traceID)
	start := time.Now()
	d.total.Add(1)
	d.emit(scope, req, "intercepted", "", domain.Verdict{})
	d.log.Debug("开始处理拦截事件", "traceId", traceID, "url", req.URL, "method", req.Method)

	if scope.Closed() {
		v := &domain.Verdict{Decision: domain.DecisionAborted, Reason: domain.AbortConnectionClosed}
		d.finish(ctx, scope, req, v, "", start)
		return v, domain.ErrScopeClosed
	}

	chain := buildChain(scope, req.URL)
	rt := route.New(req)

	for _, ent := range chain {
		if !ent.owner.Consume(ent.reg) {
			continue
		}
		h, waiter := rt.Arm()
		go ent.reg.Handler(h)

		select {
		case <-waiter:
		case <-scope.Done():
			v := rt.ForceAbort(domain.AbortConnectionClosed)
			d.log.Warn("作用域已关闭，强制中止挂起路由", "traceId", traceID, "url", req.URL)
			d.finish(ctx, scope, req, v, ent.reg.ID, start)
			return v, domain.ErrScopeClosed
		case <-ctx.Done():
			rt.Detach()
			d.log.Debug("请求已被网络层取消", "traceId", traceID, "url", req.URL)
			return nil, ctx.Err()
		}

		d.countRegistration(ent.reg.ID)
		if rt.Decision() == domain.DecisionFellBack {
			d.fellBack.Add(1)
			d.emit(scope, req, "fellback", ent.reg.ID, domain.Verdict{Decision: domain.DecisionFellBack})
			continue
		}

		v := rt.Verdict()
		d.finish(ctx, scope, req, v, ent.reg.ID, start)
		return v, nil
	}

	// 链为空或全部 fallback 耗尽：按累积改写隐式放行
	v := rt.ImplicitContinue()
	d.finish(ctx, scope, req, v, "", start)
	return v, nil
}

// Stats 返回调度统计
func (d *Dispatcher) Stats() domain.EngineStats {
	stats := domain.EngineStats{
		Total:          d.total.Load(),
		Continued:      d.continued.Load(),
		Fulfilled:      d.fulfilled.Load(),
		Aborted:        d.aborted.Load(),
		FellBack:       d.fellBack.Load(),
		Degraded:       d.degraded.Load(),
		ByRegistration: make(map[domain.RegistrationID]int64),
	}
	d.byRegMu.Lock()
	for k, v := range d.byReg {
		stats.ByRegistration[k] = v
	}
	d.byRegMu.Unlock()
	return stats
}

// buildChain 拼接有效处理器链：页面作用域快照在前，逐级外层作用域在后
func buildChain(scope *Scope, url string) []chainEntry {
	var out []chainEntry
	for s := scope; s != nil; s = s.parent {
		for _, reg := range s.registry.Snapshot(url) {
			out = append(out, chainEntry{reg: reg, owner: s.registry})
		}
	}
	return out
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (d *Dispatcher) degradeAndContinue(scope *Scope, req *traffic.Request) *domain.Verdict {
	d.degraded.Add(1)
	d.log.Warn("并发队列已满，执行降级策略：直接放行", "url", req.URL, "method", req.Method)
	d.emit(scope, req, "degraded", "", domain.Verdict{Decision: domain.DecisionContinued})
	return &domain.Verdict{Decision: domain.DecisionContinued, Request: req.Clone()}
}

// finish 终结裁决的统一收尾：计数、事件与流量落库
func (d *Dispatcher) finish(ctx context.Context, scope *Scope, req *traffic.Request, v *domain.Verdict, reg domain.RegistrationID, start time.Time) {
	switch v.Decision {
	case domain.DecisionContinued:
		d.continued.Add(1)
	case domain.DecisionFulfilled:
		d.fulfilled.Add(1)
	case domain.DecisionAborted:
		d.aborted.Add(1)
	}
	d.emit(scope, req, string(v.Decision), reg, *v)
	d.record(ctx, req, v, reg, start)
	d.log.Debug("拦截事件处理完成", "traceId", ctxkeys.TraceID(ctx), "decision", string(v.Decision), "duration", time.Since(start))
}

// emit 非阻塞发送事件
func (d *Dispatcher) emit(scope *Scope, req *traffic.Request, typ string, reg domain.RegistrationID, v domain.Verdict) {
	if d.events == nil {
		return
	}
	evt := domain.InterceptEvent{
		Type:         typ,
		Session:      d.session,
		Scope:        scope.id,
		RequestID:    domain.RequestID(req.ID),
		URL:          req.URL,
		Method:       req.Method,
		Registration: reg,
		Decision:     v.Decision,
		Reason:       v.Reason,
		Timestamp:    time.Now().UnixMilli(),
	}
	select {
	case d.events <- evt:
	default:
	}
}

// record 将终结裁决写入流量记录
func (d *Dispatcher) record(ctx context.Context, req *traffic.Request, v *domain.Verdict, reg domain.RegistrationID, start time.Time) {
	if d.recorder == nil {
		return
	}
	rec := &storage.TrafficRecord{
		RequestID:    req.ID,
		TraceID:      ctxkeys.TraceID(ctx),
		URL:          req.URL,
		Method:       req.Method,
		ResourceType: req.ResourceType,
		Decision:     string(v.Decision),
		Registration: string(reg),
		DurationMS:   float64(time.Since(start).Nanoseconds()) / 1e6,
	}
	if v.Decision == domain.DecisionAborted {
		rec.AbortReason = string(v.Reason)
	}
	if v.Response != nil {
		rec.StatusCode = v.Response.StatusCode
	}
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.log.Err(err, "流量记录写入失败", "requestID", req.ID)
	}
}

func (d *Dispatcher) countRegistration(id domain.RegistrationID) {
	d.byRegMu.Lock()
	d.byReg[id]++
	d.byRegMu.Unlock()
}

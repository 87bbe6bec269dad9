package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"reqroute/internal/adapter/cdpfetch"
	"reqroute/internal/adapter/httpx"
	"reqroute/internal/config"
	"reqroute/internal/dispatch"
	"reqroute/internal/logger"
	"reqroute/internal/pattern"
	"reqroute/internal/redirect"
	"reqroute/internal/registry"
	"reqroute/internal/rules"
	"reqroute/internal/storage"
	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

// Service 路由服务实现，持有全部活动会话
type Service struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	cfg      *config.Config
	log      logger.Logger
}

// New 创建服务
func New(l logger.Logger, cfg *config.Config) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &Service{
		sessions: make(map[domain.SessionID]*Session),
		cfg:      cfg,
		log:      l,
	}
}

// StartSession 创建并注册新会话
func (s *Service) StartSession(cfg domain.SessionConfig) (domain.SessionID, error) {
	id := domain.SessionID(uuid.NewString())

	capacity := cfg.PendingCapacity
	if capacity <= 0 {
		capacity = s.cfg.Dispatch.PendingCapacity
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = s.cfg.Dispatch.Concurrency
	}

	// 会话内日志统一携带会话ID
	slog := s.log.With("sessionID", string(id))
	sess := &Session{
		id:      id,
		cfg:     cfg,
		log:     slog,
		events:  make(chan domain.InterceptEvent, capacity),
		tracker: redirect.New(),
		scopes:  make(map[domain.ScopeID]*dispatch.Scope),
	}
	if cfg.RecordTraffic {
		rec, err := storage.NewRecorder(s.cfg.Sqlite.Dsn, s.cfg.Sqlite.Prefix, slog)
		if err != nil {
			return "", fmt.Errorf("start recorder: %w", err)
		}
		sess.recorder = rec
	}
	sess.dispatcher = dispatch.New(dispatch.Options{
		Session:     id,
		Logger:      slog,
		Concurrency: int64(concurrency),
		Events:      sess.events,
		Recorder:    sess.recorder,
	})
	sess.executor = httpx.New(httpx.Options{
		Dispatcher: sess.dispatcher,
		Tracker:    sess.tracker,
		Logger:     slog,
	})

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.log.Info("创建业务会话", "sessionID", string(id))
	return id, nil
}

// StopSession 销毁会话：关闭全部作用域并强制中止挂起路由
func (s *Service) StopSession(id domain.SessionID) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.close()
	s.log.Info("销毁业务会话", "sessionID", string(id))
	return nil
}

// NewContextScope 创建上下文级作用域
func (s *Service) NewContextScope(id domain.SessionID) (domain.ScopeID, error) {
	sess, err := s.session(id)
	if err != nil {
		return "", err
	}
	sc := dispatch.NewScope(domain.ScopeID("ctx-"+uuid.NewString()), nil)
	sess.addScope(sc)
	return sc.ID(), nil
}

// NewPageScope 在上下文作用域内创建页面级作用域。
// 页面作用域的处理器先于上下文作用域触发。
func (s *Service) NewPageScope(id domain.SessionID, parent domain.ScopeID) (domain.ScopeID, error) {
	sess, err := s.session(id)
	if err != nil {
		return "", err
	}
	pc, ok := sess.scope(parent)
	if !ok {
		return "", domain.ErrScopeNotFound
	}
	sc := dispatch.NewScope(domain.ScopeID("page-"+uuid.NewString()), pc)
	sess.addScope(sc)
	return sc.ID(), nil
}

// CloseScope 关闭作用域，挂起路由被强制中止
func (s *Service) CloseScope(id domain.SessionID, scope domain.ScopeID) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	if !sess.closeScope(scope) {
		return domain.ErrScopeNotFound
	}
	s.log.Info("关闭作用域", "sessionID", string(id), "scope", string(scope))
	return nil
}

// Route 在作用域内注册拦截处理器，times <= 0 表示不限次数
func (s *Service) Route(id domain.SessionID, scope domain.ScopeID, p pattern.Pattern, h registry.Handler, times int) (domain.RegistrationID, error) {
	sess, err := s.session(id)
	if err != nil {
		return "", err
	}
	sc, ok := sess.scope(scope)
	if !ok {
		return "", domain.ErrScopeNotFound
	}
	rid := sc.Registry().Register(p, h, times)
	s.log.Debug("注册拦截处理器", "scope", string(scope), "pattern", p.String(), "registration", string(rid))
	return rid, nil
}

// Unroute 注销作用域内模式相等的全部注册
func (s *Service) Unroute(id domain.SessionID, scope domain.ScopeID, p pattern.Pattern) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sc, ok := sess.scope(scope)
	if !ok {
		return domain.ErrScopeNotFound
	}
	n := sc.Registry().Unregister(p)
	s.log.Debug("注销拦截处理器", "scope", string(scope), "pattern", p.String(), "removed", n)
	return nil
}

// UnrouteHandler 仅注销模式与处理器标识均匹配的注册
func (s *Service) UnrouteHandler(id domain.SessionID, scope domain.ScopeID, p pattern.Pattern, h registry.Handler) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sc, ok := sess.scope(scope)
	if !ok {
		return domain.ErrScopeNotFound
	}
	sc.Registry().UnregisterHandler(p, h)
	return nil
}

// LoadRules 将声明式规则编译注册到作用域
func (s *Service) LoadRules(id domain.SessionID, scope domain.ScopeID, cfg *rules.Config) ([]domain.RegistrationID, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	sc, ok := sess.scope(scope)
	if !ok {
		return nil, domain.ErrScopeNotFound
	}
	return rules.Compile(cfg, sc.Registry(), s.log)
}

// Execute 通过 HTTP 传输执行一次可拦截请求，返回重定向链的终端响应
func (s *Service) Execute(ctx context.Context, id domain.SessionID, scope domain.ScopeID, req *traffic.Request) (*traffic.Response, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	sc, ok := sess.scope(scope)
	if !ok {
		return nil, domain.ErrScopeNotFound
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return sess.executor.Do(ctx, sc, req)
}

// AttachBrowser 通过 CDP 附加浏览器调试目标并启用拦截，作用域内的
// 处理器自此对浏览器流量生效。target 为空时附加首个目标。
func (s *Service) AttachBrowser(id domain.SessionID, scope domain.ScopeID, devtoolsURL, target string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sc, ok := sess.scope(scope)
	if !ok {
		return domain.ErrScopeNotFound
	}

	timeout := sess.cfg.ProcessTimeoutMS
	if timeout <= 0 {
		timeout = s.cfg.Dispatch.ProcessTimeoutMS
	}
	ad := cdpfetch.New(cdpfetch.Options{
		DevToolsURL:      devtoolsURL,
		Dispatcher:       sess.dispatcher,
		Scope:            sc,
		Tracker:          sess.tracker,
		Logger:           s.log,
		ProcessTimeoutMS: timeout,
	})
	if err := ad.Attach(target); err != nil {
		return err
	}
	if err := ad.Enable(); err != nil {
		_ = ad.Detach()
		return err
	}
	sess.addAdapter(scope, ad)
	s.log.Info("附加浏览器调试目标", "sessionID", string(id), "scope", string(scope), "devtools", devtoolsURL)
	return nil
}

// DetachBrowser 断开作用域上的浏览器调试目标
func (s *Service) DetachBrowser(id domain.SessionID, scope domain.ScopeID) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, ok := sess.adapters[scope]; !ok {
		return domain.ErrNotAttached
	}
	sess.detachLocked(scope)
	return nil
}

// RedirectedFrom 返回重定向到该请求的前驱请求
func (s *Service) RedirectedFrom(id domain.SessionID, req domain.RequestID) (*traffic.Request, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.tracker.RedirectedFrom(req), nil
}

// RedirectedTo 返回该请求重定向产生的后继请求
func (s *Service) RedirectedTo(id domain.SessionID, req domain.RequestID) (*traffic.Request, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.tracker.RedirectedTo(req), nil
}

// RequestFailure 返回请求被中止的原因，未中止的请求返回空
func (s *Service) RequestFailure(id domain.SessionID, req domain.RequestID) (domain.AbortReason, error) {
	sess, err := s.session(id)
	if err != nil {
		return "", err
	}
	return sess.tracker.Failure(req), nil
}

// RedirectChain 返回请求所在的完整重定向链
func (s *Service) RedirectChain(id domain.SessionID, req domain.RequestID) ([]*traffic.Request, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.tracker.Chain(req), nil
}

// SubscribeEvents 订阅会话的拦截事件流
func (s *Service) SubscribeEvents(id domain.SessionID) (<-chan domain.InterceptEvent, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.events, nil
}

// Stats 返回会话的调度统计
func (s *Service) Stats(id domain.SessionID) (domain.EngineStats, error) {
	sess, err := s.session(id)
	if err != nil {
		return domain.EngineStats{}, err
	}
	return sess.dispatcher.Stats(), nil
}

func (s *Service) session(id domain.SessionID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

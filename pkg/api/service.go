package api

import (
	"context"

	"reqroute/internal/config"
	"reqroute/internal/logger"
	"reqroute/internal/pattern"
	"reqroute/internal/registry"
	"reqroute/internal/rules"
	"reqroute/internal/service"
	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(cfg domain.SessionConfig) (domain.SessionID, error)

	// StopSession 停止会话
	StopSession(id domain.SessionID) error

	// NewContextScope 创建上下文级作用域
	NewContextScope(id domain.SessionID) (domain.ScopeID, error)

	// NewPageScope 在上下文作用域内创建页面级作用域
	NewPageScope(id domain.SessionID, parent domain.ScopeID) (domain.ScopeID, error)

	// CloseScope 关闭作用域并强制中止挂起路由
	CloseScope(id domain.SessionID, scope domain.ScopeID) error

	// Route 注册拦截处理器
	Route(id domain.SessionID, scope domain.ScopeID, p pattern.Pattern, h registry.Handler, times int) (domain.RegistrationID, error)

	// Unroute 注销模式相等的全部注册
	Unroute(id domain.SessionID, scope domain.ScopeID, p pattern.Pattern) error

	// UnrouteHandler 注销模式与处理器均匹配的注册
	UnrouteHandler(id domain.SessionID, scope domain.ScopeID, p pattern.Pattern, h registry.Handler) error

	// LoadRules 编译并注册声明式规则
	LoadRules(id domain.SessionID, scope domain.ScopeID, cfg *rules.Config) ([]domain.RegistrationID, error)

	// AttachBrowser 通过 CDP 附加浏览器调试目标并启用拦截
	AttachBrowser(id domain.SessionID, scope domain.ScopeID, devtoolsURL, target string) error

	// DetachBrowser 断开作用域上的浏览器调试目标
	DetachBrowser(id domain.SessionID, scope domain.ScopeID) error

	// Execute 执行一次可拦截请求
	Execute(ctx context.Context, id domain.SessionID, scope domain.ScopeID, req *traffic.Request) (*traffic.Response, error)

	// RedirectedFrom 查询重定向链前驱
	RedirectedFrom(id domain.SessionID, req domain.RequestID) (*traffic.Request, error)

	// RedirectedTo 查询重定向链后继
	RedirectedTo(id domain.SessionID, req domain.RequestID) (*traffic.Request, error)

	// RedirectChain 查询完整重定向链
	RedirectChain(id domain.SessionID, req domain.RequestID) ([]*traffic.Request, error)

	// RequestFailure 查询请求被中止的原因
	RequestFailure(id domain.SessionID, req domain.RequestID) (domain.AbortReason, error)

	// SubscribeEvents 订阅拦截事件
	SubscribeEvents(id domain.SessionID) (<-chan domain.InterceptEvent, error)

	// Stats 获取调度统计信息
	Stats(id domain.SessionID) (domain.EngineStats, error)
}

// NewService 创建并返回服务接口实现
func NewService(l logger.Logger, cfg *config.Config) Service {
	return service.New(l, cfg)
}

package dispatch

import (
	"sync"

	"reqroute/internal/registry"
	"reqroute/pkg/domain"
)

// Scope 处理器作用域（页面或浏览器上下文）。页面作用域持有指向
// 上下文作用域的 parent 引用；两级注册表各自独立迭代，调度时拼接
// 而非合并，保持清晰的所有权边界。
type Scope struct {
	id       domain.ScopeID
	parent   *Scope
	registry *registry.Registry

	done      chan struct{}
	closeOnce sync.Once
}

// NewScope 创建作用域，parent 为 nil 时表示上下文级作用域
func NewScope(id domain.ScopeID, parent *Scope) *Scope {
	return &Scope{
		id:       id,
		parent:   parent,
		registry: registry.New(),
		done:     make(chan struct{}),
	}
}

// ID 返回作用域标识
func (s *Scope) ID() domain.ScopeID { return s.id }

// Parent 返回外层作用域
func (s *Scope) Parent() *Scope { return s.parent }

// Registry 返回该作用域的注册表
func (s *Scope) Registry() *registry.Registry { return s.registry }

// Done 返回关闭信号
func (s *Scope) Done() <-chan struct{} { return s.done }

// Close 关闭作用域：清空注册表并强制中止仍在挂起的路由
func (s *Scope) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.registry.Clear()
	})
}

// Closed 判断作用域是否已关闭
func (s *Scope) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

package service

import (
	"sync"

	"reqroute/internal/adapter/cdpfetch"
	"reqroute/internal/adapter/httpx"
	"reqroute/internal/dispatch"
	"reqroute/internal/logger"
	"reqroute/internal/redirect"
	"reqroute/internal/storage"
	"reqroute/pkg/domain"
)

// Session 单个会话：独立的调度器、重定向链追踪器与作用域集合
type Session struct {
	id       domain.SessionID
	cfg      domain.SessionConfig
	log      logger.Logger
	events   chan domain.InterceptEvent
	tracker  *redirect.Tracker
	recorder *storage.Recorder

	dispatcher *dispatch.Dispatcher
	executor   *httpx.Executor

	mu       sync.RWMutex
	scopes   map[domain.ScopeID]*dispatch.Scope
	adapters map[domain.ScopeID]*cdpfetch.Adapter
}

// scope 按ID取作用域
func (s *Session) scope(id domain.ScopeID) (*dispatch.Scope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[id]
	return sc, ok
}

// addScope 登记作用域
func (s *Session) addScope(sc *dispatch.Scope) {
	s.mu.Lock()
	s.scopes[sc.ID()] = sc
	s.mu.Unlock()
}

// addAdapter 登记作用域上的浏览器适配器
func (s *Session) addAdapter(scope domain.ScopeID, a *cdpfetch.Adapter) {
	s.mu.Lock()
	if s.adapters == nil {
		s.adapters = make(map[domain.ScopeID]*cdpfetch.Adapter)
	}
	s.adapters[scope] = a
	s.mu.Unlock()
}

// closeScope 关闭并移除作用域；关闭上下文级作用域时级联关闭其页面作用域，
// 作用域上的浏览器适配器一并断开
func (s *Session) closeScope(id domain.ScopeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[id]
	if !ok {
		return false
	}
	for cid, child := range s.scopes {
		if child.Parent() == sc {
			s.detachLocked(cid)
			child.Close()
			delete(s.scopes, cid)
		}
	}
	s.detachLocked(id)
	sc.Close()
	delete(s.scopes, id)
	return true
}

// detachLocked 断开作用域上的浏览器适配器，调用方持有 s.mu
func (s *Session) detachLocked(id domain.ScopeID) {
	a, ok := s.adapters[id]
	if !ok {
		return
	}
	if err := a.Detach(); err != nil {
		s.log.Err(err, "断开浏览器调试目标失败", "scope", string(id))
	}
	delete(s.adapters, id)
}

// close 关闭会话的全部资源
func (s *Session) close() {
	s.mu.Lock()
	for id := range s.adapters {
		s.detachLocked(id)
	}
	for id, sc := range s.scopes {
		sc.Close()
		delete(s.scopes, id)
	}
	s.mu.Unlock()
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.log.Err(err, "关闭流量记录器失败", "sessionID", string(s.id))
		}
	}
}

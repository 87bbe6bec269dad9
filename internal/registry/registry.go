package registry

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"reqroute/internal/pattern"
	"reqroute/internal/route"
	"reqroute/pkg/domain"
)

// Handler 拦截处理函数，必须最终在路由上调用且仅调用一次决策方法
type Handler func(*route.Route)

// Registration 单条处理器注册：模式、处理函数与可选的调用次数预算
type Registration struct {
	ID      domain.RegistrationID
	Pattern pattern.Pattern
	Handler Handler

	remaining *int64 // nil 表示不限次数
}

// Registry 单个作用域（页面或上下文）内的有序处理器注册表。
// 注册/注销来自调用方，快照读取来自调度路径，需互斥保护。
type Registry struct {
	mu   sync.RWMutex
	regs []*Registration
	seq  atomic.Int64
}

// New 创建注册表
func New() *Registry {
	return &Registry{}
}

// Register 追加注册，times <= 0 表示不限次数。
// 相同 (pattern, handler) 重复注册产生两条独立注册，均会触发。
func (r *Registry) Register(p pattern.Pattern, h Handler, times int) domain.RegistrationID {
	reg := &Registration{
		ID:      domain.RegistrationID(fmt.Sprintf("reg-%d", r.seq.Add(1))),
		Pattern: p,
		Handler: h,
	}
	if times > 0 {
		n := int64(times)
		reg.remaining = &n
	}
	r.mu.Lock()
	r.regs = append(r.regs, reg)
	r.mu.Unlock()
	return reg.ID
}

// Unregister 移除该作用域内模式相等的全部注册，忽略处理器标识
func (r *Registry) Unregister(p pattern.Pattern) int {
	return r.remove(func(reg *Registration) bool {
		return reg.Pattern.Equal(p)
	})
}

// UnregisterHandler 仅移除模式与处理器标识均匹配的注册
func (r *Registry) UnregisterHandler(p pattern.Pattern, h Handler) int {
	hp := reflect.ValueOf(h).Pointer()
	return r.remove(func(reg *Registration) bool {
		return reg.Pattern.Equal(p) && reflect.ValueOf(reg.Handler).Pointer() == hp
	})
}

// Clear 移除全部注册
func (r *Registry) Clear() {
	r.mu.Lock()
	r.regs = nil
	r.mu.Unlock()
}

// Len 返回当前注册数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// Snapshot 返回命中 URL 的注册快照，逆注册序（最近注册在前）。
// 预算已耗尽的注册被跳过并顺带移除；快照与后续注册变更互不影响。
func (r *Registry) Snapshot(url string) []*Registration {
	r.mu.RLock()
	var out []*Registration
	var exhausted []*Registration
	for i := len(r.regs) - 1; i >= 0; i-- {
		reg := r.regs[i]
		if reg.remaining != nil && atomic.LoadInt64(reg.remaining) <= 0 {
			exhausted = append(exhausted, reg)
			continue
		}
		if reg.Pattern.Match(url) {
			out = append(out, reg)
		}
	}
	r.mu.RUnlock()
	for _, reg := range exhausted {
		r.removeExact(reg)
	}
	return out
}

// Consume 占用一次调用预算；预算已耗尽返回 false，归零后移除注册
func (r *Registry) Consume(reg *Registration) bool {
	if reg.remaining == nil {
		return true
	}
	n := atomic.AddInt64(reg.remaining, -1)
	if n < 0 {
		return false
	}
	if n == 0 {
		r.removeExact(reg)
	}
	return true
}

func (r *Registry) remove(match func(*Registration) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.regs[:0]
	removed := 0
	for _, reg := range r.regs {
		if match(reg) {
			removed++
			continue
		}
		kept = append(kept, reg)
	}
	r.regs = kept
	return removed
}

func (r *Registry) removeExact(target *Registration) {
	r.remove(func(reg *Registration) bool { return reg == target })
}

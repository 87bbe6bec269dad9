package domain

import (
	"errors"
	"fmt"
)

// ErrRouteAlreadyHandled 路由已被终结后再次调用决策方法，属调用方编程错误
var ErrRouteAlreadyHandled = errors.New("route is already handled")

// ErrScopeClosed 所属页面/上下文已关闭，挂起路由被强制中止
var ErrScopeClosed = errors.New("scope is closed")

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("session not found")

// ErrScopeNotFound 作用域不存在
var ErrScopeNotFound = errors.New("scope not found")

// ErrNotAttached 尚未附加到调试目标
var ErrNotAttached = errors.New("not attached")

// AbortError 显式 abort 产生的网络错误，原因原样传递给网络层
type AbortError struct {
	Reason AbortReason
}

// Error 实现 error 接口
func (e *AbortError) Error() string {
	return fmt.Sprintf("request aborted: %s", e.Reason)
}

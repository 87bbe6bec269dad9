package domain

import "reqroute/pkg/traffic"

type SessionID string
type ScopeID string
type RequestID string
type RegistrationID string

// Decision 路由决策状态
type Decision string

const (
	DecisionPending   Decision = "pending"
	DecisionContinued Decision = "continued"
	DecisionFulfilled Decision = "fulfilled"
	DecisionAborted   Decision = "aborted"
	DecisionFellBack  Decision = "fellback"
)

// Terminal 判断决策是否为终结性决策
func (d Decision) Terminal() bool {
	switch d {
	case DecisionContinued, DecisionFulfilled, DecisionAborted:
		return true
	}
	return false
}

// AbortReason 请求中止时回传给网络层的失败原因
type AbortReason string

const (
	AbortFailed               AbortReason = "failed"
	AbortAborted              AbortReason = "aborted"
	AbortTimedOut             AbortReason = "timedout"
	AbortAccessDenied         AbortReason = "accessdenied"
	AbortConnectionClosed     AbortReason = "connectionclosed"
	AbortConnectionRefused    AbortReason = "connectionrefused"
	AbortConnectionReset      AbortReason = "connectionreset"
	AbortInternetDisconnected AbortReason = "internetdisconnected"
	AbortNameNotResolved      AbortReason = "namenotresolved"
	AbortBlockedByClient      AbortReason = "blockedbyclient"
	AbortBlockedByResponse    AbortReason = "blockedbyresponse"
)

// Verdict 调度器对单个请求的最终裁决，交由网络传输层执行
type Verdict struct {
	Decision Decision
	Request  *traffic.Request  // continue：应用改写后的出网请求
	Response *traffic.Response // fulfill：合成响应
	Reason   AbortReason       // abort：失败原因
}

// SessionConfig 会话配置
type SessionConfig struct {
	Concurrency      int  `json:"concurrency"`
	PendingCapacity  int  `json:"pendingCapacity"`
	ProcessTimeoutMS int  `json:"processTimeoutMS"`
	RecordTraffic    bool `json:"recordTraffic"`
}

// InterceptEvent 拦截事件，供订阅方观察处理过程
type InterceptEvent struct {
	Type         string         `json:"type"`
	Session      SessionID      `json:"session"`
	Scope        ScopeID        `json:"scope"`
	RequestID    RequestID      `json:"requestID"`
	URL          string         `json:"url"`
	Method       string         `json:"method"`
	Registration RegistrationID `json:"registration"`
	Decision     Decision       `json:"decision"`
	Reason       AbortReason    `json:"reason"`
	Timestamp    int64          `json:"timestamp"`
}

// EngineStats 调度统计信息
type EngineStats struct {
	Total          int64                    `json:"total"`
	Continued      int64                    `json:"continued"`
	Fulfilled      int64                    `json:"fulfilled"`
	Aborted        int64                    `json:"aborted"`
	FellBack       int64                    `json:"fellBack"`
	Degraded       int64                    `json:"degraded"`
	ByRegistration map[RegistrationID]int64 `json:"byRegistration"`
}

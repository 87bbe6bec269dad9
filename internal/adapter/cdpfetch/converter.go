package cdpfetch

import (
	"encoding/json"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

// ToNeutralRequest 将 CDP 拦截事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	req.IsNavigation = ev.ResourceType == network.ResourceTypeDocument
	req.FrameID = string(ev.FrameID)

	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}
	if ev.Request.PostData != nil {
		req.PostData = []byte(*ev.Request.PostData)
	}
	return req
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	return entries
}

// ToErrorReason 将中止原因映射为 CDP 网络错误码
func ToErrorReason(r domain.AbortReason) network.ErrorReason {
	switch r {
	case domain.AbortAborted:
		return network.ErrorReasonAborted
	case domain.AbortTimedOut:
		return network.ErrorReasonTimedOut
	case domain.AbortAccessDenied:
		return network.ErrorReasonAccessDenied
	case domain.AbortConnectionClosed:
		return network.ErrorReasonConnectionClosed
	case domain.AbortConnectionRefused:
		return network.ErrorReasonConnectionRefused
	case domain.AbortConnectionReset:
		return network.ErrorReasonConnectionReset
	case domain.AbortInternetDisconnected:
		return network.ErrorReasonInternetDisconnected
	case domain.AbortNameNotResolved:
		return network.ErrorReasonNameNotResolved
	case domain.AbortBlockedByClient:
		return network.ErrorReasonBlockedByClient
	case domain.AbortBlockedByResponse:
		return network.ErrorReasonBlockedByResponse
	default:
		return network.ErrorReasonFailed
	}
}

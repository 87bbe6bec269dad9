package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"reqroute/internal/dispatch"
	"reqroute/internal/logger"
	"reqroute/internal/redirect"
	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

const defaultMaxRedirects = 20

// Executor 基于 net/http 的传输执行器：把调度器的裁决落到真实网络。
// 重定向逐跳手工处理，每一跳作为独立拦截事件重入调度器，并把新旧
// 请求挂入重定向链。
type Executor struct {
	client       *http.Client
	dispatcher   *dispatch.Dispatcher
	tracker      *redirect.Tracker
	log          logger.Logger
	maxRedirects int
}

// Options 执行器配置
type Options struct {
	Client       *http.Client
	Dispatcher   *dispatch.Dispatcher
	Tracker      *redirect.Tracker
	Logger       logger.Logger
	MaxRedirects int
}

// New 创建执行器。底层 http.Client 禁用自动重定向，由执行器逐跳接管。
func New(opts Options) *Executor {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	return &Executor{
		client:       client,
		dispatcher:   opts.Dispatcher,
		tracker:      opts.Tracker,
		log:          l,
		maxRedirects: maxRedirects,
	}
}

// Do 执行一次可拦截请求，返回重定向链的终端响应。
// abort 裁决转为 AbortError；fulfill 裁决本地合成响应，不触网。
func (e *Executor) Do(ctx context.Context, scope *dispatch.Scope, req *traffic.Request) (*traffic.Response, error) {
	cur := req
	if e.tracker != nil {
		e.tracker.Register(cur)
	}

	for hop := 0; ; hop++ {
		v, err := e.dispatcher.Dispatch(ctx, scope, cur)
		if err != nil {
			return nil, err
		}
		switch v.Decision {
		case domain.DecisionAborted:
			if e.tracker != nil {
				e.tracker.RecordFailure(domain.RequestID(cur.ID), v.Reason)
			}
			return nil, &domain.AbortError{Reason: v.Reason}
		case domain.DecisionFulfilled:
			return v.Response, nil
		case domain.DecisionContinued:
			out := v.Request
			resp, err := e.roundTrip(ctx, out)
			if err != nil {
				return nil, err
			}
			location := resp.Headers.Get("location")
			if !isRedirect(resp.StatusCode) || location == "" {
				return resp, nil
			}
			if hop >= e.maxRedirects {
				return nil, fmt.Errorf("too many redirects: %s", req.URL)
			}
			next, err := redirectRequest(out, resp.StatusCode, location)
			if err != nil {
				return nil, err
			}
			e.log.Debug("重定向重入调度", "from", out.URL, "to", next.URL, "status", resp.StatusCode)
			if e.tracker != nil {
				e.tracker.Link(cur, next)
			}
			cur = next
		default:
			return nil, fmt.Errorf("unexpected decision: %s", v.Decision)
		}
	}
}

// roundTrip 把中立请求落到 net/http 并回读响应
func (e *Executor) roundTrip(ctx context.Context, req *traffic.Request) (*traffic.Response, error) {
	var body io.Reader
	if req.PostData != nil {
		body = bytes.NewReader(req.PostData)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}

	resp, err := e.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := traffic.NewResponse()
	out.StatusCode = resp.StatusCode
	out.Body = data
	for k, vals := range resp.Header {
		out.Headers.Set(k, strings.Join(vals, ", "))
	}
	return out, nil
}

// redirectRequest 为重定向目标构造新的请求快照：继承改写后的出网头
// （自定义头随链逐跳携带），帧引用与资源类型沿链不变。
func redirectRequest(prev *traffic.Request, status int, location string) (*traffic.Request, error) {
	base, err := url.Parse(prev.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse location: %w", err)
	}
	target := base.ResolveReference(ref)

	next := prev.Clone()
	next.ID = uuid.NewString()
	next.URL = target.String()

	// 303 一律转 GET；301/302 对非 GET/HEAD 转 GET（与主流实现一致）
	if status == http.StatusSeeOther ||
		((status == http.StatusMovedPermanently || status == http.StatusFound) &&
			prev.Method != http.MethodGet && prev.Method != http.MethodHead) {
		next.Method = http.MethodGet
		next.PostData = nil
		next.Headers.Del("content-length")
		next.Headers.Del("content-type")
	}
	return next, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

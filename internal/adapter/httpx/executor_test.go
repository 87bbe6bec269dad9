package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqroute/internal/dispatch"
	"reqroute/internal/pattern"
	"reqroute/internal/redirect"
	"reqroute/internal/route"
	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

type fixture struct {
	scope    *dispatch.Scope
	tracker  *redirect.Tracker
	executor *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scope := dispatch.NewScope("ctx-1", nil)
	tracker := redirect.New()
	exec := New(Options{
		Dispatcher: dispatch.New(dispatch.Options{}),
		Tracker:    tracker,
	})
	return &fixture{scope: scope, tracker: tracker, executor: exec}
}

func newRequest(url string) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = "req-orig"
	req.URL = url
	return req
}

func TestFulfillSkipsNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.scope.Registry().Register(pattern.Glob("**"), func(rt *route.Route) {
		_ = rt.Fulfill(route.FulfillOptions{
			Status:      200,
			ContentType: "text/plain",
			Body:        []byte("fulfilled"),
		})
	}, 0)

	resp, err := f.executor.Do(context.Background(), f.scope, newRequest(srv.URL+"/page"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "fulfilled", string(resp.Body))
	assert.Equal(t, int64(0), hits.Load(), "合成响应不触网")
}

func TestAbortReturnsAbortError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := newFixture(t)
	f.scope.Registry().Register(pattern.Glob("**"), func(rt *route.Route) {
		_ = rt.Abort(domain.AbortInternetDisconnected)
	}, 0)

	_, err := f.executor.Do(context.Background(), f.scope, newRequest(srv.URL+"/page"))
	var abortErr *domain.AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, domain.AbortInternetDisconnected, abortErr.Reason)
	// 中止原因事后可查
	assert.Equal(t, domain.AbortInternetDisconnected, f.tracker.Failure("req-orig"))
}

func TestFallbackOverridesReachServer(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("x-custom")
	}))
	defer srv.Close()

	f := newFixture(t)
	f.scope.Registry().Register(pattern.Glob("**"), func(rt *route.Route) {
		o := &traffic.Overrides{Method: traffic.StringPtr(http.MethodPost)}
		o.SetHeader("x-custom", "injected")
		_ = rt.Fallback(o)
	}, 0)

	_, err := f.executor.Do(context.Background(), f.scope, newRequest(srv.URL+"/page"))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod, "隐式放行携带改写后的方法")
	assert.Equal(t, "injected", gotHeader)
}

func TestHeaderRemovalReachesServer(t *testing.T) {
	var hasSecret bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasSecret = r.Header["X-Secret"]
	}))
	defer srv.Close()

	f := newFixture(t)
	f.scope.Registry().Register(pattern.Glob("**"), func(rt *route.Route) {
		o := &traffic.Overrides{}
		o.RemoveHeader("x-secret")
		_ = rt.Continue(o)
	}, 0)

	req := newRequest(srv.URL + "/page")
	req.Headers.Set("x-secret", "token")
	_, err := f.executor.Do(context.Background(), f.scope, req)
	require.NoError(t, err)
	assert.False(t, hasSecret, "nil 值改写在出网侧删除请求头")
}

func TestRedirectHopsReenterDispatcher(t *testing.T) {
	headerAt := map[string]string{}
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		headerAt["/a"] = r.Header.Get("x-trace")
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		headerAt["/b"] = r.Header.Get("x-trace")
		http.Redirect(w, r, "/c", http.StatusFound)
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
		headerAt["/c"] = r.Header.Get("x-trace")
		fmt.Fprint(w, "terminal")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFixture(t)
	var intercepts int
	f.scope.Registry().Register(pattern.Glob("**"), func(rt *route.Route) {
		intercepts++
		o := &traffic.Overrides{}
		o.SetHeader("x-trace", "chain")
		_ = rt.Fallback(o)
	}, 0)

	resp, err := f.executor.Do(context.Background(), f.scope, newRequest(srv.URL+"/a"))
	require.NoError(t, err)
	assert.Equal(t, "terminal", string(resp.Body))
	assert.Equal(t, 3, intercepts, "每一跳都是独立拦截事件")
	// 一跳注入的头随链逐跳携带
	assert.Equal(t, "chain", headerAt["/a"])
	assert.Equal(t, "chain", headerAt["/b"])
	assert.Equal(t, "chain", headerAt["/c"])
}

func TestRedirectChainTracked(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/c", http.StatusFound)
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFixture(t)
	req := newRequest(srv.URL + "/a")
	req.FrameID = "frame-1"
	_, err := f.executor.Do(context.Background(), f.scope, req)
	require.NoError(t, err)

	chain := f.tracker.Chain(domain.RequestID(req.ID))
	require.Len(t, chain, 3)
	assert.Equal(t, srv.URL+"/a", chain[0].URL)
	assert.Equal(t, srv.URL+"/b", chain[1].URL)
	assert.Equal(t, srv.URL+"/c", chain[2].URL)
	assert.Equal(t, "frame-1", chain[2].FrameID, "帧引用沿链继承")

	hop := f.tracker.RedirectedTo(domain.RequestID(req.ID))
	require.NotNil(t, hop)
	back := f.tracker.RedirectedFrom(domain.RequestID(hop.ID))
	require.NotNil(t, back)
	assert.Equal(t, req.ID, back.ID)
}

func TestRedirectMethodRewrite(t *testing.T) {
	var gotMethod string
	var gotBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/done", http.StatusFound)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFixture(t)
	req := newRequest(srv.URL + "/submit")
	req.Method = http.MethodPost
	req.PostData = []byte("payload")
	req.Headers.Set("content-type", "text/plain")

	_, err := f.executor.Do(context.Background(), f.scope, req)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod, "302 对 POST 转 GET")
	assert.Empty(t, gotBody)
}

func TestRedirect307KeepsMethod(t *testing.T) {
	var gotMethod string
	var gotBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/done", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFixture(t)
	req := newRequest(srv.URL + "/submit")
	req.Method = http.MethodPost
	req.PostData = []byte("payload")

	_, err := f.executor.Do(context.Background(), f.scope, req)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod, "307 保持方法与请求体")
	assert.Equal(t, "payload", string(gotBody))
}

func TestTooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.executor.maxRedirects = 3
	_, err := f.executor.Do(context.Background(), f.scope, newRequest(srv.URL+"/loop"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many redirects")
}

func TestAbortAtRedirectHop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/blocked", http.StatusFound)
	})
	blockedHit := false
	mux.HandleFunc("/blocked", func(w http.ResponseWriter, r *http.Request) {
		blockedHit = true
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFixture(t)
	f.scope.Registry().Register(pattern.Glob("**/blocked"), func(rt *route.Route) {
		_ = rt.Abort(domain.AbortBlockedByClient)
	}, 0)

	_, err := f.executor.Do(context.Background(), f.scope, newRequest(srv.URL+"/a"))
	var abortErr *domain.AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, domain.AbortBlockedByClient, abortErr.Reason)
	assert.False(t, blockedHit, "重定向途中的跳也可被中止")

	hop := f.tracker.RedirectedTo("req-orig")
	require.NotNil(t, hop)
	assert.Equal(t, domain.AbortBlockedByClient, f.tracker.Failure(domain.RequestID(hop.ID)),
		"中止发生在哪一跳就记录在哪一跳")
}

package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqroute/internal/dispatch"
	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

const sampleYAML = `
version: "1"
rules:
  - id: block-ads
    name: 广告拦截
    priority: 10
    match:
      url: "**/ads/**"
    action:
      abort:
        reason: blockedbyclient
  - id: mock-user
    name: 用户接口打桩
    priority: 5
    match:
      url: "**/api/user"
      methods: [GET]
    action:
      fulfill:
        status: 200
        headers:
          content-type: application/json
        body: '{"name":"alice","role":"user"}'
        jsonPatch:
          role: admin
  - id: tag-requests
    priority: 1
    match:
      url: "**"
    action:
      setHeaders:
        x-tag: "1"
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func dispatchURL(t *testing.T, scope *dispatch.Scope, url string) *domain.Verdict {
	t.Helper()
	req := traffic.NewRequest()
	req.ID = "req-1"
	req.URL = url
	v, err := dispatch.New(dispatch.Options{}).Dispatch(context.Background(), scope, req)
	require.NoError(t, err)
	return v
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeRules(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "1", cfg.Version)
	require.Len(t, cfg.Rules, 3)
	assert.Equal(t, "block-ads", cfg.Rules[0].ID)
	require.NotNil(t, cfg.Rules[1].Action.Fulfill)
	assert.Equal(t, "admin", cfg.Rules[1].Action.Fulfill.JSONPatch["role"])

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeRules(t, "rules: {not: [valid"))
	assert.Error(t, err)
}

func TestCompileAndDispatch(t *testing.T) {
	cfg, err := LoadConfig(writeRules(t, sampleYAML))
	require.NoError(t, err)

	scope := dispatch.NewScope("ctx-1", nil)
	ids, err := Compile(cfg, scope.Registry(), nil)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	// 中止规则优先级最高
	v := dispatchURL(t, scope, "http://x/ads/banner.js")
	assert.Equal(t, domain.DecisionAborted, v.Decision)
	assert.Equal(t, domain.AbortBlockedByClient, v.Reason)

	// 合成响应带 sjson 修补后的 JSON 体
	v = dispatchURL(t, scope, "http://x/api/user")
	require.Equal(t, domain.DecisionFulfilled, v.Decision)
	assert.Equal(t, 200, v.Response.StatusCode)
	assert.JSONEq(t, `{"name":"alice","role":"admin"}`, string(v.Response.Body))

	// 兜底改写规则经隐式放行生效
	v = dispatchURL(t, scope, "http://x/static/app.js")
	require.Equal(t, domain.DecisionContinued, v.Decision)
	assert.Equal(t, "1", v.Request.Headers.Get("x-tag"))
}

func TestPriorityOrdering(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{ID: "low", Priority: 1, Action: Action{Fulfill: &FulfillAction{Body: "low"}}},
		{ID: "high", Priority: 9, Action: Action{Fulfill: &FulfillAction{Body: "high"}}},
	}}
	scope := dispatch.NewScope("ctx-1", nil)
	_, err := Compile(cfg, scope.Registry(), nil)
	require.NoError(t, err)

	v := dispatchURL(t, scope, "http://x/")
	assert.Equal(t, "high", string(v.Response.Body), "优先级大的规则先触发")
}

func TestRuleTimesBudget(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{ID: "once", Times: 1, Action: Action{Fulfill: &FulfillAction{Body: "once"}}},
	}}
	scope := dispatch.NewScope("ctx-1", nil)
	_, err := Compile(cfg, scope.Registry(), nil)
	require.NoError(t, err)

	v := dispatchURL(t, scope, "http://x/")
	assert.Equal(t, domain.DecisionFulfilled, v.Decision)
	v = dispatchURL(t, scope, "http://x/")
	assert.Equal(t, domain.DecisionContinued, v.Decision, "次数耗尽后规则不再触发")
}

func TestSecondaryConditionsFallBack(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{
			ID: "post-json",
			Match: Match{
				Methods: []string{"POST"},
				Headers: []Condition{{Key: "content-type", Op: "contains", Value: "json"}},
				Body:    []BodyCond{{Path: "user.id", Op: "equals", Value: "42"}},
			},
			Action: Action{Abort: &AbortAction{}},
		},
	}}
	scope := dispatch.NewScope("ctx-1", nil)
	_, err := Compile(cfg, scope.Registry(), nil)
	require.NoError(t, err)

	d := dispatch.New(dispatch.Options{})
	req := traffic.NewRequest()
	req.ID = "req-1"
	req.URL = "http://x/api"
	req.Method = "POST"
	req.Headers.Set("Content-Type", "application/json")
	req.PostData = []byte(`{"user":{"id":42}}`)

	v, err := d.Dispatch(context.Background(), scope, req)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAborted, v.Decision)
	assert.Equal(t, domain.AbortFailed, v.Reason, "缺省中止原因")

	// 请求体条件不满足时让行
	req2 := req.Clone()
	req2.PostData = []byte(`{"user":{"id":7}}`)
	v, err = d.Dispatch(context.Background(), scope, req2)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionContinued, v.Decision)
}

func TestCompilePatternModes(t *testing.T) {
	cases := []struct {
		mode  string
		url   string
		hit   string
		miss  string
		valid bool
	}{
		{mode: "", url: "**/a.js", hit: "http://x/p/a.js", miss: "http://x/p/b.js", valid: true},
		{mode: "regex", url: `^http://x/\d+$`, hit: "http://x/42", miss: "http://x/a", valid: true},
		{mode: "prefix", url: "http://x/api", hit: "http://x/api/user", miss: "http://y/api", valid: true},
		{mode: "exact", url: "http://x/", hit: "http://x/", miss: "http://x/a", valid: true},
		{mode: "nonsense", valid: false},
	}
	for _, c := range cases {
		p, err := compilePattern(Match{URL: c.url, URLMode: c.mode})
		if !c.valid {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.True(t, p.Match(c.hit), c.mode)
		assert.False(t, p.Match(c.miss), c.mode)
	}

	p, err := compilePattern(Match{})
	require.NoError(t, err)
	assert.True(t, p.Match("http://anything/at/all"), "空 URL 条件匹配全部")
}

func TestMatchValueOps(t *testing.T) {
	assert.True(t, matchValue("abc", "", "abc"))
	assert.True(t, matchValue("abc", "equals", "abc"))
	assert.False(t, matchValue("abc", "equals", "ab"))
	assert.True(t, matchValue("abcdef", "contains", "cde"))
	assert.True(t, matchValue("v1.2", "regex", `v\d+\.\d+`))
	assert.True(t, matchValue("whatever", "exists", ""))
	assert.False(t, matchValue("x", "unknown-op", "x"))
}

func TestQueryValue(t *testing.T) {
	v, ok := queryValue("http://x/p?a=1&B=2", "b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = queryValue("http://x/p", "a")
	assert.False(t, ok)

	_, ok = queryValue("http://x/p?a=1", "c")
	assert.False(t, ok)
}

func TestCompileInvalidPattern(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{ID: "bad", Match: Match{URL: "([", URLMode: "regex"}},
	}}
	scope := dispatch.NewScope("ctx-1", nil)
	_, err := Compile(cfg, scope.Registry(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

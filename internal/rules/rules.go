package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"reqroute/internal/pattern"
	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

// Config 声明式拦截规则配置
type Config struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Rule 单条拦截规则：匹配条件加一个动作。
// Priority 大的先触发（编译时按优先级升序注册，逆注册序生效）。
type Rule struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Priority int    `yaml:"priority" json:"priority"`
	Times    int    `yaml:"times" json:"times"` // <=0 表示不限次数
	Match    Match  `yaml:"match" json:"match"`
	Action   Action `yaml:"action" json:"action"`
}

// Match 匹配条件，全部满足才命中
type Match struct {
	URL     string      `yaml:"url" json:"url"`         // URL 模式
	URLMode string      `yaml:"urlMode" json:"urlMode"` // glob / regex / prefix / exact，默认 glob
	Methods []string    `yaml:"methods" json:"methods"` // 为空匹配全部方法
	Headers []Condition `yaml:"headers" json:"headers"`
	Query   []Condition `yaml:"query" json:"query"`
	Body    []BodyCond  `yaml:"body" json:"body"` // 请求体 JSON 条件
}

// Condition 键值条件
type Condition struct {
	Key   string `yaml:"key" json:"key"`
	Op    string `yaml:"op" json:"op"` // equals / contains / regex / exists
	Value string `yaml:"value" json:"value"`
}

// BodyCond 请求体 JSON 条件，Path 为 gjson 路径
type BodyCond struct {
	Path  string `yaml:"path" json:"path"`
	Op    string `yaml:"op" json:"op"`
	Value string `yaml:"value" json:"value"`
}

// Action 规则动作：改写（fallback 让给后续处理器）、合成响应或中止。
// Fulfill / Abort 互斥且终结；其余字段组合成改写集合。
type Action struct {
	SetHeaders    map[string]string `yaml:"setHeaders" json:"setHeaders"`
	RemoveHeaders []string          `yaml:"removeHeaders" json:"removeHeaders"`
	URL           *string           `yaml:"url" json:"url"`
	Method        *string           `yaml:"method" json:"method"`
	Body          *string           `yaml:"body" json:"body"`

	Fulfill *FulfillAction `yaml:"fulfill" json:"fulfill"`
	Abort   *AbortAction   `yaml:"abort" json:"abort"`
}

// FulfillAction 合成响应动作，JSONPatch 以 sjson 路径修补 Body
type FulfillAction struct {
	Status    int               `yaml:"status" json:"status"`
	Headers   map[string]string `yaml:"headers" json:"headers"`
	Body      string            `yaml:"body" json:"body"`
	JSONPatch map[string]any    `yaml:"jsonPatch" json:"jsonPatch"`
}

// AbortAction 中止动作
type AbortAction struct {
	Reason string `yaml:"reason" json:"reason"`
}

// LoadConfig 从 YAML 文件加载规则配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return &cfg, nil
}

// compilePattern 将规则的 URL 条件编译为调度用模式
func compilePattern(m Match) (pattern.Pattern, error) {
	if m.URL == "" {
		return pattern.Glob("**"), nil
	}
	switch strings.ToLower(m.URLMode) {
	case "", "glob":
		return pattern.Glob(m.URL), nil
	case "regex":
		return pattern.Regex(m.URL)
	case "prefix":
		u := m.URL
		return pattern.ByPredicate(func(url string) bool { return strings.HasPrefix(url, u) }), nil
	case "exact":
		u := m.URL
		return pattern.ByPredicate(func(url string) bool { return url == u }), nil
	default:
		return pattern.Pattern{}, fmt.Errorf("unknown url mode: %s", m.URLMode)
	}
}

// matchRequest 判断请求是否满足模式之外的附加条件
func matchRequest(req *traffic.Request, m Match) bool {
	if len(m.Methods) > 0 {
		ok := false
		for _, v := range m.Methods {
			if strings.EqualFold(req.Method, v) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, c := range m.Headers {
		v := req.Headers.Get(c.Key)
		if !req.Headers.Has(c.Key) || !matchValue(v, c.Op, c.Value) {
			return false
		}
	}
	for _, c := range m.Query {
		v, ok := queryValue(req.URL, c.Key)
		if !ok || !matchValue(v, c.Op, c.Value) {
			return false
		}
	}
	for _, c := range m.Body {
		res := gjson.GetBytes(req.PostData, c.Path)
		if !res.Exists() {
			return false
		}
		if c.Op == "exists" {
			continue
		}
		if !matchValue(res.String(), c.Op, c.Value) {
			return false
		}
	}
	return true
}

func matchValue(v, op, want string) bool {
	switch op {
	case "", "equals":
		return v == want
	case "contains":
		return strings.Contains(v, want)
	case "regex":
		return pattern.MatchRegex(v, want)
	case "exists":
		return true
	default:
		return false
	}
}

// queryValue 解析 URL 查询参数取值（键名大小写不敏感）
func queryValue(rawURL, key string) (string, bool) {
	idx := strings.Index(rawURL, "?")
	if idx == -1 {
		return "", false
	}
	key = strings.ToLower(key)
	for _, pair := range strings.Split(rawURL[idx+1:], "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 && strings.ToLower(kv[0]) == key {
			return kv[1], true
		}
	}
	return "", false
}

// overridesFromAction 将改写动作转换为改写集合
func overridesFromAction(a Action) *traffic.Overrides {
	o := &traffic.Overrides{URL: a.URL, Method: a.Method}
	if a.Body != nil {
		o.PostData = []byte(*a.Body)
	}
	for k, v := range a.SetHeaders {
		o.SetHeader(k, v)
	}
	for _, k := range a.RemoveHeaders {
		o.RemoveHeader(k)
	}
	return o
}

// sortRules 按优先级升序排序，优先级相同时保持配置顺序。
// 注册表按逆注册序触发，升序注册后高优先级规则先触发。
func sortRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// abortReason 将规则里的原因字符串转为领域枚举
func abortReason(s string) domain.AbortReason {
	if s == "" {
		return domain.AbortFailed
	}
	return domain.AbortReason(s)
}

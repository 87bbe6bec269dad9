package pattern

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Kind 模式类型
type Kind string

const (
	KindGlob      Kind = "glob"
	KindRegex     Kind = "regex"
	KindPredicate Kind = "predicate"
)

// Predicate URL 谓词匹配函数
type Predicate func(url string) bool

// Pattern URL 匹配谓词：glob 字符串、正则或自定义谓词函数。
// 调度时仅对候选请求的 URL 求值。
type Pattern struct {
	kind   Kind
	source string
	re     *regexp.Regexp
	pred   Predicate
}

// Glob 创建 glob 模式。支持 * (任意非分隔符字符)、** (任意字符)、? (单个字符)。
func Glob(pattern string) Pattern {
	return Pattern{kind: KindGlob, source: pattern}
}

// Regex 创建正则模式，编译结果进入全局缓存
func Regex(pattern string) (Pattern, error) {
	re, err := compiled.Get(pattern)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern: %w", err)
	}
	return Pattern{kind: KindRegex, source: pattern, re: re}, nil
}

// ByPredicate 创建谓词模式
func ByPredicate(fn Predicate) Pattern {
	return Pattern{kind: KindPredicate, pred: fn}
}

// Kind 返回模式类型
func (p Pattern) Kind() Kind { return p.kind }

// Source 返回 glob/regex 模式的原始文本
func (p Pattern) Source() string { return p.source }

// Match 判断 URL 是否命中该模式
func (p Pattern) Match(url string) bool {
	switch p.kind {
	case KindGlob:
		return matchGlob(url, p.source)
	case KindRegex:
		if p.re == nil {
			return false
		}
		return p.re.MatchString(url)
	case KindPredicate:
		if p.pred == nil {
			return false
		}
		return p.pred(url)
	}
	return false
}

// Equal 判断两个模式是否相同：glob/regex 按原始文本的结构相等，
// 谓词按函数标识相等。
func (p Pattern) Equal(other Pattern) bool {
	if p.kind != other.kind {
		return false
	}
	if p.kind == KindPredicate {
		if p.pred == nil || other.pred == nil {
			return p.pred == nil && other.pred == nil
		}
		return reflect.ValueOf(p.pred).Pointer() == reflect.ValueOf(other.pred).Pointer()
	}
	return p.source == other.source
}

// String 返回可读形式
func (p Pattern) String() string {
	switch p.kind {
	case KindPredicate:
		return "predicate"
	default:
		return fmt.Sprintf("%s:%s", p.kind, p.source)
	}
}

// matchGlob 对完整 URL 做 glob 匹配。glob 编译为正则后进入缓存。
func matchGlob(url, pattern string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	re, err := compiled.Get(globToRegex(pattern))
	if err != nil {
		return false
	}
	return re.MatchString(url)
}

// globToRegex 将 glob 模式翻译为锚定的正则表达式。
// ** 匹配任意字符序列，* 匹配除 / 以外的任意字符序列，? 匹配除 / 以外的单个字符。
func globToRegex(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '.', '+', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString("$")
	return b.String()
}

// MatchRegex 按缓存正则匹配字符串，供规则条件复用
func MatchRegex(s, pattern string) bool {
	re, err := compiled.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

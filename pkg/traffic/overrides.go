package traffic

import "strings"

// Overrides 请求改写集合。nil 字段表示不改写对应属性；
// Headers 中值为 nil 的条目表示删除该请求头而非置空。
// PostData 为 nil 表示不改写请求体，改写为空体需传入非 nil 空切片。
type Overrides struct {
	URL      *string
	Method   *string
	PostData []byte
	Headers  map[string]*string
}

// IsZero 判断改写集合是否为空
func (o *Overrides) IsZero() bool {
	if o == nil {
		return true
	}
	return o.URL == nil && o.Method == nil && o.PostData == nil && len(o.Headers) == 0
}

// Clone 复制改写集合
func (o *Overrides) Clone() *Overrides {
	if o == nil {
		return &Overrides{}
	}
	out := &Overrides{URL: o.URL, Method: o.Method}
	if o.PostData != nil {
		out.PostData = append([]byte(nil), o.PostData...)
	}
	if len(o.Headers) > 0 {
		out.Headers = make(map[string]*string, len(o.Headers))
		for k, v := range o.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Merge 将 src 叠加到当前改写集合之上：逐字段以后写入者为准，
// Headers 按大小写不敏感键名浅合并（保留删除标记）。
func (o *Overrides) Merge(src *Overrides) {
	if src == nil {
		return
	}
	if src.URL != nil {
		o.URL = src.URL
	}
	if src.Method != nil {
		o.Method = src.Method
	}
	if src.PostData != nil {
		o.PostData = append([]byte(nil), src.PostData...)
	}
	for k, v := range src.Headers {
		if o.Headers == nil {
			o.Headers = make(map[string]*string, len(src.Headers))
		}
		o.Headers[normalizeHeaderKey(k)] = v
	}
}

// SetHeader 设置请求头改写
func (o *Overrides) SetHeader(key, value string) {
	if o.Headers == nil {
		o.Headers = make(map[string]*string)
	}
	o.Headers[normalizeHeaderKey(key)] = &value
}

// RemoveHeader 标记删除请求头
func (o *Overrides) RemoveHeader(key string) {
	if o.Headers == nil {
		o.Headers = make(map[string]*string)
	}
	o.Headers[normalizeHeaderKey(key)] = nil
}

func normalizeHeaderKey(k string) string { return strings.ToLower(k) }

// StringPtr 返回字符串指针，便于构造改写集合
func StringPtr(s string) *string { return &s }

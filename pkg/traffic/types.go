package traffic

import (
	"net/http"
	"strings"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Has 判断指定 Header 是否存在
func (h Header) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h[strings.ToLower(key)]
	return ok
}

// Clone 复制 Header
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request 中立的请求模型，拦截时刻的不可变快照
type Request struct {
	ID           string // 事务唯一ID
	URL          string // 完整URL
	Method       string // HTTP方法
	Headers      Header // 请求头
	PostData     []byte // 请求体原始数据
	ResourceType string // 资源类型 (如 Document, XHR)
	IsNavigation bool   // 是否为导航请求
	FrameID      string // 所属帧的弱引用，整条重定向链共享
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Method:  http.MethodGet,
		Headers: make(Header),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// Clone 复制请求快照
func (r *Request) Clone() *Request {
	out := *r
	out.Headers = r.Headers.Clone()
	if r.PostData != nil {
		out.PostData = append([]byte(nil), r.PostData...)
	}
	return &out
}

// Clone 复制响应
func (r *Response) Clone() *Response {
	out := *r
	out.Headers = r.Headers.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// ApplyOverrides 在原始请求之上应用改写集合，返回新的请求快照。
// 改写 URL 不会改变 ResourceType 与 FrameID。
func (r *Request) ApplyOverrides(o *Overrides) *Request {
	out := r.Clone()
	if o == nil {
		return out
	}
	if o.URL != nil {
		out.URL = *o.URL
	}
	if o.Method != nil {
		out.Method = *o.Method
	}
	if o.PostData != nil {
		out.PostData = append([]byte(nil), o.PostData...)
	}
	for k, v := range o.Headers {
		if v == nil {
			out.Headers.Del(k)
		} else {
			out.Headers.Set(k, *v)
		}
	}
	return out
}

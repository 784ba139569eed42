package worker

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Source 标记一次 fetch 事件的响应来自哪里。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
	SourcePassthrough Source = "passthrough"
)

// Request 是 fetch 事件携带的请求描述。URL 必须是绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest 解析 rawURL 并构建请求，method 为空时视为 GET。
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{Method: strings.ToUpper(method), URL: u, Header: header}, nil
}

// IsNavigation 判断是否为加载顶层文档的导航请求：
// 优先看 Sec-Fetch-Mode，缺失时退化为“GET 且 Accept 含 text/html”。
func (r *Request) IsNavigation() bool {
	if r == nil {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if r.Method != http.MethodGet {
		return false
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html")
}

// SameOrigin 报告请求是否与 origin 同源（scheme、host、port 全部一致）。
func (r *Request) SameOrigin(origin *url.URL) bool {
	return r != nil && sameOrigin(r.URL, origin)
}

// Response 是 fetch 事件的结果。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Network 代表默认的网络处理（即不经过缓存直接请求）。
// 只有传输层失败才返回 error，HTTP 错误状态码属于正常响应。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc 允许用普通函数实现 Network。
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

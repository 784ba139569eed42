package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lumigraph/lumicache/internal/server"
	"github.com/lumigraph/lumicache/internal/worker"
)

// maxBodyBytes 限制单个网络响应读入内存的大小。
const maxBodyBytes = 64 << 20

// ErrBodyTooLarge 表示网络响应超过 maxBodyBytes。
var ErrBodyTooLarge = errors.New("response body too large")

// HTTPNetwork 是 worker 的默认网络实现：同源请求改写到 Upstream，跨源请求按原地址发出。
type HTTPNetwork struct {
	client   *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewHTTPNetwork 构建 HTTPNetwork，origin 与 upstream 都必须是绝对地址。
func NewHTTPNetwork(client *http.Client, origin, upstream *url.URL) (*HTTPNetwork, error) {
	if client == nil {
		return nil, errors.New("http client required")
	}
	if origin == nil || !origin.IsAbs() || upstream == nil || !upstream.IsAbs() {
		return nil, errors.New("absolute origin and upstream required")
	}
	return &HTTPNetwork{client: client, origin: origin, upstream: upstream}, nil
}

// Fetch 发出请求并完整读取响应体。只有传输层失败才返回 error。
func (n *HTTPNetwork) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	target := n.resolveTarget(req)
	httpReq, err := n.buildUpstreamRequest(ctx, req, target)
	if err != nil {
		return nil, err
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("read %s: %w", target, ErrBodyTooLarge)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &worker.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// resolveTarget 把同源 URL 的 scheme/host 换成 upstream，路径拼接在 upstream 路径之后，保留查询串。
func (n *HTTPNetwork) resolveTarget(req *worker.Request) *url.URL {
	if !req.SameOrigin(n.origin) {
		return req.URL
	}
	target := *n.upstream
	target.Path = strings.TrimRight(n.upstream.Path, "/") + req.URL.Path
	target.RawPath = ""
	target.RawQuery = req.URL.RawQuery
	target.Fragment = ""
	return &target
}

func (n *HTTPNetwork) buildUpstreamRequest(ctx context.Context, req *worker.Request, target *url.URL) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host
	if req.SameOrigin(n.origin) {
		httpReq.Header.Set("X-Forwarded-Host", n.origin.Host)
		httpReq.Header.Set("X-Forwarded-Proto", n.origin.Scheme)
	}
	return httpReq, nil
}

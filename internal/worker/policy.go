package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/lumigraph/lumicache/internal/cache"
)

// navigationFallbacks 是导航请求在网络失败后依次尝试的缓存路径。
var navigationFallbacks = []string{"/index.html", "/"}

// Fetch 按请求类型选择回退策略：
//   - 跨源请求不拦截，返回 ErrNotIntercepted；
//   - 导航请求网络优先，失败时依次尝试缓存的 /index.html、/，最后返回离线页；
//   - 其余同源请求缓存优先，未命中再走网络，网络失败时仅对核心资源再查一次缓存。
func (c *Controller) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil || !sameOrigin(req.URL, c.origin) {
		return nil, ErrNotIntercepted
	}
	if req.IsNavigation() {
		return c.fetchNavigation(ctx, req), nil
	}
	return c.fetchSubresource(ctx, req)
}

func (c *Controller) fetchNavigation(ctx context.Context, req *Request) *Response {
	resp, err := c.network.Fetch(ctx, req)
	if err == nil {
		resp.Source = SourceNetwork
		return resp
	}
	c.logger.WithError(err).WithFields(c.fetchFields(req)).Debug("navigation_network_failed")

	for _, fallback := range navigationFallbacks {
		target := c.origin.ResolveReference(&url.URL{Path: fallback})
		if cached := c.match(ctx, cache.NewKey(http.MethodGet, target.String())); cached != nil {
			return cached
		}
	}
	return offlineResponse()
}

func (c *Controller) fetchSubresource(ctx context.Context, req *Request) (*Response, error) {
	key := cache.NewKey(req.Method, req.URL.String())
	if cached := c.match(ctx, key); cached != nil {
		return cached, nil
	}

	resp, err := c.network.Fetch(ctx, req)
	if err == nil {
		resp.Source = SourceNetwork
		return resp, nil
	}

	if _, ok := c.core[req.URL.Path]; ok {
		if cached := c.match(ctx, key); cached != nil {
			return cached, nil
		}
	}
	c.logger.WithError(err).WithFields(c.fetchFields(req)).Debug("subresource_network_failed")
	return nil, errors.Join(ErrNetworkAndCache, err)
}

// match 在本代分区中查找条目，只有 GET 请求可能命中。存储错误按未命中处理。
func (c *Controller) match(ctx context.Context, key cache.Key) *Response {
	if key.Method != http.MethodGet {
		return nil
	}
	// 分区可能已被更新一代的激活删除，此时不能重新创建。
	exists, err := c.store.Has(ctx, c.manifest.CacheName)
	if err != nil || !exists {
		return nil
	}
	partition, err := c.store.Open(ctx, c.manifest.CacheName)
	if err != nil {
		c.logger.WithError(err).WithFields(c.lifecycleFields("fetch")).Warn("cache_open_failed")
		return nil
	}
	entry, err := partition.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.WithError(err).WithFields(c.lifecycleFields("fetch")).Warn("cache_get_failed")
		}
		return nil
	}
	return &Response{
		Status: entry.Status,
		Header: entry.Header.Clone(),
		Body:   entry.Body,
		Source: SourceCache,
	}
}

func (c *Controller) fetchFields(req *Request) logrus.Fields {
	fields := c.lifecycleFields("fetch")
	fields["method"] = req.Method
	fields["url"] = req.URL.String()
	return fields
}

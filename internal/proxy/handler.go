package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lumigraph/lumicache/internal/config"
	"github.com/lumigraph/lumicache/internal/logging"
	"github.com/lumigraph/lumicache/internal/server"
	"github.com/lumigraph/lumicache/internal/worker"
)

// Dispatcher 决定由哪个 worker 版本处理某个客户端的请求。
type Dispatcher interface {
	Controller(clientID string, navigate bool) (*worker.Controller, string)
}

// Options 汇总 Handler 的依赖与拦截参数。
type Options struct {
	Dispatcher   Dispatcher
	Network      worker.Network
	Logger       *logrus.Logger
	Origin       *url.URL
	ClientCookie string

	// CrossOrigin 为 passthrough 时，只有 CrossOriginAllowlist 中的源
	// （scheme://host[:port]）会透传，其余跨域请求一律 421。
	CrossOrigin          string
	CrossOriginAllowlist []string
}

// Handler 把每个 HTTP 请求转换成 fetch 事件：交给控制该客户端的 worker 版本处理，
// 未受控或未被拦截的请求直接走网络。
type Handler struct {
	dispatcher   Dispatcher
	network      worker.Network
	logger       *logrus.Logger
	origin       *url.URL
	allowCross   []*url.URL
	clientCookie string
}

// NewHandler constructs a proxy handler from the dispatcher, network and logger.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Dispatcher == nil || opts.Network == nil || opts.Logger == nil {
		return nil, errors.New("dispatcher, network and logger are required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin required")
	}
	cookie := opts.ClientCookie
	if cookie == "" {
		cookie = "lumicache_client"
	}
	var allow []*url.URL
	if opts.CrossOrigin == config.CrossOriginPassthrough {
		for _, raw := range opts.CrossOriginAllowlist {
			parsed, err := url.Parse(strings.TrimSpace(raw))
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return nil, fmt.Errorf("invalid cross-origin allowlist entry %q", raw)
			}
			allow = append(allow, &url.URL{Scheme: strings.ToLower(parsed.Scheme), Host: strings.ToLower(parsed.Host)})
		}
	}
	return &Handler{
		dispatcher:   opts.Dispatcher,
		network:      opts.Network,
		logger:       opts.Logger,
		origin:       opts.Origin,
		allowCross:   allow,
		clientCookie: cookie,
	}, nil
}

type fetchResult struct {
	clientID   string
	versionID  string
	generation string
}

// Handle 执行一次 fetch 事件并把结果写回客户端，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildRequest(c, h.origin.Scheme)
	if err != nil {
		h.logResult(c, fetchResult{}, requestID, "", fiber.StatusBadRequest, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// 跨域请求不绑定客户端；只有白名单内的源才会透传，且目标地址取自配置而非请求头。
	if !req.SameOrigin(h.origin) {
		allowed := h.allowedOrigin(req)
		if allowed == nil {
			h.logResult(c, fetchResult{}, requestID, "", fiber.StatusMisdirectedRequest, started, worker.ErrNotIntercepted)
			return h.writeError(c, fiber.StatusMisdirectedRequest, "cross_origin_rejected")
		}
		target := *req.URL
		target.Scheme = allowed.Scheme
		target.Host = allowed.Host
		req.URL = &target
		return h.passthrough(c, ctx, req, fetchResult{}, requestID, started)
	}

	meta := fetchResult{clientID: h.ensureClient(c)}
	ctrl, versionID := h.dispatcher.Controller(meta.clientID, req.IsNavigation())
	if ctrl == nil {
		return h.passthrough(c, ctx, req, meta, requestID, started)
	}
	meta.versionID = versionID
	meta.generation = ctrl.Generation()

	resp, err := ctrl.Fetch(ctx, req)
	switch {
	case err == nil:
		h.writeResponse(c, resp, meta, requestID)
		h.logResult(c, meta, requestID, resp.Source, resp.Status, started, nil)
		return nil
	case errors.Is(err, worker.ErrNotIntercepted):
		return h.passthrough(c, ctx, req, meta, requestID, started)
	case errors.Is(err, worker.ErrNetworkAndCache):
		h.logResult(c, meta, requestID, "", fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "network_and_cache_failed")
	default:
		h.logResult(c, meta, requestID, "", fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "fetch_failed")
	}
}

func (h *Handler) allowedOrigin(req *worker.Request) *url.URL {
	for _, allowed := range h.allowCross {
		if req.SameOrigin(allowed) {
			return allowed
		}
	}
	return nil
}

// passthrough 对应浏览器的默认网络处理：不查缓存，也不写缓存。
func (h *Handler) passthrough(
	c fiber.Ctx,
	ctx context.Context,
	req *worker.Request,
	meta fetchResult,
	requestID string,
	started time.Time,
) error {
	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		h.logResult(c, meta, requestID, worker.SourcePassthrough, fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	resp.Source = worker.SourcePassthrough
	h.writeResponse(c, resp, meta, requestID)
	h.logResult(c, meta, requestID, resp.Source, resp.Status, started, nil)
	return nil
}

// ensureClient 读取客户端 cookie，缺失时签发新的客户端 ID。
func (h *Handler) ensureClient(c fiber.Ctx) string {
	if raw := c.Request().Header.Cookie(h.clientCookie); len(raw) > 0 {
		if id, err := uuid.ParseBytes(raw); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	cookie := &http.Cookie{
		Name:     h.clientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.origin.Scheme == "https",
		SameSite: http.SameSiteLaxMode,
	}
	c.Response().Header.Add(fiber.HeaderSetCookie, cookie.String())
	return id
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *worker.Response, meta fetchResult, requestID string) {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Lumicache-Source", string(resp.Source))
	if meta.generation != "" {
		c.Set("X-Lumicache-Generation", meta.generation)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	status := resp.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	c.Status(status)
	c.Response().SetBodyRaw(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	meta fetchResult,
	requestID string,
	source worker.Source,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		meta.generation,
		meta.versionID,
		meta.clientID,
		string(source),
		source == worker.SourceCache,
	)
	fields["action"] = "fetch"
	fields["method"] = c.Method()
	fields["path"] = requestPath(c)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

// buildRequest 以 Host 头与 X-Forwarded-Proto 还原请求的绝对 URL；
// 缺少该头时使用连接的 scheme，仍无法判断时退回 fallbackScheme。
func buildRequest(c fiber.Ctx, fallbackScheme string) (*worker.Request, error) {
	scheme := strings.ToLower(strings.TrimSpace(string(c.Request().Header.Peek("X-Forwarded-Proto"))))
	if idx := strings.IndexByte(scheme, ','); idx >= 0 {
		scheme = strings.TrimSpace(scheme[:idx])
	}
	if scheme != "http" && scheme != "https" {
		scheme = strings.ToLower(c.Scheme())
	}
	if scheme != "http" && scheme != "https" {
		scheme = fallbackScheme
	}
	host := server.HostHeader(c)
	if host == "" {
		return nil, errors.New("missing host")
	}

	uri := c.Request().URI()
	raw := fmt.Sprintf("%s://%s%s", scheme, host, requestPath(c))
	if query := uri.QueryString(); len(query) > 0 {
		raw += "?" + string(query)
	}

	req, err := worker.NewRequest(c.Method(), raw, fiberHeadersAsHTTP(c))
	if err != nil {
		return nil, err
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	return req, nil
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.PathOriginal())
	if idx := strings.IndexByte(pathVal, '?'); idx >= 0 {
		pathVal = pathVal[:idx]
	}
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

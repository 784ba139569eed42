package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendFS:      {},
	BackendLevelDB: {},
	BackendRedis:   {},
}

var supportedCodecs = map[string]struct{}{
	CodecMsgpack: {},
	CodecCBOR:    {},
}

var supportedMemoryTiers = map[string]struct{}{
	MemoryTierNone:      {},
	MemoryTierRistretto: {},
	MemoryTierBigCache:  {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}
	return c.Store.validate()
}

func (w *WorkerConfig) validate() error {
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin"), err)
	}
	if err := validateUpstream(w.Upstream); err != nil {
		return fmt.Errorf("%s: %w", workerField("Upstream"), err)
	}
	if w.CacheName == "" {
		return newFieldError(workerField("CacheName"), "不能为空")
	}
	if len(w.CoreAssets) == 0 {
		return newFieldError(workerField("CoreAssets"), "至少需要一个核心资源")
	}
	for i, asset := range w.CoreAssets {
		if err := validateAsset(asset); err != nil {
			return fmt.Errorf("%s[%d]: %w", workerField("CoreAssets"), i, err)
		}
	}
	switch w.CrossOrigin {
	case CrossOriginPassthrough, CrossOriginReject:
	default:
		return newFieldError(workerField("CrossOrigin"), "仅支持 passthrough/reject")
	}
	for i, raw := range w.CrossOriginAllowlist {
		if err := validateOrigin(strings.TrimRight(strings.TrimSpace(raw), "/")); err != nil {
			return fmt.Errorf("%s[%d]: %w", workerField("CrossOriginAllowlist"), i, err)
		}
	}
	if strings.ContainsAny(w.ClientCookie, " ;,=") {
		return newFieldError(workerField("ClientCookie"), "包含非法字符")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if _, ok := supportedBackends[s.Backend]; !ok {
		return newFieldError(storeField("Backend"), "仅支持 fs|leveldb|redis")
	}
	if _, ok := supportedCodecs[s.Codec]; !ok {
		return newFieldError(storeField("Codec"), "仅支持 msgpack|cbor")
	}
	if _, ok := supportedMemoryTiers[s.MemoryTier]; !ok {
		return newFieldError(storeField("MemoryTier"), "仅支持 none|ristretto|bigcache")
	}
	if s.MemoryTier != MemoryTierNone && s.MemoryTierSize <= 0 {
		return newFieldError(storeField("MemoryTierSize"), "必须大于 0")
	}
	if s.UsesFileSystem() && strings.TrimSpace(s.Path) == "" {
		return newFieldError(storeField("Path"), "不能为空")
	}
	if s.Backend == BackendRedis && strings.TrimSpace(s.RedisAddr) == "" {
		return newFieldError(storeField("RedisAddr"), "redis 后端必须提供地址")
	}
	if s.RedisDB < 0 {
		return newFieldError(storeField("RedisDB"), "不能为负数")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少应用源地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源缺少 Host: %s", raw)
	}
	if parsed.Path != "" || parsed.RawQuery != "" {
		return fmt.Errorf("源不允许包含路径或查询: %s", raw)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateAsset 允许同源绝对路径（/app.js）或带协议头的跨域地址。
func validateAsset(raw string) error {
	asset := strings.TrimSpace(raw)
	if asset == "" {
		return errors.New("资源地址不能为空")
	}
	if strings.HasPrefix(asset, "/") {
		return nil
	}
	parsed, err := url.Parse(asset)
	if err != nil {
		return err
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("资源必须是 / 开头的路径或 http(s) 地址: %s", asset)
	}
	return nil
}

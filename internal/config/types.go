package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 跨域请求的处理方式。
const (
	CrossOriginPassthrough = "passthrough"
	CrossOriginReject      = "reject"
)

// 缓存后端与编码方式。
const (
	BackendFS      = "fs"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"

	CodecMsgpack = "msgpack"
	CodecCBOR    = "cbor"

	MemoryTierNone      = "none"
	MemoryTierRistretto = "ristretto"
	MemoryTierBigCache  = "bigcache"
)

// GlobalConfig 描述进程级运行参数（监听端口、日志、上游超时）。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// WorkerConfig 对应一个 worker 版本：缓存代号 + 核心资源清单，以及拦截相关参数。
type WorkerConfig struct {
	// Origin 是应用对外的源（scheme://host[:port]），只有同源请求会被拦截。
	Origin string `mapstructure:"Origin"`
	// Upstream 是真实的应用服务器，同源请求的“网络”即指向这里。
	Upstream          string   `mapstructure:"Upstream"`
	CacheName         string   `mapstructure:"CacheName"`
	CoreAssets        []string `mapstructure:"CoreAssets"`
	// CrossOrigin 默认 reject；passthrough 只放行 CrossOriginAllowlist 中的源。
	CrossOrigin          string   `mapstructure:"CrossOrigin"`
	CrossOriginAllowlist []string `mapstructure:"CrossOriginAllowlist"`
	ClientCookie      string   `mapstructure:"ClientCookie"`
	ClientIdleTimeout Duration `mapstructure:"ClientIdleTimeout"`
	UpdateInterval    Duration `mapstructure:"UpdateInterval"`
}

// StoreConfig 决定缓存分区落在哪个后端以及条目的编码方式。
type StoreConfig struct {
	Backend        string `mapstructure:"Backend"`
	Path           string `mapstructure:"Path"`
	Codec          string `mapstructure:"Codec"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`
	RedisPrefix    string `mapstructure:"RedisPrefix"`
	MemoryTier     string `mapstructure:"MemoryTier"`
	MemoryTierSize int64  `mapstructure:"MemoryTierSize"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
	Store  StoreConfig  `mapstructure:"Store"`
}

// CrossOriginOrigins 返回允许透传的跨域源：显式白名单加上核心资源中的跨域地址，
// 统一为 scheme://host[:port] 并去重。
func (w WorkerConfig) CrossOriginOrigins() []string {
	seen := make(map[string]struct{})
	var origins []string
	add := func(raw string) {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return
		}
		origin := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
		if _, ok := seen[origin]; ok {
			return
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	for _, raw := range w.CrossOriginAllowlist {
		add(raw)
	}
	for _, asset := range w.CoreAssets {
		if !strings.HasPrefix(strings.TrimSpace(asset), "/") {
			add(asset)
		}
	}
	return origins
}

// UsesFileSystem 表示当前后端是否需要本地目录。
func (s StoreConfig) UsesFileSystem() bool {
	return s.Backend == BackendFS || s.Backend == BackendLevelDB
}

// Summary 输出 backend:codec[+tier] 形式的简述，供启动日志使用。
func (s StoreConfig) Summary() string {
	summary := fmt.Sprintf("%s:%s", s.Backend, s.Codec)
	if s.MemoryTier != "" && s.MemoryTier != MemoryTierNone {
		summary += "+" + s.MemoryTier
	}
	return summary
}

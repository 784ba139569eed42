package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)
	applyStoreDefaults(&cfg.Store)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Store.UsesFileSystem() {
		absStorage, err := filepath.Abs(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Store.Path = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Worker.CrossOrigin", CrossOriginReject)
	v.SetDefault("Worker.ClientCookie", "lumicache_client")
	v.SetDefault("Worker.ClientIdleTimeout", "30m")
	v.SetDefault("Worker.UpdateInterval", "24h")

	v.SetDefault("Store.Backend", BackendFS)
	v.SetDefault("Store.Path", "./storage")
	v.SetDefault("Store.Codec", CodecMsgpack)
	v.SetDefault("Store.RedisPrefix", "lumicache")
	v.SetDefault("Store.MemoryTier", MemoryTierNone)
	v.SetDefault("Store.MemoryTierSize", 64*1024*1024)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Origin = strings.TrimRight(strings.TrimSpace(w.Origin), "/")
	w.Upstream = strings.TrimRight(strings.TrimSpace(w.Upstream), "/")
	w.CacheName = strings.TrimSpace(w.CacheName)
	w.CrossOrigin = strings.ToLower(strings.TrimSpace(w.CrossOrigin))
	if w.CrossOrigin == "" {
		w.CrossOrigin = CrossOriginReject
	}
	if strings.TrimSpace(w.ClientCookie) == "" {
		w.ClientCookie = "lumicache_client"
	}
	if w.ClientIdleTimeout.DurationValue() <= 0 {
		w.ClientIdleTimeout = Duration(30 * time.Minute)
	}
	if w.UpdateInterval.DurationValue() < 0 {
		w.UpdateInterval = Duration(0)
	}
}

func applyStoreDefaults(s *StoreConfig) {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = BackendFS
	}
	s.Codec = strings.ToLower(strings.TrimSpace(s.Codec))
	if s.Codec == "" {
		s.Codec = CodecMsgpack
	}
	s.MemoryTier = strings.ToLower(strings.TrimSpace(s.MemoryTier))
	if s.MemoryTier == "" {
		s.MemoryTier = MemoryTierNone
	}
	if s.RedisPrefix == "" {
		s.RedisPrefix = "lumicache"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

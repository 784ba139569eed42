package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lumigraph/lumicache/internal/cache"
	"github.com/lumigraph/lumicache/internal/logging"
)

var (
	// ErrInstallFailed 表示核心资源未能全部抓取并写入，新一代缓存不会生效。
	ErrInstallFailed = errors.New("install failed")
	// ErrNotIntercepted 表示请求不归本 worker 处理（跨源），调用方应走默认网络。
	ErrNotIntercepted = errors.New("request not intercepted")
	// ErrNetworkAndCache 表示网络与缓存都无法给出响应。
	ErrNetworkAndCache = errors.New("network and cache both failed")
)

// Manifest 描述一个 worker 版本：缓存代号 + 核心资源清单。
type Manifest struct {
	CacheName  string
	CoreAssets []string
}

// Equal 判断两个版本是否相同（逐字段比较，顺序敏感）。
func (m Manifest) Equal(other Manifest) bool {
	if m.CacheName != other.CacheName || len(m.CoreAssets) != len(other.CoreAssets) {
		return false
	}
	for i := range m.CoreAssets {
		if m.CoreAssets[i] != other.CoreAssets[i] {
			return false
		}
	}
	return true
}

// Host 是宿主（生命周期管理者）暴露给 worker 的能力。
type Host interface {
	// SkipWaiting 让当前版本跳过 waiting 阶段。
	SkipWaiting(ctx context.Context) error
	// Claim 让当前版本立即接管所有已知客户端。
	Claim(ctx context.Context) error
	// Update 在后台检查是否有新版本，立即返回。
	Update(ctx context.Context)
}

// Options 汇总构建 Controller 所需的依赖。
type Options struct {
	Manifest  Manifest
	Origin    *url.URL
	Store     cache.Storage
	Network   Network
	Host      Host
	Logger    *logrus.Logger
	VersionID string
}

// Controller 响应 install/activate/fetch/message 四类事件。
// 除缓存存储外不持有任何跨事件状态。
type Controller struct {
	manifest  Manifest
	origin    *url.URL
	store     cache.Storage
	network   Network
	host      Host
	logger    *logrus.Logger
	versionID string
	core      map[string]struct{}
}

// New 校验依赖并构建 Controller。
func New(opts Options) (*Controller, error) {
	if strings.TrimSpace(opts.Manifest.CacheName) == "" {
		return nil, errors.New("worker: cache name required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("worker: absolute origin required")
	}
	if opts.Store == nil {
		return nil, errors.New("worker: store required")
	}
	if opts.Network == nil {
		return nil, errors.New("worker: network required")
	}
	if opts.Host == nil {
		opts.Host = noopHost{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	core := make(map[string]struct{}, len(opts.Manifest.CoreAssets))
	for _, asset := range opts.Manifest.CoreAssets {
		core[asset] = struct{}{}
	}

	return &Controller{
		manifest:  opts.Manifest,
		origin:    opts.Origin,
		store:     opts.Store,
		network:   opts.Network,
		host:      opts.Host,
		logger:    opts.Logger,
		versionID: opts.VersionID,
		core:      core,
	}, nil
}

// Generation 返回当前缓存代号。
func (c *Controller) Generation() string {
	return c.manifest.CacheName
}

// Manifest 返回该版本的清单副本。
func (c *Controller) Manifest() Manifest {
	return Manifest{
		CacheName:  c.manifest.CacheName,
		CoreAssets: append([]string(nil), c.manifest.CoreAssets...),
	}
}

// Install 打开（必要时创建）本代分区，并发抓取全部核心资源后一次性写入。
// 任一资源失败都会放弃本次安装；若分区是本次新建的则一并删除，已存在的分区保持原样。
// 成功后通知宿主跳过 waiting。
func (c *Controller) Install(ctx context.Context) error {
	started := time.Now()
	name := c.manifest.CacheName

	existed, err := c.store.Has(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: check partition %s: %v", ErrInstallFailed, name, err)
	}
	partition, err := c.store.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: open partition %s: %v", ErrInstallFailed, name, err)
	}

	records, err := c.fetchCoreAssets(ctx)
	if err == nil {
		err = partition.PutAll(ctx, records)
	}
	if err != nil {
		if !existed {
			if _, delErr := c.store.Delete(context.WithoutCancel(ctx), name); delErr != nil {
				c.logger.WithError(delErr).
					WithFields(c.lifecycleFields("install")).
					Warn("install_cleanup_failed")
			}
		}
		fields := c.lifecycleFields("install")
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		c.logger.WithError(err).WithFields(fields).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	fields := c.lifecycleFields("install")
	fields["assets"] = len(records)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	c.logger.WithFields(fields).Info("install_complete")

	return c.host.SkipWaiting(ctx)
}

func (c *Controller) fetchCoreAssets(ctx context.Context) ([]cache.Record, error) {
	records := make([]cache.Record, len(c.manifest.CoreAssets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range c.manifest.CoreAssets {
		i, asset := i, asset
		g.Go(func() error {
			target, err := c.resolveAsset(asset)
			if err != nil {
				return fmt.Errorf("asset %s: %w", asset, err)
			}
			req := &Request{Method: http.MethodGet, URL: target, Header: http.Header{}}
			resp, err := c.network.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset, err)
			}
			if resp.Status < 200 || resp.Status > 299 {
				return fmt.Errorf("fetch %s: unexpected status %d", asset, resp.Status)
			}
			records[i] = cache.Record{
				Key: cache.NewKey(http.MethodGet, target.String()),
				Entry: &cache.Entry{
					Status: resp.Status,
					Header: resp.Header.Clone(),
					Body:   resp.Body,
				},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// Ready 报告本代分区是否已包含全部核心资源，用于进程重启后恢复已安装的版本。
func (c *Controller) Ready(ctx context.Context) (bool, error) {
	exists, err := c.store.Has(ctx, c.manifest.CacheName)
	if err != nil || !exists {
		return false, err
	}
	partition, err := c.store.Open(ctx, c.manifest.CacheName)
	if err != nil {
		return false, err
	}
	for _, asset := range c.manifest.CoreAssets {
		target, err := c.resolveAsset(asset)
		if err != nil {
			return false, err
		}
		if _, err := partition.Match(ctx, cache.NewKey(http.MethodGet, target.String())); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// Activate 删除除本代以外的全部分区，然后接管所有客户端。
// 单个旧分区删除失败只记录告警，不影响其它分区，也不会让激活失败。
func (c *Controller) Activate(ctx context.Context) error {
	names, err := c.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	var g errgroup.Group
	for _, name := range names {
		if name == c.manifest.CacheName {
			continue
		}
		name := name
		g.Go(func() error {
			if _, err := c.store.Delete(ctx, name); err != nil {
				fields := c.lifecycleFields("activate")
				fields["stale_generation"] = name
				c.logger.WithError(err).WithFields(fields).Warn("stale_generation_delete_failed")
				return nil
			}
			fields := c.lifecycleFields("activate")
			fields["stale_generation"] = name
			c.logger.WithFields(fields).Info("stale_generation_deleted")
			return nil
		})
	}
	_ = g.Wait()

	return c.host.Claim(ctx)
}

// resolveAsset 把清单条目解析为绝对 URL：以 / 开头的路径相对于 origin。
func (c *Controller) resolveAsset(asset string) (*url.URL, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return ref, nil
	}
	return c.origin.ResolveReference(ref), nil
}

func (c *Controller) lifecycleFields(action string) logrus.Fields {
	return logging.LifecycleFields(action, c.versionID, c.manifest.CacheName)
}

type noopHost struct{}

func (noopHost) SkipWaiting(context.Context) error { return nil }
func (noopHost) Claim(context.Context) error       { return nil }
func (noopHost) Update(context.Context)            {}

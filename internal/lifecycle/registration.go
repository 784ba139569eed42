package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/lumigraph/lumicache/internal/logging"
	"github.com/lumigraph/lumicache/internal/worker"
)

// State 是 worker 版本的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrNotActive 表示调用 Claim 的版本不是当前激活版本。
var ErrNotActive = errors.New("version is not active")

// ErrNoSource 表示未配置清单来源，无法检查更新。
var ErrNoSource = errors.New("no manifest source configured")

// ManifestSource 提供最新部署的版本清单（相当于浏览器重新下载 worker 脚本）。
type ManifestSource interface {
	Load(ctx context.Context) (worker.Manifest, error)
}

// SourceFunc 让普通函数满足 ManifestSource。
type SourceFunc func(ctx context.Context) (worker.Manifest, error)

func (f SourceFunc) Load(ctx context.Context) (worker.Manifest, error) {
	return f(ctx)
}

// ControllerFactory 为新版本构建 Controller，host 由 Registration 提供。
type ControllerFactory func(m worker.Manifest, host worker.Host, versionID string) (*worker.Controller, error)

// Options 控制 Registration 的行为。
type Options struct {
	Factory ControllerFactory
	Source  ManifestSource
	Logger  *logrus.Logger

	// ClientIdleTimeout 内未出现的客户端视为已关闭，旧版本无人使用后 waiting 版本自动激活。
	ClientIdleTimeout time.Duration
	// UpdateInterval 为周期性更新检查间隔，0 表示关闭。
	UpdateInterval time.Duration

	Now func() time.Time
}

// Version 是一个已注册的 worker 版本。
type Version struct {
	ID          string
	controller  *worker.Controller
	state       State
	skipWaiting bool
	installedAt time.Time
	activatedAt time.Time
}

// Controller 返回该版本的事件处理器。
func (v *Version) Controller() *worker.Controller {
	return v.controller
}

type client struct {
	version  *Version
	lastSeen time.Time
}

// Registration 承担宿主角色：持有 installing/waiting/active 三个版本槽位，
// 决定何时安装、何时激活，并记录每个客户端由哪个版本控制。
//
// jobMu 串行化安装与激活；mu 只保护内部状态，调用 Controller 时从不持有 mu。
type Registration struct {
	opts   Options
	logger *logrus.Logger

	jobMu sync.Mutex

	mu         sync.Mutex
	installing *Version
	waiting    *Version
	active     *Version
	clients    map[string]*client
	lastUpdate time.Time

	updates singleflight.Group

	bg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
	closed  bool
}

// New 构建 Registration，Factory 为必填项。
func New(opts Options) (*Registration, error) {
	if opts.Factory == nil {
		return nil, errors.New("lifecycle: controller factory required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ClientIdleTimeout <= 0 {
		opts.ClientIdleTimeout = 30 * time.Minute
	}
	return &Registration{
		opts:    opts,
		logger:  opts.Logger,
		clients: make(map[string]*client),
		stopCh:  make(chan struct{}),
	}, nil
}

// Register 安装 m 描述的新版本。m 与最新已知版本相同时不做任何事。
// 安装成功的版本进入 waiting，满足条件时立即激活；安装失败的版本作废，当前激活版本不受影响。
func (r *Registration) Register(ctx context.Context, m worker.Manifest) error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	_, err := r.registerLocked(ctx, m)
	return err
}

// Restore 用于进程启动：若 m 对应的分区已完整存在则直接激活，不再重新抓取资源；
// 否则按 Register 的流程安装。
func (r *Registration) Restore(ctx context.Context, m worker.Manifest) error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	if r.newestManifestEqual(m) {
		return nil
	}
	v, err := r.newVersion(m)
	if err != nil {
		return err
	}
	ready, err := v.controller.Ready(ctx)
	if err != nil {
		r.logger.WithError(err).
			WithFields(logging.LifecycleFields("restore", v.ID, m.CacheName)).
			Warn("restore_lookup_failed")
	}
	if !ready {
		_, err := r.installLocked(ctx, v)
		return err
	}

	r.mu.Lock()
	v.state = StateInstalled
	v.installedAt = r.opts.Now()
	r.setWaitingLocked(v)
	r.mu.Unlock()
	r.logger.WithFields(logging.LifecycleFields("restore", v.ID, m.CacheName)).Info("restore_complete")

	r.tryActivateLocked(ctx)
	return nil
}

func (r *Registration) registerLocked(ctx context.Context, m worker.Manifest) (bool, error) {
	if r.newestManifestEqual(m) {
		return false, nil
	}
	v, err := r.newVersion(m)
	if err != nil {
		return false, err
	}
	return r.installLocked(ctx, v)
}

func (r *Registration) newVersion(m worker.Manifest) (*Version, error) {
	v := &Version{ID: uuid.NewString(), state: StateInstalling}
	ctrl, err := r.opts.Factory(m, &versionHost{reg: r, version: v}, v.ID)
	if err != nil {
		return nil, err
	}
	v.controller = ctrl
	return v, nil
}

// installLocked 要求调用方持有 jobMu。
func (r *Registration) installLocked(ctx context.Context, v *Version) (bool, error) {
	r.mu.Lock()
	if r.installing != nil {
		r.installing.state = StateRedundant
	}
	r.installing = v
	r.mu.Unlock()

	generation := v.controller.Generation()
	r.logger.WithFields(logging.LifecycleFields("install", v.ID, generation)).Info("install_start")

	if err := v.controller.Install(ctx); err != nil {
		r.mu.Lock()
		v.state = StateRedundant
		if r.installing == v {
			r.installing = nil
		}
		r.mu.Unlock()
		return false, err
	}

	r.mu.Lock()
	if r.installing == v {
		r.installing = nil
	}
	v.state = StateInstalled
	v.installedAt = r.opts.Now()
	r.setWaitingLocked(v)
	r.mu.Unlock()

	r.tryActivateLocked(ctx)
	return true, nil
}

// setWaitingLocked 要求调用方持有 mu。新版本顶替旧的 waiting 版本。
func (r *Registration) setWaitingLocked(v *Version) {
	if r.waiting != nil && r.waiting != v {
		r.waiting.state = StateRedundant
	}
	r.waiting = v
}

// tryActivateLocked 要求调用方持有 jobMu。
// waiting 版本在以下任一条件下激活：调用过 skipWaiting、没有激活版本、旧版本已无活跃客户端。
func (r *Registration) tryActivateLocked(ctx context.Context) {
	r.mu.Lock()
	next := r.waiting
	if next == nil {
		r.mu.Unlock()
		return
	}
	if !next.skipWaiting && r.active != nil && r.activeInUseLocked(r.opts.Now()) {
		r.mu.Unlock()
		r.logger.WithFields(logging.LifecycleFields("activate", next.ID, next.controller.Generation())).
			Info("activation_deferred")
		return
	}
	previous := r.active
	r.active = next
	r.waiting = nil
	next.state = StateActivating
	if previous != nil {
		previous.state = StateRedundant
		for _, c := range r.clients {
			if c.version == previous {
				c.version = next
			}
		}
	}
	r.mu.Unlock()

	fields := logging.LifecycleFields("activate", next.ID, next.controller.Generation())
	if previous != nil {
		fields["previous_version_id"] = previous.ID
		fields["previous_generation"] = previous.controller.Generation()
	}
	if err := next.controller.Activate(ctx); err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("activate_failed")
	}

	r.mu.Lock()
	if next.state == StateActivating {
		next.state = StateActivated
		next.activatedAt = r.opts.Now()
	}
	r.mu.Unlock()
	r.logger.WithFields(fields).Info("activate_complete")
}

// activeInUseLocked 要求调用方持有 mu。
func (r *Registration) activeInUseLocked(now time.Time) bool {
	for _, c := range r.clients {
		if c.version == r.active && now.Sub(c.lastSeen) < r.opts.ClientIdleTimeout {
			return true
		}
	}
	return false
}

func (r *Registration) newestManifestEqual(m worker.Manifest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range []*Version{r.installing, r.waiting, r.active} {
		if v != nil {
			return v.controller.Manifest().Equal(m)
		}
	}
	return false
}

// Controller 返回应处理该客户端请求的 Controller。
// 导航请求会把客户端绑定到当前激活版本；子资源请求沿用客户端已绑定的版本，未受控时返回 nil。
func (r *Registration) Controller(clientID string, navigate bool) (*worker.Controller, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.clients[clientID]
	if c == nil {
		c = &client{}
		if clientID != "" {
			r.clients[clientID] = c
		}
	}
	c.lastSeen = r.opts.Now()
	if navigate {
		c.version = r.active
	}
	if c.version == nil || c.version.state == StateRedundant {
		c.version = nil
		return nil, ""
	}
	return c.version.controller, c.version.ID
}

// Target 选择控制消息的接收版本。
type Target string

const (
	TargetActive  Target = "active"
	TargetWaiting Target = "waiting"
)

// Message 把控制消息投递给目标版本，目标不存在时返回 false。
func (r *Registration) Message(ctx context.Context, target Target, msg worker.ControlMessage) bool {
	r.mu.Lock()
	var v *Version
	switch target {
	case TargetWaiting:
		v = r.waiting
	case TargetActive, "":
		v = r.active
	}
	r.mu.Unlock()
	if v == nil {
		return false
	}
	v.controller.Message(ctx, msg)
	return true
}

// skipWaiting 标记版本跳过等待；若它已在 waiting 槽位则立即激活。
func (r *Registration) skipWaiting(ctx context.Context, v *Version) error {
	r.mu.Lock()
	v.skipWaiting = true
	isWaiting := r.waiting == v
	r.mu.Unlock()
	if !isWaiting {
		return nil
	}

	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	r.tryActivateLocked(ctx)
	return nil
}

// claim 把所有已知客户端绑定到 v，v 必须是当前激活版本。
func (r *Registration) claim(v *Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != v {
		return ErrNotActive
	}
	for _, c := range r.clients {
		c.version = v
	}
	return nil
}

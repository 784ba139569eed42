package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumigraph/lumicache/internal/worker"
)

// versionHost 把某个版本的 skipWaiting/claim/update 请求转交给 Registration。
type versionHost struct {
	reg     *Registration
	version *Version
}

func (h *versionHost) SkipWaiting(ctx context.Context) error {
	return h.reg.skipWaiting(ctx, h.version)
}

func (h *versionHost) Claim(context.Context) error {
	return h.reg.claim(h.version)
}

func (h *versionHost) Update(context.Context) {
	h.reg.UpdateAsync()
}

// Update 从清单来源重新加载版本，与最新已知版本不同时安装新版本。
// 并发调用会合并为一次检查。返回值表示是否安装了新版本。
func (r *Registration) Update(ctx context.Context) (bool, error) {
	if r.opts.Source == nil {
		return false, ErrNoSource
	}
	res, err, _ := r.updates.Do("update", func() (interface{}, error) {
		m, err := r.opts.Source.Load(ctx)
		if err != nil {
			return false, err
		}
		r.jobMu.Lock()
		defer r.jobMu.Unlock()

		r.mu.Lock()
		r.lastUpdate = r.opts.Now()
		r.mu.Unlock()

		installed, err := r.registerLocked(ctx, m)
		if err != nil {
			return false, err
		}
		if !installed {
			r.tryActivateLocked(ctx)
		}
		return installed, nil
	})
	installed, _ := res.(bool)
	return installed, err
}

// UpdateAsync 在后台执行 Update，立即返回。Close 会等待其结束。
func (r *Registration) UpdateAsync() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.bg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.bg.Done()
		r.runUpdate(context.Background(), "force_update")
	}()
}

func (r *Registration) runUpdate(ctx context.Context, action string) {
	installed, err := r.Update(ctx)
	fields := logrus.Fields{"action": action}
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("update_failed")
		return
	}
	fields["installed"] = installed
	r.logger.WithFields(fields).Info("update_checked")
}

// Start 启动后台循环：定期清理空闲客户端并尝试激活 waiting 版本；
// UpdateInterval > 0 时定期检查更新。
func (r *Registration) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.bg.Add(1)
	if r.opts.UpdateInterval > 0 {
		r.bg.Add(1)
	}
	r.mu.Unlock()

	go r.janitorLoop(janitorInterval(r.opts.ClientIdleTimeout))
	if r.opts.UpdateInterval > 0 {
		go r.updateLoop(r.opts.UpdateInterval)
	}
}

// Close 停止后台循环并等待进行中的更新结束。
func (r *Registration) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stopCh)
	r.mu.Unlock()
	r.bg.Wait()
	return nil
}

func (r *Registration) janitorLoop(interval time.Duration) {
	defer r.bg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registration) updateLoop(interval time.Duration) {
	defer r.bg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runUpdate(context.Background(), "periodic_update")
		case <-r.stopCh:
			return
		}
	}
}

// Sweep 移除超过 ClientIdleTimeout 未出现的客户端，然后尝试激活 waiting 版本。
func (r *Registration) Sweep(ctx context.Context) int {
	now := r.opts.Now()
	r.mu.Lock()
	removed := 0
	for id, c := range r.clients {
		if now.Sub(c.lastSeen) >= r.opts.ClientIdleTimeout {
			delete(r.clients, id)
			removed++
		}
	}
	hasWaiting := r.waiting != nil
	r.mu.Unlock()

	if hasWaiting {
		r.jobMu.Lock()
		r.tryActivateLocked(ctx)
		r.jobMu.Unlock()
	}
	return removed
}

func janitorInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// VersionStatus 是单个版本的诊断快照。
type VersionStatus struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	CacheName   string    `json:"cacheName"`
	CoreAssets  []string  `json:"coreAssets"`
	SkipWaiting bool      `json:"skipWaiting"`
	Clients     int       `json:"clients"`
	InstalledAt time.Time `json:"installedAt,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
}

// Status 是 Registration 的诊断快照。
type Status struct {
	Installing *VersionStatus `json:"installing,omitempty"`
	Waiting    *VersionStatus `json:"waiting,omitempty"`
	Active     *VersionStatus `json:"active,omitempty"`
	Clients    int            `json:"clients"`
	LastUpdate time.Time      `json:"lastUpdate,omitempty"`
}

// Status 返回当前版本与客户端的快照。
func (r *Registration) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[*Version]int)
	for _, c := range r.clients {
		if c.version != nil {
			counts[c.version]++
		}
	}
	describe := func(v *Version) *VersionStatus {
		if v == nil {
			return nil
		}
		m := v.controller.Manifest()
		return &VersionStatus{
			ID:          v.ID,
			State:       v.state,
			CacheName:   m.CacheName,
			CoreAssets:  m.CoreAssets,
			SkipWaiting: v.skipWaiting,
			Clients:     counts[v],
			InstalledAt: v.installedAt,
			ActivatedAt: v.activatedAt,
		}
	}
	return Status{
		Installing: describe(r.installing),
		Waiting:    describe(r.waiting),
		Active:     describe(r.active),
		Clients:    len(r.clients),
		LastUpdate: r.lastUpdate,
	}
}

var _ worker.Host = (*versionHost)(nil)

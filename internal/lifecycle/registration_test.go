package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumigraph/lumicache/internal/cache"
	"github.com/lumigraph/lumicache/internal/worker"
)

const testOrigin = "https://app.test"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store    cache.Storage
	offline  atomic.Bool
	fetches  atomic.Int64
	clock    *clock
	manifest atomic.Value
	reg      *Registration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	h := &harness{store: store, clock: &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}}
	h.manifest.Store(worker.Manifest{CacheName: "lumigraph-v6", CoreAssets: []string{"/", "/index.html"}})

	origin, _ := url.Parse(testOrigin)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	network := worker.NetworkFunc(func(_ context.Context, req *worker.Request) (*worker.Response, error) {
		h.fetches.Add(1)
		if h.offline.Load() {
			return nil, errors.New("connection refused")
		}
		return &worker.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("body " + req.URL.Path)}, nil
	})

	reg, err := New(Options{
		Factory: func(m worker.Manifest, host worker.Host, versionID string) (*worker.Controller, error) {
			return worker.New(worker.Options{
				Manifest:  m,
				Origin:    origin,
				Store:     store,
				Network:   network,
				Host:      host,
				Logger:    logger,
				VersionID: versionID,
			})
		},
		Source: SourceFunc(func(context.Context) (worker.Manifest, error) {
			return h.manifest.Load().(worker.Manifest), nil
		}),
		Logger:            logger,
		ClientIdleTimeout: time.Minute,
		Now:               h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new registration: %v", err)
	}
	h.reg = reg
	t.Cleanup(func() {
		_ = reg.Close()
		_ = store.Close()
	})
	return h
}

func (h *harness) deploy(m worker.Manifest) {
	h.manifest.Store(m)
}

func (h *harness) current() worker.Manifest {
	return h.manifest.Load().(worker.Manifest)
}

func TestRegisterActivatesFirstVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.reg.Register(ctx, h.current()); err != nil {
		t.Fatalf("register: %v", err)
	}
	status := h.reg.Status()
	if status.Active == nil || status.Active.State != StateActivated || status.Active.CacheName != "lumigraph-v6" {
		t.Fatalf("首个版本应直接激活: %+v", status)
	}
	if status.Waiting != nil || status.Installing != nil {
		t.Fatalf("不应残留 waiting/installing: %+v", status)
	}
}

func TestRegisterSameManifestIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.reg.Register(ctx, h.current())
	before := h.fetches.Load()
	first := h.reg.Status().Active.ID

	if err := h.reg.Register(ctx, h.current()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.fetches.Load() != before || h.reg.Status().Active.ID != first {
		t.Fatalf("相同清单不应重新安装")
	}
}

func TestNewVersionSkipsWaitingAndRebindsClients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.reg.Register(ctx, h.current())

	ctrl, oldID := h.reg.Controller("client-a", true)
	if ctrl == nil || ctrl.Generation() != "lumigraph-v6" {
		t.Fatalf("导航请求应绑定激活版本")
	}

	h.deploy(worker.Manifest{CacheName: "lumigraph-v7", CoreAssets: []string{"/", "/index.html", "/app.js"}})
	installed, err := h.reg.Update(ctx)
	if err != nil || !installed {
		t.Fatalf("update: installed=%v err=%v", installed, err)
	}

	// 安装成功即 skipWaiting，新版本立即激活并接管老客户端。
	ctrl, newID := h.reg.Controller("client-a", false)
	if ctrl == nil || ctrl.Generation() != "lumigraph-v7" || newID == oldID {
		t.Fatalf("老客户端应被新版本接管, got %v", ctrl)
	}
	names, _ := h.store.Keys(ctx)
	if len(names) != 1 || names[0] != "lumigraph-v7" {
		t.Fatalf("激活后只应剩当前代: %v", names)
	}
}

func TestFailedInstallLeavesActiveVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.reg.Register(ctx, h.current())
	activeID := h.reg.Status().Active.ID

	h.offline.Store(true)
	h.deploy(worker.Manifest{CacheName: "lumigraph-v7", CoreAssets: []string{"/"}})
	if _, err := h.reg.Update(ctx); !errors.Is(err, worker.ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	status := h.reg.Status()
	if status.Active == nil || status.Active.ID != activeID || status.Waiting != nil {
		t.Fatalf("失败的安装不应影响激活版本: %+v", status)
	}

	// 恢复网络后再次检查更新会重试安装。
	h.offline.Store(false)
	installed, err := h.reg.Update(ctx)
	if err != nil || !installed {
		t.Fatalf("retry: installed=%v err=%v", installed, err)
	}
	if h.reg.Status().Active.CacheName != "lumigraph-v7" {
		t.Fatalf("重试成功后应激活新版本")
	}
}

func TestWaitingVersionPromotedBySkipWaitingMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.reg.Register(ctx, h.current())
	h.reg.Controller("client-a", true)

	// Restore 不会调用 skipWaiting，模拟一个停在 waiting 的版本。
	next := worker.Manifest{CacheName: "lumigraph-v7", CoreAssets: []string{"/"}}
	seed, _ := h.store.Open(ctx, "lumigraph-v7")
	_ = seed.Put(ctx, cache.NewKey("GET", testOrigin+"/"), &cache.Entry{Body: []byte("v7")})
	if err := h.reg.Restore(ctx, next); err != nil {
		t.Fatalf("restore: %v", err)
	}
	status := h.reg.Status()
	if status.Waiting == nil || status.Waiting.CacheName != "lumigraph-v7" {
		t.Fatalf("仍有活跃客户端时新版本应停在 waiting: %+v", status)
	}

	if !h.reg.Message(ctx, TargetWaiting, worker.ControlMessage{Type: worker.MessageSkipWaiting}) {
		t.Fatalf("waiting 版本应接收消息")
	}
	status = h.reg.Status()
	if status.Active == nil || status.Active.CacheName != "lumigraph-v7" || status.Waiting != nil {
		t.Fatalf("SKIP_WAITING 应立即激活: %+v", status)
	}
	if ctrl, _ := h.reg.Controller("client-a", false); ctrl == nil || ctrl.Generation() != "lumigraph-v7" {
		t.Fatalf("客户端应切换到新版本")
	}
}

func TestWaitingVersionActivatesWhenClientsIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.reg.Register(ctx, h.current())
	h.reg.Controller("client-a", true)

	seed, _ := h.store.Open(ctx, "lumigraph-v7")
	_ = seed.Put(ctx, cache.NewKey("GET", testOrigin+"/"), &cache.Entry{Body: []byte("v7")})
	_ = h.reg.Restore(ctx, worker.Manifest{CacheName: "lumigraph-v7", CoreAssets: []string{"/"}})

	h.clock.Advance(30 * time.Second)
	h.reg.Sweep(ctx)
	if h.reg.Status().Waiting == nil {
		t.Fatalf("客户端仍活跃时不应激活")
	}

	h.clock.Advance(time.Minute)
	if removed := h.reg.Sweep(ctx); removed != 1 {
		t.Fatalf("应清理 1 个空闲客户端, got %d", removed)
	}
	status := h.reg.Status()
	if status.Active == nil || status.Active.CacheName != "lumigraph-v7" {
		t.Fatalf("旧版本无人使用后应激活 waiting 版本: %+v", status)
	}
}

func TestRestoreReusesCompletePartition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	part, _ := h.store.Open(ctx, "lumigraph-v6")
	for _, p := range []string{"/", "/index.html"} {
		_ = part.Put(ctx, cache.NewKey("GET", testOrigin+p), &cache.Entry{Body: []byte(p)})
	}
	h.offline.Store(true)

	if err := h.reg.Restore(ctx, h.current()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h.fetches.Load() != 0 {
		t.Fatalf("分区完整时不应重新抓取资源")
	}
	if h.reg.Status().Active == nil {
		t.Fatalf("恢复后应有激活版本")
	}
}

func TestRestoreInstallsWhenPartitionIncomplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.reg.Restore(ctx, h.current()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h.fetches.Load() != 2 {
		t.Fatalf("应抓取全部核心资源, got %d", h.fetches.Load())
	}
}

func TestControllerForUncontrolledClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if ctrl, _ := h.reg.Controller("client-a", true); ctrl != nil {
		t.Fatalf("没有激活版本时不应有控制者")
	}
	_ = h.reg.Register(ctx, h.current())

	if ctrl, _ := h.reg.Controller("client-b", false); ctrl != nil {
		t.Fatalf("未导航过的客户端不受控")
	}
	if ctrl, _ := h.reg.Controller("client-b", true); ctrl == nil {
		t.Fatalf("导航后应受控")
	}
	if ctrl, _ := h.reg.Controller("client-b", false); ctrl == nil {
		t.Fatalf("导航后子资源请求应受控")
	}
}

func TestClaimRequiresActiveVersion(t *testing.T) {
	h := newHarness(t)
	v := &Version{ID: "orphan"}
	if err := h.reg.claim(v); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestForceUpdateRunsInBackground(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.reg.Register(ctx, h.current())

	h.deploy(worker.Manifest{CacheName: "lumigraph-v7", CoreAssets: []string{"/"}})
	if !h.reg.Message(ctx, TargetActive, worker.ControlMessage{Type: worker.MessageForceUpdate}) {
		t.Fatalf("激活版本应接收消息")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.reg.Status(); s.Active != nil && s.Active.CacheName == "lumigraph-v7" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("FORCE_UPDATE 应在后台安装并激活新版本: %+v", h.reg.Status())
}

func TestUpdateWithoutSource(t *testing.T) {
	reg, err := New(Options{Factory: func(worker.Manifest, worker.Host, string) (*worker.Controller, error) {
		return nil, errors.New("unused")
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := reg.Update(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}

func TestStartAndClose(t *testing.T) {
	h := newHarness(t)
	h.reg.opts.UpdateInterval = time.Hour
	h.reg.Start()
	h.reg.Start()
	if err := h.reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.reg.UpdateAsync()
}

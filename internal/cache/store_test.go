package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/lumigraph/lumicache/internal/config"
)

type storeFactory func(t *testing.T) Storage

func backendFactories() map[string]storeFactory {
	factories := map[string]storeFactory{
		"fs": func(t *testing.T) Storage {
			store, err := NewFileStore(t.TempDir(), nil)
			if err != nil {
				t.Fatalf("init fs store: %v", err)
			}
			return store
		},
		"leveldb": func(t *testing.T) Storage {
			codec, err := CodecByName("cbor")
			if err != nil {
				t.Fatalf("codec: %v", err)
			}
			store, err := NewLevelDBStore(filepath.Join(t.TempDir(), "db"), codec)
			if err != nil {
				t.Fatalf("init leveldb store: %v", err)
			}
			return store
		},
		"fs+ristretto": func(t *testing.T) Storage {
			backend, err := NewFileStore(t.TempDir(), nil)
			if err != nil {
				t.Fatalf("init fs store: %v", err)
			}
			store, err := WithRistretto(backend, 1<<20)
			if err != nil {
				t.Fatalf("init ristretto tier: %v", err)
			}
			return store
		},
		"leveldb+bigcache": func(t *testing.T) Storage {
			backend, err := NewLevelDBStore(filepath.Join(t.TempDir(), "db"), nil)
			if err != nil {
				t.Fatalf("init leveldb store: %v", err)
			}
			store, err := WithBigCache(backend, nil, 1<<20)
			if err != nil {
				t.Fatalf("init bigcache tier: %v", err)
			}
			return store
		},
	}
	if addr := os.Getenv("LUMICACHE_TEST_REDIS"); addr != "" {
		factories["redis"] = func(t *testing.T) Storage {
			client := redis.NewClient(&redis.Options{Addr: addr})
			store, err := NewRedisStore(context.Background(), RedisOptions{
				Client:      client,
				Prefix:      "lumicache-test:" + t.Name(),
				CloseClient: true,
			})
			if err != nil {
				t.Fatalf("init redis store: %v", err)
			}
			t.Cleanup(func() {
				names, _ := store.Keys(context.Background())
				for _, name := range names {
					_, _ = store.Delete(context.Background(), name)
				}
			})
			return store
		}
	}
	return factories
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Storage)) {
	for name, factory := range backendFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store)
		})
	}
}

func TestPartitionPutAndMatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		part, err := store.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		key := NewKey("get", "https://app.test/app.js")
		header := http.Header{"Content-Type": []string{"application/javascript"}}
		if err := part.Put(ctx, key, &Entry{Header: header, Body: []byte("console.log(1)")}); err != nil {
			t.Fatalf("put error: %v", err)
		}

		entry, err := part.Match(ctx, key)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(entry.Body) != "console.log(1)" {
			t.Fatalf("body mismatch: %q", entry.Body)
		}
		if entry.Status != http.StatusOK {
			t.Fatalf("默认状态应为 200, got %d", entry.Status)
		}
		if entry.Header.Get("Content-Type") != "application/javascript" {
			t.Fatalf("header mismatch: %v", entry.Header)
		}
		if entry.StoredAt.IsZero() {
			t.Fatalf("StoredAt 应被填充")
		}
	})
}

func TestPartitionMatchIsMethodSensitive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		part, _ := store.Open(ctx, "app-v1")
		if err := part.Put(ctx, NewKey("GET", "https://app.test/"), &Entry{Body: []byte("home")}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if _, err := part.Match(ctx, NewKey("POST", "https://app.test/")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("POST 不应命中 GET 条目, got %v", err)
		}
		if _, err := part.Match(ctx, NewKey("GET", "https://app.test/?q=1")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("URL 应按原样比较, got %v", err)
		}
	})
}

func TestPartitionPutAllAndKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		part, _ := store.Open(ctx, "app-v2")
		records := []Record{
			{Key: NewKey("GET", "https://app.test/"), Entry: &Entry{Body: []byte("root")}},
			{Key: NewKey("GET", "https://app.test/index.html"), Entry: &Entry{Body: []byte("index")}},
			{Key: NewKey("GET", "https://app.test/index.html"), Entry: &Entry{Body: []byte("index-2")}},
		}
		if err := part.PutAll(ctx, records); err != nil {
			t.Fatalf("put all error: %v", err)
		}
		keys, err := part.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 2 {
			t.Fatalf("重复 key 应合并, got %v", keys)
		}
		entry, err := part.Match(ctx, NewKey("GET", "https://app.test/index.html"))
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(entry.Body) != "index-2" {
			t.Fatalf("后写入的条目应覆盖前者, got %q", entry.Body)
		}
	})
}

func TestStoreHasDeleteAndKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		if ok, err := store.Has(ctx, "app-v1"); err != nil || ok {
			t.Fatalf("分区尚未创建: ok=%v err=%v", ok, err)
		}
		for _, name := range []string{"app-v2", "app-v1", "other"} {
			part, err := store.Open(ctx, name)
			if err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
			if err := part.Put(ctx, NewKey("GET", "https://app.test/"), &Entry{Body: []byte(name)}); err != nil {
				t.Fatalf("put %s: %v", name, err)
			}
		}
		names, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(names) != 3 || names[0] != "app-v1" || names[2] != "other" {
			t.Fatalf("分区列表应排序: %v", names)
		}

		deleted, err := store.Delete(ctx, "app-v1")
		if err != nil || !deleted {
			t.Fatalf("delete existing: deleted=%v err=%v", deleted, err)
		}
		deleted, err = store.Delete(ctx, "app-v1")
		if err != nil || deleted {
			t.Fatalf("重复删除应返回 false: deleted=%v err=%v", deleted, err)
		}
		if ok, _ := store.Has(ctx, "app-v1"); ok {
			t.Fatalf("删除后分区不应存在")
		}

		part, _ := store.Open(ctx, "app-v1")
		if _, err := part.Match(ctx, NewKey("GET", "https://app.test/")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("重新创建的分区应为空, got %v", err)
		}
		other, _ := store.Open(ctx, "other")
		if _, err := other.Match(ctx, NewKey("GET", "https://app.test/")); err != nil {
			t.Fatalf("其它分区不受影响: %v", err)
		}
	})
}

func TestStoreRejectsInvalidPartitionName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		if _, err := store.Open(context.Background(), "  "); !errors.Is(err, ErrInvalidPartition) {
			t.Fatalf("空分区名应被拒绝, got %v", err)
		}
	})
}

func TestFileStoreConcurrentPutAll(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	ctx := context.Background()
	part, _ := store.Open(ctx, "app-v1")
	key := NewKey("GET", "https://app.test/shared.css")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records := []Record{
				{Key: key, Entry: &Entry{Body: []byte("body")}},
				{Key: key, Entry: &Entry{Body: []byte("body")}},
			}
			if err := part.PutAll(ctx, records); err != nil {
				t.Errorf("put all error: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := part.Match(ctx, key); err != nil {
		t.Fatalf("并发写入后应可读取: %v", err)
	}
}

func TestFileStoreSkipsTrashDirectories(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".trash-123", "partition"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := store.Open(context.Background(), "app v1/beta"); err != nil {
		t.Fatalf("open: %v", err)
	}
	names, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(names) != 1 || names[0] != "app v1/beta" {
		t.Fatalf("应忽略隐藏目录并还原分区名: %v", names)
	}
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "msgpack", "cbor"} {
		codec, err := CodecByName(name)
		if err != nil {
			t.Fatalf("codec %q: %v", name, err)
		}
		data, err := encodeRecord(codec, NewKey("GET", "https://app.test/"), &Entry{Status: 203, Body: []byte("x")})
		if err != nil {
			t.Fatalf("encode with %s: %v", codec.Name(), err)
		}
		rec, err := decodeRecord(codec, data)
		if err != nil {
			t.Fatalf("decode with %s: %v", codec.Name(), err)
		}
		if rec.Entry.Status != 203 || rec.Key.URL != "https://app.test/" {
			t.Fatalf("%s 解码结果不符: %+v", codec.Name(), rec)
		}
	}
	if _, err := CodecByName("gob"); err == nil {
		t.Fatalf("未知编码应返回错误")
	}
}

func TestTieredStoreInvalidatesOnWrite(t *testing.T) {
	backend, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	store, err := WithRistretto(backend, 1<<20)
	if err != nil {
		t.Fatalf("init tier: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	part, _ := store.Open(ctx, "app-v1")
	key := NewKey("GET", "https://app.test/app.js")
	_ = part.Put(ctx, key, &Entry{Body: []byte("v1")})
	if _, err := part.Match(ctx, key); err != nil {
		t.Fatalf("match: %v", err)
	}
	_ = part.Put(ctx, key, &Entry{Body: []byte("v2")})
	entry, err := part.Match(ctx, key)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if string(entry.Body) != "v2" {
		t.Fatalf("写入后内存层应失效, got %q", entry.Body)
	}

	if _, err := store.Delete(ctx, "app-v1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	part, _ = store.Open(ctx, "app-v1")
	if _, err := part.Match(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("删除分区后内存层应清空, got %v", err)
	}
}

func TestOpenFromConfig(t *testing.T) {
	cfg := config.StoreConfig{
		Backend:        config.BackendLevelDB,
		Path:           filepath.Join(t.TempDir(), "db"),
		Codec:          config.CodecCBOR,
		MemoryTier:     config.MemoryTierBigCache,
		MemoryTierSize: 1 << 20,
	}
	store, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*tieredStore); !ok {
		t.Fatalf("应包含内存层, got %T", store)
	}

	if _, err := Open(context.Background(), config.StoreConfig{Backend: "s3"}); err == nil {
		t.Fatalf("未知后端应返回错误")
	}
}

func TestFileStorePutAllRestoresExistingEntriesOnFailure(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("init fs store: %v", err)
	}
	ctx := context.Background()
	part, err := store.Open(ctx, "app-v3")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	root := NewKey("GET", "https://app.test/")
	index := NewKey("GET", "https://app.test/index.html")
	if err := part.Put(ctx, root, &Entry{Body: []byte("root-v1")}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	calls := 0
	renameFile = func(from, to string) error {
		calls++
		if calls == 2 {
			return errors.New("disk full")
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { renameFile = os.Rename })

	err = part.PutAll(ctx, []Record{
		{Key: root, Entry: &Entry{Body: []byte("root-v2")}},
		{Key: index, Entry: &Entry{Body: []byte("index-v2")}},
	})
	if err == nil {
		t.Fatalf("提交中途失败应返回错误")
	}

	entry, err := part.Match(ctx, root)
	if err != nil || string(entry.Body) != "root-v1" {
		t.Fatalf("已有条目应恢复为旧值, got %v %v", entry, err)
	}
	if _, err := part.Match(ctx, index); !errors.Is(err, ErrNotFound) {
		t.Fatalf("失败批次中的新条目不应残留, got %v", err)
	}
	items, _ := os.ReadDir(part.(*filePartition).dir)
	for _, item := range items {
		if filepath.Ext(item.Name()) != entrySuffix {
			t.Fatalf("不应残留临时或备份文件: %s", item.Name())
		}
	}
}

// hookStore 在后端 Match 读到条目之后、返回之前执行 afterMatch。
type hookStore struct {
	Storage
	afterMatch func()
}

func (s *hookStore) Open(ctx context.Context, name string) (Partition, error) {
	p, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &hookPartition{Partition: p, store: s}, nil
}

type hookPartition struct {
	Partition
	store *hookStore
}

func (p *hookPartition) Match(ctx context.Context, key Key) (*Entry, error) {
	entry, err := p.Partition.Match(ctx, key)
	if p.store.afterMatch != nil {
		p.store.afterMatch()
	}
	return entry, err
}

func TestTieredStoreDoesNotRefillAfterConcurrentDelete(t *testing.T) {
	backend, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("init fs store: %v", err)
	}
	hooked := &hookStore{Storage: backend}
	store, err := WithRistretto(hooked, 1<<20)
	if err != nil {
		t.Fatalf("init tier: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	part, _ := store.Open(ctx, "app-v4")
	key := NewKey("GET", "https://app.test/index.html")
	if err := part.Put(ctx, key, &Entry{Body: []byte("old")}); err != nil {
		t.Fatalf("put: %v", err)
	}

	hooked.afterMatch = func() {
		hooked.afterMatch = nil
		if _, err := store.Delete(ctx, "app-v4"); err != nil {
			t.Errorf("delete: %v", err)
		}
	}
	if _, err := part.Match(ctx, key); err != nil {
		t.Fatalf("match: %v", err)
	}

	tiered := store.(*tieredStore)
	if _, ok := tiered.tier.get(part.(*tieredPartition).tierKey(key)); ok {
		t.Fatalf("分区删除后内存层不应被旧条目回填")
	}
	if _, err := part.Match(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("删除后的分区不应再命中, got %v", err)
	}
}

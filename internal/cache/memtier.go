package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dgraph-io/ristretto"
)

// hotTier 是挂在持久后端前面的进程内缓存，只保存已命中过的条目。
type hotTier interface {
	get(key string) (*Entry, bool)
	set(key string, entry *Entry)
	del(key string)
	reset()
	close() error
}

// WithRistretto 在 backend 前加一层 ristretto 内存缓存，maxCost 以字节计。
func WithRistretto(backend Storage, maxCost int64) (Storage, error) {
	if maxCost <= 0 {
		return nil, errors.New("ristretto: invalid max cost")
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return newTieredStore(backend, &ristrettoTier{c: c}), nil
}

// WithBigCache 在 backend 前加一层 bigcache 内存缓存，条目经 codec 编码后存放。
func WithBigCache(backend Storage, codec Codec, maxBytes int64) (Storage, error) {
	if codec == nil {
		codec = msgpackCodec{}
	}
	conf := bigcache.DefaultConfig(24 * time.Hour)
	conf.Shards = 64
	conf.MaxEntriesInWindow = 4096
	conf.MaxEntrySize = 4096
	if mb := int(maxBytes / (1024 * 1024)); mb > 0 {
		conf.HardMaxCacheSize = mb
	}
	conf.Verbose = false
	c, err := bigcache.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return newTieredStore(backend, &bigcacheTier{c: c, codec: codec}), nil
}

type ristrettoTier struct {
	c *ristretto.Cache
}

func (t *ristrettoTier) get(key string) (*Entry, bool) {
	v, ok := t.c.Get(key)
	if !ok {
		return nil, false
	}
	entry, _ := v.(*Entry)
	if entry == nil {
		t.c.Del(key)
		return nil, false
	}
	return entry.Clone(), true
}

func (t *ristrettoTier) set(key string, entry *Entry) {
	t.c.Set(key, entry.Clone(), entry.Size())
	t.c.Wait()
}

func (t *ristrettoTier) del(key string) {
	t.c.Del(key)
}

func (t *ristrettoTier) reset() {
	t.c.Clear()
}

func (t *ristrettoTier) close() error {
	t.c.Wait()
	t.c.Close()
	return nil
}

type bigcacheTier struct {
	c     *bigcache.BigCache
	codec Codec
}

func (t *bigcacheTier) get(key string) (*Entry, bool) {
	data, err := t.c.Get(key)
	if err != nil {
		return nil, false
	}
	rec, err := decodeRecord(t.codec, data)
	if err != nil {
		_ = t.c.Delete(key)
		return nil, false
	}
	return rec.Entry, true
}

func (t *bigcacheTier) set(key string, entry *Entry) {
	data, err := t.codec.Marshal(Record{Entry: entry})
	if err != nil {
		return
	}
	_ = t.c.Set(key, data)
}

func (t *bigcacheTier) del(key string) {
	_ = t.c.Delete(key)
}

func (t *bigcacheTier) reset() {
	_ = t.c.Reset()
}

func (t *bigcacheTier) close() error {
	return t.c.Close()
}

// tieredStore 读取时先查内存层，写入与删除时让内存层失效。
//
// 每个分区有一个 epoch，删除或写入时递增；回填内存层前会核对 epoch，
// 避免把后端已删除或已覆盖的旧条目重新放回内存层。
type tieredStore struct {
	Storage
	tier hotTier

	mu     sync.Mutex
	epochs map[string]uint64
}

func newTieredStore(backend Storage, tier hotTier) *tieredStore {
	return &tieredStore{Storage: backend, tier: tier, epochs: make(map[string]uint64)}
}

func (s *tieredStore) Open(ctx context.Context, name string) (Partition, error) {
	p, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &tieredPartition{Partition: p, store: s}, nil
}

func (s *tieredStore) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.Storage.Delete(ctx, name)
	s.mu.Lock()
	s.epochs[name]++
	s.tier.reset()
	s.mu.Unlock()
	return deleted, err
}

func (s *tieredStore) epoch(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[name]
}

// fill 仅在 epoch 未变化时回填内存层。
func (s *tieredStore) fill(name string, seen uint64, key string, entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[name] != seen {
		return
	}
	s.tier.set(key, entry)
}

func (s *tieredStore) Close() error {
	tierErr := s.tier.close()
	if err := s.Storage.Close(); err != nil {
		return err
	}
	if tierErr != nil {
		return fmt.Errorf("close memory tier: %w", tierErr)
	}
	return nil
}

type tieredPartition struct {
	Partition
	store *tieredStore
}

func (p *tieredPartition) tierKey(key Key) string {
	return p.Name() + "\x00" + key.String()
}

func (p *tieredPartition) Match(ctx context.Context, key Key) (*Entry, error) {
	tk := p.tierKey(key)
	if entry, ok := p.store.tier.get(tk); ok {
		return entry, nil
	}
	seen := p.store.epoch(p.Name())
	entry, err := p.Partition.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	p.store.fill(p.Name(), seen, tk, entry)
	return entry, nil
}

func (p *tieredPartition) Put(ctx context.Context, key Key, entry *Entry) error {
	return p.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

func (p *tieredPartition) PutAll(ctx context.Context, records []Record) error {
	err := p.Partition.PutAll(ctx, records)
	p.store.mu.Lock()
	p.store.epochs[p.Name()]++
	for _, rec := range records {
		p.store.tier.del(p.tierKey(rec.Key))
	}
	p.store.mu.Unlock()
	return err
}

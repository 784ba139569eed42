package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键布局：
//
//	p:<partition>               -> 创建时间（unix 纳秒，big-endian）
//	e:<partition>\x00<key>      -> 编码后的 Record
const (
	levelPartitionPrefix = "p:"
	levelEntryPrefix     = "e:"
)

type levelStore struct {
	db    *leveldb.DB
	codec Codec
}

// NewLevelDBStore 在 path 打开（或创建）一个 LevelDB 数据库作为分区存储。
func NewLevelDBStore(path string, codec Codec) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	if codec == nil {
		codec = msgpackCodec{}
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db, codec: codec}, nil
}

func (s *levelStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := s.db.Put(partitionMarker(name), encodeCreatedAt(time.Now()), nil); err != nil {
			return nil, fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return &levelPartition{store: s, name: name}, nil
}

func (s *levelStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	return s.db.Has(partitionMarker(name), nil)
}

func (s *levelStore) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(partitionMarker(name))

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return true, nil
}

func (s *levelStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelPartitionPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[len(levelPartitionPrefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

type levelPartition struct {
	store *levelStore
	name  string
}

func (p *levelPartition) Name() string {
	return p.name
}

func (p *levelPartition) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := p.store.db.Get(entryKey(p.name, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := decodeRecord(p.store.codec, data)
	if err != nil {
		return nil, err
	}
	return rec.Entry, nil
}

func (p *levelPartition) Put(ctx context.Context, key Key, entry *Entry) error {
	return p.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

// PutAll 使用单个 leveldb.Batch 写入，天然满足全有或全无。
func (p *levelPartition) PutAll(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	exists, err := p.store.db.Has(partitionMarker(p.name), nil)
	if err != nil {
		return err
	}
	if !exists {
		batch.Put(partitionMarker(p.name), encodeCreatedAt(time.Now()))
	}
	for _, rec := range records {
		data, err := encodeRecord(p.store.codec, rec.Key, stampEntry(rec.Entry))
		if err != nil {
			return err
		}
		batch.Put(entryKey(p.name, rec.Key), data)
	}
	return p.store.db.Write(batch, nil)
}

func (p *levelPartition) Keys(ctx context.Context) ([]Key, error) {
	it := p.store.db.NewIterator(util.BytesPrefix(entryPrefix(p.name)), nil)
	defer it.Release()

	var keys []Key
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(p.store.codec, it.Value())
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func partitionMarker(name string) []byte {
	return []byte(levelPartitionPrefix + name)
}

func entryPrefix(name string) []byte {
	return []byte(levelEntryPrefix + name + "\x00")
}

func entryKey(name string, key Key) []byte {
	return append(entryPrefix(name), key.String()...)
}

func encodeCreatedAt(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

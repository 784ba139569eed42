package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// ErrNilClient 表示未提供 Redis 客户端。
var ErrNilClient = errors.New("redis store: nil client")

// Redis 键布局：
//
//	<prefix>:partitions        SET，所有分区名
//	<prefix>:p:<partition>     HASH，字段为 Key.String()，值为编码后的 Record
type redisStore struct {
	rdb         redis.UniversalClient
	prefix      string
	codec       Codec
	closeClient bool
}

// RedisOptions 描述 Redis 后端的连接与命名空间。
type RedisOptions struct {
	Client      redis.UniversalClient
	Prefix      string
	Codec       Codec
	CloseClient bool // 仅当 store 独占该客户端时设为 true
}

// NewRedisStore 基于已有客户端构建分区存储，并用 PING 确认连通。
func NewRedisStore(ctx context.Context, opts RedisOptions) (Storage, error) {
	if opts.Client == nil {
		return nil, ErrNilClient
	}
	if opts.Prefix == "" {
		opts.Prefix = "lumicache"
	}
	if opts.Codec == nil {
		opts.Codec = msgpackCodec{}
	}
	if err := opts.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{
		rdb:         opts.Client,
		prefix:      opts.Prefix,
		codec:       opts.Codec,
		closeClient: opts.CloseClient,
	}, nil
}

func (s *redisStore) setKey() string {
	return s.prefix + ":partitions"
}

func (s *redisStore) hashKey(name string) string {
	return s.prefix + ":p:" + name
}

func (s *redisStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	if err := s.rdb.SAdd(ctx, s.setKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &redisPartition{store: s, name: name}, nil
}

func (s *redisStore) Has(ctx context.Context, name string) (bool, error) {
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	return s.rdb.SIsMember(ctx, s.setKey(), name).Result()
}

func (s *redisStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.hashKey(name))
		removed = p.SRem(ctx, s.setKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Close 仅在 store 独占客户端时关闭连接。
func (s *redisStore) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}

type redisPartition struct {
	store *redisStore
	name  string
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Match(ctx context.Context, key Key) (*Entry, error) {
	data, err := p.store.rdb.HGet(ctx, p.store.hashKey(p.name), key.String()).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(p.store.codec, data)
	if err != nil {
		return nil, err
	}
	return rec.Entry, nil
}

func (p *redisPartition) Put(ctx context.Context, key Key, entry *Entry) error {
	return p.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

// PutAll 在 MULTI/EXEC 中完成 SADD + HSET，多字段 HSET 本身也是原子的。
func (p *redisPartition) PutAll(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(records)*2)
	for _, rec := range records {
		data, err := encodeRecord(p.store.codec, rec.Key, stampEntry(rec.Entry))
		if err != nil {
			return err
		}
		values = append(values, rec.Key.String(), data)
	}
	_, err := p.store.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, p.store.setKey(), p.name)
		pipe.HSet(ctx, p.store.hashKey(p.name), values...)
		return nil
	})
	return err
}

func (p *redisPartition) Keys(ctx context.Context) ([]Key, error) {
	raw, err := p.store.rdb.HGetAll(ctx, p.store.hashKey(p.name)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(raw))
	for _, value := range raw {
		rec, err := decodeRecord(p.store.codec, []byte(value))
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

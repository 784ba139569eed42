package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 管理全部缓存分区（每个分区对应一个缓存代号）。
type Storage interface {
	// Open 打开名为 name 的分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Has 报告分区是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 整体删除分区及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回当前所有分区名（按名称排序）。
	Keys(ctx context.Context) ([]string, error)

	Close() error
}

// Partition 是单个缓存代号下的请求 → 响应映射。
type Partition interface {
	Name() string

	// Match 返回与 key 对应的条目，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put 写入或覆盖单个条目。
	Put(ctx context.Context, key Key, entry *Entry) error

	// PutAll 原子地写入一组条目：要么全部可见，要么一个都不可见。
	PutAll(ctx context.Context, records []Record) error

	// Keys 列出分区内的全部请求标识。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 是请求标识：方法 + 绝对 URL，作为不透明字符串比较。
type Key struct {
	Method string `msgpack:"method" cbor:"1,keyasint"`
	URL    string `msgpack:"url" cbor:"2,keyasint"`
}

// NewKey 规范化方法名（默认 GET）后构造 Key。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: rawURL}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 是一份已存储的响应。
type Entry struct {
	Status   int         `msgpack:"status" cbor:"1,keyasint"`
	Header   http.Header `msgpack:"header" cbor:"2,keyasint"`
	Body     []byte      `msgpack:"body" cbor:"3,keyasint"`
	StoredAt time.Time   `msgpack:"stored_at" cbor:"4,keyasint"`
}

// Clone 返回深拷贝，调用方可以自由修改 Header/Body。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     append([]byte(nil), e.Body...),
		StoredAt: e.StoredAt,
	}
}

// Size 粗略估算条目占用的字节数，供内存层计算 cost。
func (e *Entry) Size() int64 {
	if e == nil {
		return 0
	}
	size := int64(len(e.Body))
	for key, values := range e.Header {
		size += int64(len(key))
		for _, v := range values {
			size += int64(len(v))
		}
	}
	return size + 64
}

// Record 组合 Key 与 Entry，用于批量写入及后端序列化。
type Record struct {
	Key   Key    `msgpack:"key" cbor:"1,keyasint"`
	Entry *Entry `msgpack:"entry" cbor:"2,keyasint"`
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidPartition 表示分区名为空或包含后端无法表达的字符。
var ErrInvalidPartition = errors.New("invalid partition name")

func validatePartitionName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsRune(name, 0) {
		return ErrInvalidPartition
	}
	return nil
}

func stampEntry(entry *Entry) *Entry {
	if entry == nil {
		entry = &Entry{}
	}
	if entry.Status == 0 {
		entry.Status = http.StatusOK
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	return entry
}

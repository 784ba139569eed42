package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFileStore 以 basePath 为根目录构建磁盘缓存，每个分区一个子目录：
//
//	<basePath>/<escaped partition>/<sha1(key)>.entry
//
// 条目写入遵循“临时文件 + rename”，分区删除先改名再递归清理。
func NewFileStore(basePath string, codec Codec) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if codec == nil {
		codec = msgpackCodec{}
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		codec:    codec,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一文件并发写入。
type fileStore struct {
	basePath string
	codec    Codec

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.partitionDir(name)

	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, "partition")
	if err := os.Rename(dir, target); err != nil {
		os.Remove(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("cleanup partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if err := validatePartitionName(name); err != nil {
		return "", err
	}
	escaped := url.PathEscape(name)
	if escaped == "." || escaped == ".." || strings.HasPrefix(escaped, ".") {
		return "", ErrInvalidPartition
	}
	return filepath.Join(s.basePath, escaped), nil
}

func (s *fileStore) lockEntries(paths []string) func() {
	sorted := compactStrings(sortedCopy(paths))

	held := make([]*entryLock, 0, len(sorted))
	s.mu.Lock()
	for _, p := range sorted {
		lock := s.locks[p]
		if lock == nil {
			lock = &entryLock{}
			s.locks[p] = lock
		}
		lock.refs++
		held = append(held, lock)
	}
	s.mu.Unlock()

	for _, lock := range held {
		lock.mu.Lock()
	}
	return func() {
		for _, lock := range held {
			lock.mu.Unlock()
		}
		s.mu.Lock()
		for i, lock := range held {
			lock.refs--
			if lock.refs == 0 {
				delete(s.locks, sorted[i])
			}
		}
		s.mu.Unlock()
	}
}

type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := decodeRecord(p.store.codec, data)
	if err != nil {
		return nil, err
	}
	// sha1 冲突时以存储的完整 Key 为准。
	if rec.Key != key {
		return nil, ErrNotFound
	}
	return rec.Entry, nil
}

func (p *filePartition) Put(ctx context.Context, key Key, entry *Entry) error {
	return p.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

func (p *filePartition) PutAll(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	targets := make([]string, len(records))
	for i, rec := range records {
		targets[i] = p.entryPath(rec.Key)
	}
	unlock := p.store.lockEntries(targets)
	defer unlock()

	temps := make([]string, 0, len(records))
	cleanup := func() {
		for _, name := range temps {
			os.Remove(name)
		}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		data, err := encodeRecord(p.store.codec, rec.Key, stampEntry(rec.Entry))
		if err != nil {
			cleanup()
			return err
		}
		tempName, err := writeTemp(p.dir, data)
		if err != nil {
			cleanup()
			return err
		}
		temps = append(temps, tempName)
	}

	// 已有条目先硬链接到备份名，rename 失败时用备份原子地换回，
	// 读者在整个过程中始终能看到旧条目或新条目。
	backups := make(map[string]string)
	dropBackups := func() {
		for _, backup := range backups {
			os.Remove(backup)
		}
	}
	for _, target := range compactStrings(sortedCopy(targets)) {
		backup := target + backupSuffix
		os.Remove(backup)
		if err := os.Link(target, backup); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			dropBackups()
			cleanup()
			return fmt.Errorf("backup entry: %w", err)
		}
		backups[target] = backup
	}

	for i, tempName := range temps {
		if err := renameFile(tempName, targets[i]); err != nil {
			for _, done := range compactStrings(sortedCopy(targets[:i])) {
				if backup, ok := backups[done]; ok {
					os.Rename(backup, done)
					delete(backups, done)
					continue
				}
				os.Remove(done)
			}
			for _, pending := range temps[i:] {
				os.Remove(pending)
			}
			dropBackups()
			return err
		}
	}
	dropBackups()
	return nil
}

// renameFile 在测试中可替换，用于模拟提交中途失败。
var renameFile = os.Rename

const backupSuffix = ".bak"

func sortedCopy(items []string) []string {
	out := append([]string(nil), items...)
	sort.Strings(out)
	return out
}

func (p *filePartition) Keys(ctx context.Context) ([]Key, error) {
	items, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, item.Name()))
		if err != nil {
			continue
		}
		rec, err := decodeRecord(p.store.codec, data)
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (p *filePartition) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func compactStrings(sorted []string) []string {
	out := sorted[:0]
	for _, s := range sorted {
		if len(out) > 0 && out[len(out)-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}

func writeTemp(dir string, data []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

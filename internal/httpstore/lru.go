package httpstore

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entryFileHeader is the fixed-size prefix of every persistent LRU file:
// u64 timestamp_ms, then u32 key length, then the key bytes and an opaque
// value follow.
const entryFileHeader = 8 + 4

type lruValue struct {
	path  string
	key   string
	value []byte
}

// PersistentLRU is a generic LRU index backed by one self-describing file
// per entry: touching a key rewrites only its timestamp prefix, and
// eviction (by capacity or explicit removal) deletes the file. Ordering
// and capacity enforcement are delegated to an in-memory LRU so hot-path
// operations never touch the filesystem beyond the rewritten prefix.
type PersistentLRU struct {
	dir      string
	capacity int

	mu       sync.Mutex
	inner    *lru.Cache[string, lruValue]
	onEvict  func(key string, value []byte)
}

// LoadPersistentLRU scans dir for entry files, drops unreadable ones,
// trims to capacity (oldest first) if the directory holds more than
// capacity entries, and returns a ready index. onEvict, if non-nil, is
// called synchronously whenever capacity eviction or an explicit Remove
// drops an entry — used to tombstone a group index before the physical
// file disappears.
func LoadPersistentLRU(dir string, capacity int, onEvict func(key string, value []byte)) (*PersistentLRU, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("httpstore: lru capacity must be at least 1, got %d", capacity)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("httpstore: creating lru dir: %w", err)
	}
	p := &PersistentLRU{dir: dir, capacity: capacity, onEvict: onEvict}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("httpstore: reading lru dir: %w", err)
	}
	type loaded struct {
		ts  uint64
		val lruValue
	}
	var all []loaded
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil || len(data) < entryFileHeader {
			os.Remove(path)
			continue
		}
		ts := binary.LittleEndian.Uint64(data[0:8])
		keyLen := binary.LittleEndian.Uint32(data[8:12])
		if entryFileHeader+int(keyLen) > len(data) {
			os.Remove(path)
			continue
		}
		key := string(data[entryFileHeader : entryFileHeader+int(keyLen)])
		value := append([]byte(nil), data[entryFileHeader+int(keyLen):]...)
		all = append(all, loaded{ts: ts, val: lruValue{path: path, key: key, value: value}})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ts < all[j].ts })

	for len(all) > capacity {
		evicted := all[0]
		all = all[1:]
		os.Remove(evicted.val.path)
		if onEvict != nil {
			onEvict(evicted.val.key, evicted.val.value)
		}
	}

	c, err := lru.NewWithEvict(capacity, func(key string, value lruValue) {
		os.Remove(value.path)
		if p.onEvict != nil {
			p.onEvict(key, value.value)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("httpstore: constructing lru: %w", err)
	}
	p.inner = c
	for _, e := range all {
		p.inner.Add(e.val.key, e.val)
	}
	return p, nil
}

func pathFromKey(dir, key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:]))
}

func writeEntryFile(path string, tsMs uint64, key string, value []byte) error {
	buf := make([]byte, entryFileHeader+len(key)+len(value))
	binary.LittleEndian.PutUint64(buf[0:8], tsMs)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(key)))
	copy(buf[entryFileHeader:], key)
	copy(buf[entryFileHeader+len(key):], value)
	return os.WriteFile(path, buf, 0o644)
}

// Insert records key as freshly used, writing value to disk and evicting
// the least recently used entry if this push exceeds capacity.
func (p *PersistentLRU) Insert(key string, value []byte, nowMs uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := pathFromKey(p.dir, key)
	if err := writeEntryFile(path, nowMs, key, value); err != nil {
		return fmt.Errorf("httpstore: writing lru entry: %w", err)
	}
	p.inner.Add(key, lruValue{path: path, key: key, value: value})
	return nil
}

// Touch marks key as just used, rewriting only its timestamp prefix.
// Touching an absent key is a no-op reporting false.
func (p *PersistentLRU) Touch(key string, nowMs uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.inner.Get(key)
	if !ok {
		return false
	}
	f, err := os.OpenFile(v.path, os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], nowMs)
	f.WriteAt(tsBuf[:], 0)
	return true
}

// Contains reports whether key is currently indexed.
func (p *PersistentLRU) Contains(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Contains(key)
}

// Remove drops key explicitly (e.g. administrative purge), invoking
// onEvict exactly as capacity-triggered eviction would.
func (p *PersistentLRU) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.Remove(key)
}

// Len reports the number of currently indexed entries.
func (p *PersistentLRU) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Len()
}

// Keys returns every indexed key, least recently used first.
func (p *PersistentLRU) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Keys()
}

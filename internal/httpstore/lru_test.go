package httpstore

import (
	"fmt"
	"testing"
)

func TestPersistentLRUEvictsExactlyCapacityAfterCPlusNInserts(t *testing.T) {
	dir := t.TempDir()
	const capacity = 5
	const extra = 7

	lru, err := LoadPersistentLRU(dir, capacity, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := 0; i < capacity+extra; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if err := lru.Insert(key, nil, uint64(i)); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
	}
	if lru.Len() != capacity {
		t.Fatalf("expected %d entries, got %d", capacity, lru.Len())
	}
	for i := 0; i < extra; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if lru.Contains(key) {
			t.Fatalf("expected early key %s to have been evicted", key)
		}
	}
	for i := extra; i < capacity+extra; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if !lru.Contains(key) {
			t.Fatalf("expected recent key %s to still be present", key)
		}
	}
}

func TestPersistentLRUTouchPreventsEviction(t *testing.T) {
	dir := t.TempDir()
	lru, err := LoadPersistentLRU(dir, 2, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	lru.Insert("a", nil, 1)
	lru.Insert("b", nil, 2)
	lru.Touch("a", 3) // "a" is now more recently used than "b"
	lru.Insert("c", nil, 4)

	if lru.Contains("b") {
		t.Fatal("expected b to be evicted, not a")
	}
	if !lru.Contains("a") {
		t.Fatal("expected a to survive due to touch")
	}
	if !lru.Contains("c") {
		t.Fatal("expected c to be present")
	}
}

func TestPersistentLRUSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	lru1, err := LoadPersistentLRU(dir, 3, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	lru1.Insert("x", []byte("group-x"), 10)
	lru1.Insert("y", []byte("group-y"), 20)

	lru2, err := LoadPersistentLRU(dir, 3, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if lru2.Len() != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", lru2.Len())
	}
	if !lru2.Contains("x") || !lru2.Contains("y") {
		t.Fatal("expected both entries to survive reload")
	}
}

func TestPersistentLRUEvictCallbackFiresOnCapacity(t *testing.T) {
	dir := t.TempDir()
	var evictedKeys []string
	lru, err := LoadPersistentLRU(dir, 1, func(key string, value []byte) {
		evictedKeys = append(evictedKeys, key)
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	lru.Insert("first", nil, 1)
	lru.Insert("second", nil, 2)
	if len(evictedKeys) != 1 || evictedKeys[0] != "first" {
		t.Fatalf("expected eviction callback for 'first', got %v", evictedKeys)
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// walkKeys visits every key directory under a store root's two-hex shard
// fan-out, the same layout httpstore.KeyFor/shardDir produce, without
// importing httpstore's in-process locking (this tool runs offline).
func walkKeys(storeRoot string, visit func(key, dir string) error) error {
	shards, err := os.ReadDir(storeRoot)
	if err != nil {
		return fmt.Errorf("reading store root %s: %w", storeRoot, err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || shard.Name() == "lru" || shard.Name() == "groups" {
			continue
		}
		shardPath := filepath.Join(storeRoot, shard.Name())
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			return fmt.Errorf("reading shard %s: %w", shardPath, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			key := e.Name()
			dir := filepath.Join(shardPath, key)
			if err := visit(key, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

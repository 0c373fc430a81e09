package main

import (
	"fmt"
	"path/filepath"

	"github.com/equalitie/ouinet-sub002/internal/httpstore"
)

func runInspect(storeRoot, key string) error {
	if storeRoot == "" {
		return fmt.Errorf("--store is required")
	}
	dir := filepath.Join(storeRoot, key[:2], key)
	raw, err := readRawEntry(dir)
	if err != nil {
		return fmt.Errorf("reading entry %s: %w", key, err)
	}

	head, err := httpstore.DecodeHead(raw.head)
	if err != nil {
		return fmt.Errorf("head: %w", err)
	}
	trailer, err := httpstore.DecodeTrailer(raw.trailer)
	if err != nil {
		return fmt.Errorf("trailer: %w", err)
	}
	sigs, err := httpstore.DecodeSigRecords(raw.sigs)
	if err != nil {
		return fmt.Errorf("sigs: %w", err)
	}

	fmt.Printf("status: %d\n", head.Status)
	for _, f := range head.Fields {
		fmt.Printf("head: %s: %s\n", f.Name, f.Value)
	}
	for _, f := range trailer {
		fmt.Printf("trailer: %s: %s\n", f.Name, f.Value)
	}

	var start int64
	for _, sig := range sigs {
		block := raw.body[start:sig.OffsetEnd]
		digest, err := renderDigest(block)
		if err != nil {
			return fmt.Errorf("digest for block %d: %w", sig.Index, err)
		}
		fmt.Printf("block %d: bytes=%d digest=%s\n", sig.Index, len(block), digest)
		start = sig.OffsetEnd
	}
	return nil
}

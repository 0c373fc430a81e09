package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/equalitie/ouinet-sub002/internal/httpstore"
)

// rawEntry is a store entry's four files loaded directly off disk, without
// the running store's per-key lock (there is no running store here).
type rawEntry struct {
	head    []byte
	body    []byte
	sigs    []byte
	trailer []byte
}

func readRawEntry(dir string) (*rawEntry, error) {
	var e rawEntry
	var err error
	if e.head, err = os.ReadFile(filepath.Join(dir, "head")); err != nil {
		return nil, err
	}
	if e.body, err = os.ReadFile(filepath.Join(dir, "body")); err != nil {
		return nil, err
	}
	if e.sigs, err = os.ReadFile(filepath.Join(dir, "sigs")); err != nil {
		return nil, err
	}
	if e.trailer, err = os.ReadFile(filepath.Join(dir, "trailer")); err != nil {
		return nil, err
	}
	return &e, nil
}

// checkEntry reports the first integrity problem found in an entry's four
// files, or nil if it is internally consistent: the head and trailer parse,
// the sigs file divides evenly into fixed-size records, and the body's
// length matches the last record's offset.
func checkEntry(raw *rawEntry) error {
	if _, err := httpstore.DecodeHead(raw.head); err != nil {
		return fmt.Errorf("head: %w", err)
	}
	if _, err := httpstore.DecodeTrailer(raw.trailer); err != nil {
		return fmt.Errorf("trailer: %w", err)
	}
	sigs, err := httpstore.DecodeSigRecords(raw.sigs)
	if err != nil {
		return fmt.Errorf("sigs: %w", err)
	}
	var wantLen int64
	if len(sigs) > 0 {
		wantLen = sigs[len(sigs)-1].OffsetEnd
	}
	if int64(len(raw.body)) != wantLen {
		return fmt.Errorf("body length %d does not match sigs' total %d", len(raw.body), wantLen)
	}
	return nil
}

func runFsck(storeRoot string, repair bool, log *logrus.Entry) error {
	if storeRoot == "" {
		return fmt.Errorf("--store is required")
	}
	var scanned, bad int
	err := walkKeys(storeRoot, func(key, dir string) error {
		scanned++
		raw, err := readRawEntry(dir)
		if err != nil {
			bad++
			log.WithField("key", key).WithError(err).Warn("entry unreadable")
			if repair {
				os.RemoveAll(dir)
			}
			return nil
		}
		if err := checkEntry(raw); err != nil {
			bad++
			log.WithField("key", key).WithError(err).Warn("entry failed integrity check")
			if repair {
				os.RemoveAll(dir)
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d entries, %d bad", scanned, bad)
	if repair {
		fmt.Printf(" (removed)")
	}
	fmt.Println()
	return nil
}

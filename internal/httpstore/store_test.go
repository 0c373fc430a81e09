package httpstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

func testSignedResponse(t *testing.T, body []byte, blockSize int) *signedhttp.SignedResponse {
	t.Helper()
	_, priv, err := newEd25519(t)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := signedhttp.NewSigner(priv, "ed25519=test-key")
	s.BlockSize = blockSize
	head := &signedhttp.Head{Status: 200, Fields: []signedhttp.HeadField{{Name: "X-Ouinet-URI", Value: "http://example.invalid/a"}}}
	resp, err := s.Sign(head, body, fixedTime())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return resp
}

func TestCommitAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	resp := testSignedResponse(t, []byte("hello world, this is a test body"), 8)
	key := KeyFor("http://example.invalid/a")
	if err := store.Commit(key, resp.Head, resp.Blocks, resp.BlockSigs, resp.Trailer); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entry, err := store.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Head.Status != 200 {
		t.Fatalf("unexpected status %d", entry.Head.Status)
	}
	if string(entry.Body) != "hello world, this is a test body" {
		t.Fatalf("body mismatch: %q", entry.Body)
	}
	if len(entry.Sigs) != len(resp.Blocks) {
		t.Fatalf("expected %d sig records, got %d", len(resp.Blocks), len(entry.Sigs))
	}
}

func TestGetAbsentKeyReportsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.Get("deadbeef"); err == nil {
		t.Fatal("expected error for absent key")
	}
}

func TestCommitLeavesNoTraceOnInterruptedWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := KeyFor("http://example.invalid/b")

	// Simulate a crash between temp-dir creation and rename: manually
	// create the temp dir and head file, then never rename it.
	sd := shardDir(dir, key)
	if err := os.MkdirAll(sd, 0o755); err != nil {
		t.Fatalf("mkdir shard: %v", err)
	}
	tmp := filepath.Join(sd, "tmp.crashed")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		t.Fatalf("mkdir tmp: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, headFile), []byte("HTTP/1.1 200\n\n"), 0o644); err != nil {
		t.Fatalf("write head: %v", err)
	}

	if store.Exists(key) {
		t.Fatal("key must not be visible before rename")
	}
	if _, err := store.Get(key); err == nil {
		t.Fatal("expected NotFound for uncommitted entry")
	}

	// A subsequent successful commit must still work cleanly.
	resp := testSignedResponse(t, []byte("recovered body"), 65536)
	if err := store.Commit(key, resp.Head, resp.Blocks, resp.BlockSigs, resp.Trailer); err != nil {
		t.Fatalf("commit after crash: %v", err)
	}
	if !store.Exists(key) {
		t.Fatal("expected key to exist after clean commit")
	}
}

func TestSecondWriterOnSameKeyIsNoOp(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := KeyFor("http://example.invalid/c")
	resp1 := testSignedResponse(t, []byte("first"), 65536)
	resp2 := testSignedResponse(t, []byte("second, different body"), 65536)

	if err := store.Commit(key, resp1.Head, resp1.Blocks, resp1.BlockSigs, resp1.Trailer); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := store.Commit(key, resp2.Head, resp2.Blocks, resp2.BlockSigs, resp2.Trailer); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	entry, err := store.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entry.Body) != "first" {
		t.Fatalf("expected first writer to win, got %q", entry.Body)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Remove("never-existed"); err != nil {
		t.Fatalf("remove absent key: %v", err)
	}
}

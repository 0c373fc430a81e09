package announcer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/equalitie/ouinet-sub002/internal/bittorrent"
)

func testInfohash(n byte) bittorrent.NodeID {
	var id bittorrent.NodeID
	id[0] = n
	return id
}

func TestNewEntryIsAnnouncedImmediately(t *testing.T) {
	var calls int32
	done := make(chan struct{}, 1)
	announce := func(ctx context.Context, ih bittorrent.NodeID) error {
		atomic.AddInt32(&calls, 1)
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}
	a := New(announce, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Add("key1", "example.com", testInfohash(1))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected immediate announce for never-attempted entry")
	}
}

func TestSuccessfulEntryNotReannouncedBeforeCadence(t *testing.T) {
	var calls int32
	announce := func(ctx context.Context, ih bittorrent.NodeID) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	a := New(announce, 4, nil, WithNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Add("key1", "example.com", testInfohash(1))
	waitForCalls(t, &calls, 1)

	mu.Lock()
	now = now.Add(10 * time.Minute)
	mu.Unlock()
	a.notify()
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no reannounce before cadence elapses, got %d calls", calls)
	}

	mu.Lock()
	now = now.Add(15 * time.Minute) // total 25 min, past the 20 min success cadence
	mu.Unlock()
	a.notify()
	waitForCalls(t, &calls, 2)
}

func TestFailedEntryRetriedAfterShorterCadence(t *testing.T) {
	restore := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { retryBackoff = restore }()

	var calls int32
	announce := func(ctx context.Context, ih bittorrent.NodeID) error {
		atomic.AddInt32(&calls, 1)
		return fmt.Errorf("simulated failure")
	}
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	a := New(announce, 4, nil, WithNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Add("key1", "example.com", testInfohash(1))
	// One attempt plus maxRetries=3 retries on the first pass.
	waitForCallsAtLeast(t, &calls, 4)

	mu.Lock()
	now = now.Add(6 * time.Minute) // past the 5 min failure cadence
	mu.Unlock()
	a.notify()
	waitForCallsAtLeast(t, &calls, 8)
}

func TestSemaphoreBoundsConcurrentAnnounces(t *testing.T) {
	const capacity = 4
	const entries = 40
	var current int32
	var maxSeen int32
	release := make(chan struct{})
	announce := func(ctx context.Context, ih bittorrent.NodeID) error {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&current, -1)
		return nil
	}
	a := New(announce, capacity, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for i := 0; i < entries; i++ {
		a.Add(fmt.Sprintf("key-%d", i), "example.com", testInfohash(byte(i)))
	}

	time.Sleep(200 * time.Millisecond)
	close(release)
	time.Sleep(200 * time.Millisecond)

	if atomic.LoadInt32(&maxSeen) > int32(capacity) {
		t.Fatalf("expected at most %d concurrent announces, saw %d", capacity, maxSeen)
	}
}

func TestRemoveDropsEntryWithoutReannounce(t *testing.T) {
	var calls int32
	announce := func(ctx context.Context, ih bittorrent.NodeID) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	a := New(announce, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Add("key1", "example.com", testInfohash(1))
	waitForCalls(t, &calls, 1)
	a.Remove("key1")
	time.Sleep(50 * time.Millisecond)
	if a.Len() != 0 {
		t.Fatalf("expected entry to be dropped after removal, len=%d", a.Len())
	}
}

func waitForCalls(t *testing.T, calls *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(calls) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d calls, got %d", want, atomic.LoadInt32(calls))
}

func waitForCallsAtLeast(t *testing.T, calls *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(calls) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for at least %d calls, got %d", want, atomic.LoadInt32(calls))
}

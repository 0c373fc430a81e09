// Package announcer keeps a bounded set of (content-key, group) entries
// re-announced to the DHT at a cadence that backs off on failure, with
// bounded concurrency across simultaneous announce attempts.
package announcer

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/equalitie/ouinet-sub002/internal/bittorrent"
	"github.com/equalitie/ouinet-sub002/internal/metrics"
)

const (
	successCadence = 20 * time.Minute
	failureCadence = 5 * time.Minute
	maxRetries     = 3
)

var retryBackoff = []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}

// AnnounceFunc performs one DHT announce_peer for infohash, returning an
// error on failure. Swapped out in tests for a fake.
type AnnounceFunc func(ctx context.Context, infohash bittorrent.NodeID) error

// entry is one tracked (content-key, group) pair.
type entry struct {
	key      string
	group    string
	infohash bittorrent.NodeID

	lastSuccess time.Time
	lastFailure time.Time
	toRemove    bool

	running bool
}

func (e *entry) attempted() bool {
	return !e.lastSuccess.IsZero() || !e.lastFailure.IsZero()
}

// nextUpdateAfter returns how long to wait before this entry is due again,
// relative to now; zero or negative means it is due now.
func (e *entry) nextUpdateAfter(now time.Time) time.Duration {
	if !e.attempted() {
		return 0
	}
	var due time.Time
	switch {
	case !e.lastSuccess.IsZero() && !e.lastFailure.IsZero():
		bySuccess := e.lastSuccess.Add(successCadence)
		byFailure := e.lastFailure.Add(failureCadence)
		if bySuccess.Before(byFailure) {
			due = bySuccess
		} else {
			due = byFailure
		}
	case !e.lastSuccess.IsZero():
		due = e.lastSuccess.Add(successCadence)
	default:
		due = e.lastFailure.Add(failureCadence)
	}
	return due.Sub(now)
}

// Announcer runs the single scheduling loop described in the spec: a list
// of entries ordered so never-attempted ones sit at the front, a
// capacity-C semaphore bounding concurrent announce attempts, and
// insert-triggered wakeups so a freshly added entry doesn't wait out a
// long sleep computed before it existed.
type Announcer struct {
	announce AnnounceFunc
	log      *logrus.Entry

	mu      sync.Mutex
	order   *list.List // of *entry, front = next due
	byKey   map[string]*list.Element
	sem     chan struct{}
	wake    chan struct{}
	nowFunc func() time.Time
}

// Option configures an Announcer at construction time.
type Option func(*Announcer)

// WithNow overrides the clock, for deterministic cadence tests.
func WithNow(now func() time.Time) Option {
	return func(a *Announcer) { a.nowFunc = now }
}

// New constructs an Announcer with semaphore capacity C (default 16 if
// c <= 0).
func New(announce AnnounceFunc, c int, log *logrus.Entry, opts ...Option) *Announcer {
	if c <= 0 {
		c = 16
	}
	a := &Announcer{
		announce: announce,
		log:      log,
		order:    list.New(),
		byKey:    make(map[string]*list.Element),
		sem:      make(chan struct{}, c),
		wake:     make(chan struct{}, 1),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// selectHeadLocked returns the entry the loop should consider next: the
// first never-attempted entry if any exists (so fresh entries always jump
// ahead of the steady-state cadence queue), otherwise the list's front.
// Caller must hold a.mu.
func (a *Announcer) selectHeadLocked() *list.Element {
	for el := a.order.Front(); el != nil; el = el.Next() {
		if !el.Value.(*entry).attempted() {
			return el
		}
	}
	return a.order.Front()
}

func (a *Announcer) notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Add enqueues key under group for periodic re-announcement. Re-adding an
// already-tracked key is a no-op.
func (a *Announcer) Add(key, group string, infohash bittorrent.NodeID) {
	a.mu.Lock()
	if _, ok := a.byKey[key]; ok {
		a.mu.Unlock()
		return
	}
	e := &entry{key: key, group: group, infohash: infohash}
	el := a.order.PushBack(e)
	a.byKey[key] = el
	metrics.AnnounceQueueDepth.Set(float64(a.order.Len()))
	a.mu.Unlock()
	a.notify()
}

// Remove marks key for removal: the main loop will skip it and drop it
// from the list rather than racing a concurrently running announce task.
func (a *Announcer) Remove(key string) {
	a.mu.Lock()
	if el, ok := a.byKey[key]; ok {
		el.Value.(*entry).toRemove = true
	}
	a.mu.Unlock()
	a.notify()
}

// LastSuccessfulUpdate reports the last successful announce time for key,
// or the zero time if key is unknown or never succeeded.
func (a *Announcer) LastSuccessfulUpdate(key string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	el, ok := a.byKey[key]
	if !ok {
		return time.Time{}
	}
	return el.Value.(*entry).lastSuccess
}

// Len reports how many entries are currently tracked (including those
// pending removal).
func (a *Announcer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.order.Len()
}

// Run executes the single scheduling loop until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		front := a.selectHeadLocked()
		if front == nil {
			a.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
				continue
			}
		}
		e := front.Value.(*entry)
		if e.toRemove {
			a.order.Remove(front)
			delete(a.byKey, e.key)
			a.mu.Unlock()
			continue
		}
		now := a.nowFunc()
		wait := e.nextUpdateAfter(now)
		a.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-a.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
			continue
		}

		select {
		case a.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		a.mu.Lock()
		a.order.Remove(front)
		a.mu.Unlock()

		go a.runAnnounce(ctx, e)
	}
}

func (a *Announcer) runAnnounce(ctx context.Context, e *entry) {
	defer func() { <-a.sem }()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = a.announce(ctx, e.infohash)
		if err == nil {
			break
		}
		if attempt < len(retryBackoff) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBackoff[attempt]):
			}
		}
	}

	now := a.nowFunc()
	if err == nil {
		e.lastSuccess = now
		metrics.AnnounceAttempts.WithLabelValues("success").Inc()
	} else {
		e.lastFailure = now
		metrics.AnnounceAttempts.WithLabelValues("failure").Inc()
		if a.log != nil {
			a.log.WithError(err).WithField("key", e.key).Warn("announce failed after retries")
		}
	}

	a.mu.Lock()
	if e.toRemove {
		delete(a.byKey, e.key)
		a.mu.Unlock()
		metrics.AnnounceQueueDepth.Set(float64(a.order.Len()))
		return
	}
	el := a.order.PushBack(e)
	a.byKey[e.key] = el
	metrics.AnnounceQueueDepth.Set(float64(a.order.Len()))
	a.mu.Unlock()
	a.notify()
}

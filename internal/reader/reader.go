package reader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/equalitie/ouinet-sub002/internal/errkind"
	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

// MaxConcurrentPeers is P, the number of peers raced in parallel.
const MaxConcurrentPeers = 4

// pollInterval bounds how long the assembler waits for progress before
// re-checking every peer's state; it is not a protocol timeout, just the
// granularity of the wait/switch decision.
const pollInterval = 50 * time.Millisecond

var (
	// ErrNoPeers means no candidate endpoint was available to try.
	ErrNoPeers = errors.New("reader: no candidate peers")
	// ErrAllPeersFailed means every candidate was tried and none produced
	// a usable result.
	ErrAllPeersFailed = errors.New("reader: all peers failed")
)

// PeerDialer opens a connection to a candidate peer endpoint, abstracting
// over the transport; TCPDialer is the only implementation in this module.
type PeerDialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPDialer is the straightforward net.Dial-based PeerDialer.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Reader races candidate peers for a content key and streams back the
// first verified, strictly block-ordered response, transparently failing
// over to a backup peer if the current source misbehaves or disconnects.
type Reader struct {
	Dialer  PeerDialer
	Resolve signedhttp.KeyResolver
	Log     *logrus.Entry
}

// NewReader constructs a Reader with the default TCP transport.
func NewReader(resolve signedhttp.KeyResolver, log *logrus.Entry) *Reader {
	return &Reader{Dialer: TCPDialer{}, Resolve: resolve, Log: log}
}

type verifiedBlock struct {
	body []byte
	sig  []byte
	hash signedhttp.ChainHash
}

type peerState struct {
	addr string

	mu       sync.Mutex
	head     *signedhttp.Head
	headErr  error
	blocks   map[int]verifiedBlock
	trailer  []signedhttp.HeadField
	err      error
	finished bool
}

func (p *peerState) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err == nil
}

func (p *peerState) hasHead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head != nil
}

func (p *peerState) block(i int) (verifiedBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[i]
	return b, ok
}

// Fetch races up to MaxConcurrentPeers of the given candidate addresses
// for key, returning a Session over whichever one wins and keeps winning.
func (r *Reader) Fetch(ctx context.Context, key string, candidates []string) (signedhttp.Session, error) {
	if len(candidates) == 0 {
		return nil, errkind.Wrap(errkind.NotFound, ErrNoPeers)
	}
	n := len(candidates)
	if n > MaxConcurrentPeers {
		if r.Log != nil {
			r.Log.WithFields(logrus.Fields{"candidates": n, "used": MaxConcurrentPeers}).
				Debug("dropping excess peer candidates beyond race width")
		}
		n = MaxConcurrentPeers
	}

	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	peers := make([]*peerState, n)
	raceWinner := make(chan int, n)
	for i := 0; i < n; i++ {
		p := &peerState{addr: candidates[i], blocks: make(map[int]verifiedBlock)}
		peers[i] = p
		go r.runPeer(ctx, key, i, p, raceWinner, notify)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	winner := -1
	for winner < 0 {
		select {
		case w := <-raceWinner:
			winner = w
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.CancelledOrAborted, ctx.Err())
		case <-ticker.C:
			if allHeadsFailed(peers) {
				return nil, errkind.Wrap(errkind.NetworkError, ErrAllPeersFailed)
			}
		}
	}

	return &raceSession{peers: peers, winner: winner, wake: wake}, nil
}

func allHeadsFailed(peers []*peerState) bool {
	for _, p := range peers {
		p.mu.Lock()
		settled := p.head != nil || p.headErr != nil
		failed := p.headErr != nil
		p.mu.Unlock()
		if !settled || !failed {
			return false
		}
	}
	return true
}

func (r *Reader) runPeer(ctx context.Context, key string, idx int, p *peerState, raceWinner chan int, notify func()) {
	conn, err := r.Dialer.Dial(ctx, p.addr)
	if err != nil {
		p.mu.Lock()
		p.headErr = errkind.Wrap(errkind.NetworkError, err)
		p.mu.Unlock()
		notify()
		return
	}
	defer conn.Close()

	if err := writeRequest(conn, key); err != nil {
		p.mu.Lock()
		p.headErr = errkind.Wrap(errkind.NetworkError, err)
		p.mu.Unlock()
		notify()
		return
	}

	br := bufio.NewReader(conn)
	head, err := readResponseHead(br)
	if err != nil {
		p.mu.Lock()
		p.headErr = errkind.Wrap(errkind.ProtocolError, err)
		p.mu.Unlock()
		notify()
		return
	}

	sess, err := signedhttp.NewWireSession(br, head, r.Resolve)
	if err != nil {
		p.mu.Lock()
		p.headErr = err
		p.mu.Unlock()
		notify()
		return
	}

	p.mu.Lock()
	p.head = head
	p.mu.Unlock()
	select {
	case raceWinner <- idx:
	default:
	}
	notify()

	for {
		part, err := sess.Next(ctx)
		if err == io.EOF {
			p.mu.Lock()
			p.finished = true
			p.mu.Unlock()
			notify()
			return
		}
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			notify()
			return
		}
		switch part.Kind {
		case signedhttp.PartBody:
			p.mu.Lock()
			p.blocks[part.Index] = verifiedBlock{body: part.Body, sig: part.Sig, hash: part.Hash}
			p.mu.Unlock()
			notify()
		case signedhttp.PartTrailer:
			p.mu.Lock()
			p.trailer = part.Trailer
			p.mu.Unlock()
			notify()
		}
	}
}

// raceSession implements signedhttp.Session over the winning peer,
// transparently switching to a backup peer that has independently
// verified the same block when the current source fails.
type raceSession struct {
	peers   []*peerState
	winner  int
	target  int
	wake    chan struct{}
	started bool
	done    bool
}

func (s *raceSession) Next(ctx context.Context) (signedhttp.Part, error) {
	if !s.started {
		s.started = true
		w := s.peers[s.winner]
		w.mu.Lock()
		head := w.head
		w.mu.Unlock()
		return signedhttp.Part{Kind: signedhttp.PartHead, Head: head}, nil
	}
	if s.done {
		return signedhttp.Part{Kind: signedhttp.PartDone}, io.EOF
	}

	for {
		select {
		case <-ctx.Done():
			return signedhttp.Part{}, errkind.Wrap(errkind.CancelledOrAborted, ctx.Err())
		default:
		}

		w := s.peers[s.winner]
		if block, ok := w.block(s.target); ok {
			idx := s.target
			s.target++
			return signedhttp.Part{Kind: signedhttp.PartBody, Body: block.body, Index: idx, Sig: block.sig, Hash: block.hash}, nil
		}

		w.mu.Lock()
		winnerFinished := w.finished
		winnerErr := w.err
		trailer := w.trailer
		w.mu.Unlock()

		if winnerFinished {
			s.done = true
			return signedhttp.Part{Kind: signedhttp.PartTrailer, Trailer: trailer}, nil
		}

		if winnerErr != nil {
			if next, ok := s.failover(); ok {
				s.winner = next
				continue
			}
			if !s.anyViableBackup() {
				return signedhttp.Part{}, errkind.Wrap(errkind.NetworkError, fmt.Errorf("%w: %v", ErrAllPeersFailed, winnerErr))
			}
			// A backup is alive but hasn't reached this block index
			// yet; wait for it rather than failing immediately.
		}

		select {
		case <-ctx.Done():
			return signedhttp.Part{}, errkind.Wrap(errkind.CancelledOrAborted, ctx.Err())
		case <-s.wake:
		case <-time.After(pollInterval):
		}
	}
}

// failover finds another live peer that has already verified the current
// target block, reusing its independently-verified prefix.
func (s *raceSession) failover() (int, bool) {
	for i, p := range s.peers {
		if i == s.winner {
			continue
		}
		if !p.alive() || !p.hasHead() {
			continue
		}
		if _, ok := p.block(s.target); ok {
			return i, true
		}
	}
	return 0, false
}

// anyViableBackup reports whether some peer other than the current winner
// is still alive and has delivered a head, i.e. might still produce the
// current target block given more time.
func (s *raceSession) anyViableBackup() bool {
	for i, p := range s.peers {
		if i == s.winner {
			continue
		}
		if p.alive() && p.hasHead() {
			return true
		}
	}
	return false
}

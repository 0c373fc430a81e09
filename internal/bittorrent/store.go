package bittorrent

import (
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/equalitie/ouinet-sub002/internal/bittorrent/bencode"
	"github.com/equalitie/ouinet-sub002/internal/errkind"
)

// announceValidity is how long an announced swarm peer, or a stored
// BEP-44 item, is kept before it's considered stale and evicted — modeled
// on the original tracker/data store's own validity windows.
const (
	announceValidity = 2 * time.Hour
	putValidity      = 2 * time.Hour
)

type swarmPeer struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

type swarm struct {
	mu    sync.Mutex
	peers []*swarmPeer
	index map[string]int
}

func newSwarm() *swarm {
	return &swarm{index: map[string]int{}}
}

func (s *swarm) add(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addr.String()
	if i, ok := s.index[key]; ok {
		s.peers[i].lastSeen = time.Now()
		return
	}
	s.index[key] = len(s.peers)
	s.peers = append(s.peers, &swarmPeer{addr: addr, lastSeen: time.Now()})
}

// sample returns up to count peers chosen via a partial Fisher-Yates
// shuffle, so repeated calls from different queriers spread load across the
// swarm rather than always handing out the same prefix.
func (s *swarm) sample(count int) []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	n := len(s.peers)
	if count > n {
		count = n
	}
	shuffled := make([]*swarmPeer, n)
	copy(shuffled, s.peers)
	for i := 0; i < count; i++ {
		j := i + rand.Intn(n-i)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	out := make([]*net.UDPAddr, count)
	for i := 0; i < count; i++ {
		out[i] = shuffled[i].addr
	}
	return out
}

func (s *swarm) expireLocked() {
	cutoff := time.Now().Add(-announceValidity)
	live := s.peers[:0]
	s.index = map[string]int{}
	for _, p := range s.peers {
		if p.lastSeen.After(cutoff) {
			s.index[p.addr.String()] = len(live)
			live = append(live, p)
		}
	}
	s.peers = live
}

func (s *swarm) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.peers) == 0
}

type storedImmutable struct {
	v        []byte
	lastSeen time.Time
}

type storedMutable struct {
	item     MutableItem
	lastSeen time.Time
}

// MemStore is an in-memory Store implementation: a BEP-5 swarm tracker plus
// BEP-44 immutable/mutable data, each with a time-based expiry matching the
// original implementation's validity windows. It verifies every BEP-44 put
// signature before accepting the item.
type MemStore struct {
	mu        sync.Mutex
	swarms    map[NodeID]*swarm
	immutable map[NodeID]*storedImmutable
	mutable   map[NodeID]*storedMutable
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		swarms:    map[NodeID]*swarm{},
		immutable: map[NodeID]*storedImmutable{},
		mutable:   map[NodeID]*storedMutable{},
	}
}

// AnnouncePeer records peer as a member of infoHash's swarm.
func (s *MemStore) AnnouncePeer(infoHash NodeID, peer *net.UDPAddr) {
	s.mu.Lock()
	sw, ok := s.swarms[infoHash]
	if !ok {
		sw = newSwarm()
		s.swarms[infoHash] = sw
	}
	s.mu.Unlock()
	sw.add(peer)
}

// GetPeers returns up to K members of infoHash's swarm.
func (s *MemStore) GetPeers(infoHash NodeID) []*net.UDPAddr {
	s.mu.Lock()
	sw, ok := s.swarms[infoHash]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sw.sample(K)
}

// PutImmutable stores v, keyed by ImmutableTarget(v).
func (s *MemStore) PutImmutable(v []byte) (NodeID, error) {
	id := ImmutableTarget(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireImmutableLocked()
	s.immutable[id] = &storedImmutable{v: v, lastSeen: time.Now()}
	return id, nil
}

// GetImmutable returns a previously-stored immutable value.
func (s *MemStore) GetImmutable(target NodeID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireImmutableLocked()
	item, ok := s.immutable[target]
	if !ok {
		return nil, false
	}
	return item.v, true
}

func (s *MemStore) expireImmutableLocked() {
	cutoff := time.Now().Add(-putValidity)
	for id, item := range s.immutable {
		if item.lastSeen.Before(cutoff) {
			delete(s.immutable, id)
		}
	}
}

// PutMutable verifies the Ed25519 signature over (salt, seq, v) and, if the
// target already holds a strictly higher sequence number, rejects the write
// per BEP-44's compare-and-swap semantics (an equal sequence number
// overwrites the stored item) — the caller is expected to have
// already checked any "cas" argument against the previously advertised seq.
func (s *MemStore) PutMutable(k, salt []byte, seq int64, v, sig []byte) error {
	if !VerifyMutableSignature(k, salt, seq, v, sig) {
		return errkind.Wrap(errkind.SignatureInvalid, fmt.Errorf("bittorrent: mutable put signature verification failed"))
	}
	target := MutableTarget(k, salt)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireMutableLocked()
	if existing, ok := s.mutable[target]; ok && existing.item.Seq > seq {
		return errkind.Wrap(errkind.Stale, fmt.Errorf("bittorrent: stale sequence number %d < stored %d", seq, existing.item.Seq))
	}
	s.mutable[target] = &storedMutable{
		item:     MutableItem{K: k, Seq: seq, V: v, Sig: sig},
		lastSeen: time.Now(),
	}
	return nil
}

// GetMutable returns a previously-stored mutable item.
func (s *MemStore) GetMutable(target NodeID) (MutableItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireMutableLocked()
	item, ok := s.mutable[target]
	if !ok {
		return MutableItem{}, false
	}
	return item.item, true
}

func (s *MemStore) expireMutableLocked() {
	cutoff := time.Now().Add(-putValidity)
	for id, item := range s.mutable {
		if item.lastSeen.Before(cutoff) {
			delete(s.mutable, id)
		}
	}
}

// mutableSigningString builds the BEP-44 canonical byte string a mutable
// item's signature covers: salt (if present) then seq then v, each as a
// bencoded dict entry, matching MutableDataItem::sign/verify in the
// original implementation.
func mutableSigningString(salt []byte, seq int64, v []byte) []byte {
	var dict bencode.Dict
	if len(salt) > 0 {
		dict = bencode.Dict{"salt": string(salt), "seq": seq, "v": string(v)}
	} else {
		dict = bencode.Dict{"seq": seq, "v": string(v)}
	}
	enc := bencode.Encode(dict)
	// The signed string is the dict's encoding with the leading "d" and
	// trailing "e" stripped, i.e. just its sorted key:value pairs.
	return enc[1 : len(enc)-1]
}

// VerifyMutableSignature checks a BEP-44 mutable item's Ed25519 signature.
func VerifyMutableSignature(k, salt []byte, seq int64, v, sig []byte) bool {
	if len(k) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := mutableSigningString(salt, seq, v)
	return ed25519.Verify(ed25519.PublicKey(k), msg, sig)
}

// SignMutable produces a BEP-44-compliant signature for (salt, seq, v)
// under priv, for use by put callers (the multi-peer reader and the
// content publisher both need this to construct their own put queries).
func SignMutable(priv ed25519.PrivateKey, salt []byte, seq int64, v []byte) []byte {
	return ed25519.Sign(priv, mutableSigningString(salt, seq, v))
}

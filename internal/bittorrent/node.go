package bittorrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/equalitie/ouinet-sub002/internal/bittorrent/bencode"
	"github.com/equalitie/ouinet-sub002/internal/errkind"
)

// Alpha is the iterative-lookup concurrency factor.
const Alpha = 3

const queryTimeout = 5 * time.Second

// tokenRingSize bounds how many past secrets ValidateToken still accepts
// a token under, not just the immediately preceding one — a querier that
// held a token across more than one rotation (a slow get_peers-then-
// announce_peer round trip under load) still gets to use it.
const tokenRingSize = 3

type tokenSecret struct {
	secret    [20]byte
	expiresAt time.Time
}

// TokenManager issues and validates the opaque write tokens get_peers hands
// out and announce_peer/put must echo back, proving the announcer recently
// queried this node. Secrets rotate on a fixed cadence into a small ring,
// each entry carrying its own expiry, rather than a single current/previous
// pair — a token stays valid until its issuing secret ages out of the ring,
// not just across one rotation boundary.
type TokenManager struct {
	mu            sync.Mutex
	ring          []tokenSecret // front = newest
	rotatedAt     time.Time
	rotationEvery time.Duration
}

// NewTokenManager creates a token manager that rotates its secret every
// rotationEvery (BitTorrent clients commonly use 5 minutes).
func NewTokenManager(rotationEvery time.Duration) *TokenManager {
	tm := &TokenManager{rotationEvery: rotationEvery, rotatedAt: time.Now()}
	tm.ring = []tokenSecret{newTokenSecret(rotationEvery * tokenRingSize)}
	return tm
}

func newTokenSecret(validFor time.Duration) tokenSecret {
	var s tokenSecret
	if _, err := rand.Read(s.secret[:]); err != nil {
		panic(err)
	}
	s.expiresAt = time.Now().Add(validFor)
	return s
}

func (tm *TokenManager) maybeRotate() {
	now := time.Now()
	if now.Sub(tm.rotatedAt) < tm.rotationEvery {
		return
	}
	tm.ring = append([]tokenSecret{newTokenSecret(tm.rotationEvery * tokenRingSize)}, tm.ring...)
	if len(tm.ring) > tokenRingSize {
		tm.ring = tm.ring[:tokenRingSize]
	}
	live := tm.ring[:0]
	for _, s := range tm.ring {
		if s.expiresAt.After(now) {
			live = append(live, s)
		}
	}
	tm.ring = live
	tm.rotatedAt = now
}

func tokenFor(secret [20]byte, addr *net.UDPAddr, infoHash NodeID) string {
	h := sha1.New()
	h.Write(secret[:])
	h.Write(addr.IP)
	h.Write(infoHash[:])
	return string(h.Sum(nil))
}

// IssueToken returns the current token for (addr, infoHash).
func (tm *TokenManager) IssueToken(addr *net.UDPAddr, infoHash NodeID) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.maybeRotate()
	return tokenFor(tm.ring[0].secret, addr, infoHash)
}

// ValidateToken accepts a token issued under any secret still live in the
// ring.
func (tm *TokenManager) ValidateToken(addr *net.UDPAddr, infoHash NodeID, token string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.maybeRotate()
	for _, s := range tm.ring {
		if token == tokenFor(s.secret, addr, infoHash) {
			return true
		}
	}
	return false
}

// Store is the server-side storage a Node delegates get_peers,
// announce_peer, get and put queries to: a BEP-5 swarm tracker plus BEP-44
// mutable/immutable data items.
type Store interface {
	AnnouncePeer(infoHash NodeID, peer *net.UDPAddr)
	GetPeers(infoHash NodeID) []*net.UDPAddr
	PutImmutable(v []byte) (NodeID, error)
	GetImmutable(target NodeID) ([]byte, bool)
	PutMutable(k, salt []byte, seq int64, v, sig []byte) error
	GetMutable(target NodeID) (item MutableItem, ok bool)
}

// MutableItem is a stored BEP-44 mutable data record.
type MutableItem struct {
	K   []byte
	Seq int64
	V   []byte
	Sig []byte
}

type pendingQuery struct {
	resultCh chan queryResult
	timer    *time.Timer
}

type queryResult struct {
	msg *Msg
	err error
}

// Node is a BitTorrent Mainline DHT participant: a routing table, a UDP
// transaction dispatcher, and delegated storage for get_peers/announce_peer
// and BEP-44 get/put.
type Node struct {
	Self NodeID

	mux   *Multiplexer
	rt    *RoutingTable
	tok   *TokenManager
	store Store
	log   *logrus.Entry

	mu      sync.Mutex
	pending map[string]*pendingQuery
	nextTID uint32

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewNode constructs a Node bound to laddr with the given local ID and
// storage backend; it creates its own routing table and token manager.
func NewNode(self NodeID, laddr string, store Store, log *logrus.Entry) (*Node, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	mux, err := NewMultiplexer(laddr, log)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigError, fmt.Errorf("bittorrent: bind DHT socket: %w", err))
	}
	n := &Node{
		Self:    self,
		mux:     mux,
		rt:      NewRoutingTable(self),
		tok:     NewTokenManager(5 * time.Minute),
		store:   store,
		log:     log,
		pending: make(map[string]*pendingQuery),
		closeCh: make(chan struct{}),
	}
	n.rt.Ping = n.pingSync
	return n, nil
}

// RoutingTable exposes the node's table for diagnostics and tests.
func (n *Node) RoutingTable() *RoutingTable { return n.rt }

// SetPacketTrace attaches a zap logger that records every inbound and
// outbound KRPC datagram, for the debug-only per-packet tracing path; nil
// disables it (the default).
func (n *Node) SetPacketTrace(trace *zap.Logger) { n.mux.SetTrace(trace) }

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() *net.UDPAddr { return n.mux.LocalAddr() }

// Start begins the receive loop.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.readLoop()
}

// Close shuts the node down, failing every outstanding query.
func (n *Node) Close() error {
	close(n.closeCh)
	err := n.mux.Close()
	n.wg.Wait()

	n.mu.Lock()
	for tid, p := range n.pending {
		p.timer.Stop()
		p.resultCh <- queryResult{err: ErrNodeClosed}
		delete(n.pending, tid)
	}
	n.mu.Unlock()
	return err
}

// ErrNodeClosed is returned to any query still outstanding when Close runs.
var ErrNodeClosed = errkind.Wrap(errkind.CancelledOrAborted, fmt.Errorf("bittorrent: node closed"))

func (n *Node) readLoop() {
	defer n.wg.Done()
	for {
		in, err := n.mux.Recv()
		if err != nil {
			select {
			case <-n.closeCh:
			default:
				n.log.WithError(err).Warn("DHT socket read failed")
			}
			return
		}
		switch in.Msg.Y {
		case "q":
			go n.handleQuery(in)
		case "r", "e":
			n.handleResponse(in)
		}
	}
}

func (n *Node) nextTransactionID() string {
	id := n.nextTIDAtomic()
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	i := 0
	for i < 3 && buf[i] == 0 {
		i++
	}
	return string(buf[i:])
}

func (n *Node) nextTIDAtomic() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextTID++
	return n.nextTID
}

func pendingKey(addr *net.UDPAddr, tid string) string {
	return addr.String() + "|" + tid
}

// query sends a KRPC query to addr and blocks for its response (or a
// timeout), correlating by (address, transaction ID).
func (n *Node) query(ctx context.Context, addr *net.UDPAddr, q string, args QueryArgs) (*Return, error) {
	args.ID = n.Self
	tid := n.nextTransactionID()
	msg := Msg{T: tid, Y: "q", Q: q, A: &args}

	key := pendingKey(addr, tid)
	resultCh := make(chan queryResult, 1)
	timer := time.AfterFunc(queryTimeout, func() {
		n.mu.Lock()
		p, ok := n.pending[key]
		if ok {
			delete(n.pending, key)
		}
		n.mu.Unlock()
		if ok {
			p.resultCh <- queryResult{err: ErrQueryTimeout}
		}
	})

	n.mu.Lock()
	n.pending[key] = &pendingQuery{resultCh: resultCh, timer: timer}
	n.mu.Unlock()

	if err := n.mux.Send(addr, msg); err != nil {
		n.mu.Lock()
		delete(n.pending, key)
		n.mu.Unlock()
		timer.Stop()
		return nil, errkind.Wrap(errkind.NetworkError, fmt.Errorf("bittorrent: send query: %w", err))
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.E != nil {
			return nil, res.msg.E
		}
		if res.msg.R == nil {
			return nil, errkind.Wrap(errkind.ProtocolError, fmt.Errorf("bittorrent: response missing both r and e"))
		}
		n.rt.TryAddNode(res.msg.R.ID, addr, true)
		return res.msg.R, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pending, key)
		n.mu.Unlock()
		timer.Stop()
		return nil, errkind.Wrap(errkind.CancelledOrAborted, ctx.Err())
	case <-n.closeCh:
		return nil, ErrNodeClosed
	}
}

// ErrQueryTimeout is returned when a query's response never arrives.
var ErrQueryTimeout = errkind.Wrap(errkind.Timeout, fmt.Errorf("bittorrent: query timed out"))

func (n *Node) handleResponse(in *Inbound) {
	key := pendingKey(in.From, in.Msg.T)
	n.mu.Lock()
	p, ok := n.pending[key]
	if ok {
		delete(n.pending, key)
	}
	n.mu.Unlock()
	if !ok {
		return // unsolicited or already-timed-out reply; BEP-5 says ignore it
	}
	p.timer.Stop()
	msg := in.Msg
	p.resultCh <- queryResult{msg: &msg}
}

func (n *Node) pingSync(c NodeContact) bool {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	_, err := n.query(ctx, c.Addr, "ping", QueryArgs{})
	return err == nil
}

// Ping sends a ping query and returns the remote node's ID.
func (n *Node) Ping(ctx context.Context, addr *net.UDPAddr) (NodeID, error) {
	ret, err := n.query(ctx, addr, "ping", QueryArgs{})
	if err != nil {
		return NodeID{}, err
	}
	return ret.ID, nil
}

// FindNode sends a find_node query and returns the peer's claimed closest
// contacts to target.
func (n *Node) FindNode(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]NodeContact, error) {
	ret, err := n.query(ctx, addr, "find_node", QueryArgs{Target: target})
	if err != nil {
		return nil, err
	}
	return DecodeCompactNodes(ret.Nodes)
}

// GetPeersResult is the response to a get_peers query: either a set of
// peers for the swarm, or (if the remote has none) closer nodes to try.
type GetPeersResult struct {
	Token string
	Peers []*net.UDPAddr
	Nodes []NodeContact
}

// GetPeers sends a get_peers query for infoHash.
func (n *Node) GetPeers(ctx context.Context, addr *net.UDPAddr, infoHash NodeID) (*GetPeersResult, error) {
	ret, err := n.query(ctx, addr, "get_peers", QueryArgs{InfoHash: infoHash})
	if err != nil {
		return nil, err
	}
	out := &GetPeersResult{Token: ret.Token}
	for _, v := range ret.Values {
		peer, err := DecodeCompactPeer(v)
		if err != nil {
			continue
		}
		out.Peers = append(out.Peers, peer)
	}
	if len(ret.Nodes) > 0 {
		out.Nodes, _ = DecodeCompactNodes(ret.Nodes)
	}
	return out, nil
}

// AnnouncePeer sends an announce_peer query using a token obtained from a
// prior GetPeers call to the same node.
func (n *Node) AnnouncePeer(ctx context.Context, addr *net.UDPAddr, infoHash NodeID, port int, token string) error {
	_, err := n.query(ctx, addr, "announce_peer", QueryArgs{InfoHash: infoHash, Port: port, Token: token})
	return err
}

// Get sends a BEP-44 get query for target (the SHA-1 of an immutable value,
// or of a public key+salt for a mutable one).
func (n *Node) Get(ctx context.Context, addr *net.UDPAddr, target NodeID) (*Return, error) {
	return n.query(ctx, addr, "get", QueryArgs{Target: target})
}

// PutImmutable sends a BEP-44 put for an immutable value, using a token
// obtained from a prior Get to the same node.
func (n *Node) PutImmutable(ctx context.Context, addr *net.UDPAddr, v []byte, token string) error {
	_, err := n.query(ctx, addr, "put", QueryArgs{V: v, Token: token})
	return err
}

// PutMutable sends a BEP-44 put for a mutable value.
func (n *Node) PutMutable(ctx context.Context, addr *net.UDPAddr, k, sig []byte, seq int64, v []byte, salt []byte, token string) error {
	_, err := n.query(ctx, addr, "put", QueryArgs{K: k, Sig: sig, Seq: &seq, V: v, Salt: salt, Token: token})
	return err
}

func (n *Node) handleQuery(in *Inbound) {
	if in.Msg.A == nil {
		return
	}
	n.rt.TryAddNode(in.Msg.A.ID, in.From, false)

	var resp Msg
	resp.T = in.Msg.T
	resp.Y = "r"

	switch in.Msg.Q {
	case "ping":
		resp.R = &Return{ID: n.Self}
	case "find_node":
		contacts := n.rt.FindClosest(in.Msg.A.Target, K)
		resp.R = &Return{ID: n.Self, Nodes: EncodeCompactNodes(contacts)}
	case "get_peers":
		resp.R = n.handleGetPeers(in)
	case "announce_peer":
		if err := n.handleAnnouncePeer(in); err != nil {
			n.sendError(in, ErrCodeProtocol, err.Error())
			return
		}
		resp.R = &Return{ID: n.Self}
	case "get":
		resp.R = n.handleGet(in)
	case "put":
		if err := n.handlePut(in); err != nil {
			n.sendError(in, ErrCodeProtocol, err.Error())
			return
		}
		resp.R = &Return{ID: n.Self}
	default:
		n.sendError(in, ErrCodeMethodUnknown, "unknown query method: "+in.Msg.Q)
		return
	}

	if err := n.mux.Send(in.From, resp); err != nil {
		n.log.WithError(err).Debug("failed to send KRPC response")
	}
}

func (n *Node) sendError(in *Inbound, code int, message string) {
	resp := Msg{T: in.Msg.T, Y: "e", E: &KRPCError{Code: code, Message: message}}
	_ = n.mux.Send(in.From, resp)
}

func (n *Node) handleGetPeers(in *Inbound) *Return {
	token := n.tok.IssueToken(in.From, in.Msg.A.InfoHash)
	if n.store != nil {
		if peers := n.store.GetPeers(in.Msg.A.InfoHash); len(peers) > 0 {
			values := make([]string, 0, len(peers))
			for _, p := range peers {
				if c, err := EncodeCompactPeer(p); err == nil {
					values = append(values, c)
				}
			}
			return &Return{ID: n.Self, Token: token, Values: values}
		}
	}
	contacts := n.rt.FindClosest(in.Msg.A.InfoHash, K)
	return &Return{ID: n.Self, Token: token, Nodes: EncodeCompactNodes(contacts)}
}

func (n *Node) handleAnnouncePeer(in *Inbound) error {
	if !n.tok.ValidateToken(in.From, in.Msg.A.InfoHash, in.Msg.A.Token) {
		return errkind.Wrap(errkind.ProtocolError, fmt.Errorf("invalid or stale token"))
	}
	port := in.Msg.A.Port
	if in.Msg.A.ImpliedPort != 0 {
		port = in.From.Port
	}
	if n.store != nil {
		n.store.AnnouncePeer(in.Msg.A.InfoHash, &net.UDPAddr{IP: in.From.IP, Port: port})
	}
	return nil
}

func (n *Node) handleGet(in *Inbound) *Return {
	target := in.Msg.A.Target
	ret := &Return{ID: n.Self, Token: n.tok.IssueToken(in.From, target)}
	if n.store == nil {
		return ret
	}
	if item, ok := n.store.GetMutable(target); ok {
		ret.K, ret.Sig, ret.V = item.K, item.Sig, item.V
		seq := item.Seq
		ret.Seq = &seq
		return ret
	}
	if v, ok := n.store.GetImmutable(target); ok {
		ret.V = v
		return ret
	}
	contacts := n.rt.FindClosest(target, K)
	ret.Nodes = EncodeCompactNodes(contacts)
	return ret
}

func (n *Node) handlePut(in *Inbound) error {
	a := in.Msg.A
	target := ImmutableTarget(a.V)
	if len(a.K) > 0 {
		target = MutableTarget(a.K, a.Salt)
	}
	if !n.tok.ValidateToken(in.From, target, a.Token) {
		return errkind.Wrap(errkind.ProtocolError, fmt.Errorf("invalid or stale token"))
	}
	if n.store == nil {
		return nil
	}
	if len(a.K) > 0 {
		seq := int64(0)
		if a.Seq != nil {
			seq = *a.Seq
		}
		return n.store.PutMutable(a.K, a.Salt, seq, a.V, a.Sig)
	}
	_, err := n.store.PutImmutable(a.V)
	return err
}

// ImmutableTarget is the BEP-44 target ID of an immutable value: the SHA-1
// of its bencoded form.
func ImmutableTarget(v []byte) NodeID {
	sum := sha1.Sum(bencode.Encode(string(v)))
	return NodeID(sum)
}

// MutableTarget is the BEP-44 target ID of a mutable item: the SHA-1 of its
// public key concatenated with its (optional) salt.
func MutableTarget(k, salt []byte) NodeID {
	h := sha1.New()
	h.Write(k)
	h.Write(salt)
	var id NodeID
	copy(id[:], h.Sum(nil))
	return id
}


package bittorrent

import (
	"math/big"
	"net"
	"sort"
	"sync"
	"time"
)

// K is the maximum number of verified contacts a bucket holds.
const K = 8

// MaxReplacements bounds each bucket's candidate/replacement cache so a
// churny neighborhood can't grow it without limit.
const MaxReplacements = K

// NodeContact is (NodeID, UDP endpoint); it only exists inside the routing
// table.
type NodeContact struct {
	ID       NodeID
	Addr     *net.UDPAddr
	lastSeen time.Time
	verified bool
}

// bucket covers the ID range [stencil, stencil | ~mask-bits], i.e. every ID
// whose top `prefixBits` bits equal stencil's.
type bucket struct {
	stencil      NodeID
	prefixBits   int
	verified     []*NodeContact
	replacements []*NodeContact
}

func (b *bucket) covers(id NodeID) bool {
	return id.CommonPrefixLen(b.stencil) >= b.prefixBits
}

func (b *bucket) find(id NodeID) *NodeContact {
	for _, c := range b.verified {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// RoutingTable is a Kademlia routing table: an ordered sequence of buckets
// partitioning the 160-bit ID space, holding up to K verified contacts each,
// plus a small replacement cache per bucket.
type RoutingTable struct {
	mu      sync.Mutex
	self    NodeID
	buckets []*bucket

	// Ping is invoked to probe the least-recently-seen verified contact in
	// a full bucket when a new candidate wants to replace it. It must
	// return promptly; a nil Ping treats every probe as a failure (so the
	// candidate is accepted), which is convenient for tests of pure
	// insertion logic.
	Ping func(NodeContact) (ok bool)
}

// NewRoutingTable creates a table with a single bucket spanning the whole
// ID space, owned by local node self.
func NewRoutingTable(self NodeID) *RoutingTable {
	return &RoutingTable{
		self:    self,
		buckets: []*bucket{{stencil: ZeroNodeID, prefixBits: 0}},
	}
}

func (t *RoutingTable) bucketFor(id NodeID) (int, *bucket) {
	for i, b := range t.buckets {
		if b.covers(id) {
			return i, b
		}
	}
	panic("bittorrent: no bucket covers id; buckets do not partition the space")
}

// TryAddNode locates the bucket covering id, refreshes it if already
// present, inserts it if there's room, splits the bucket if it holds the
// local ID, is full, and id falls on the local ID's side of the split, and
// otherwise probes the bucket's least-recently-seen entry for eviction.
func (t *RoutingTable) TryAddNode(id NodeID, addr *net.UDPAddr, verified bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tryAddLocked(id, addr, verified)
}

func (t *RoutingTable) tryAddLocked(id NodeID, addr *net.UDPAddr, verified bool) {
	if id == t.self {
		return
	}
	_, b := t.bucketFor(id)

	if existing := b.find(id); existing != nil {
		existing.lastSeen = time.Now()
		existing.Addr = addr
		if verified {
			existing.verified = true
		}
		return
	}

	if len(b.verified) < K {
		if !verified {
			b.replacements = appendReplacement(b.replacements, &NodeContact{ID: id, Addr: addr, lastSeen: time.Now()})
			return
		}
		b.verified = append(b.verified, &NodeContact{ID: id, Addr: addr, lastSeen: time.Now(), verified: true})
		return
	}

	if b.covers(t.self) && id.Bit(b.prefixBits) == t.self.Bit(b.prefixBits) {
		t.splitLocked(b)
		t.tryAddLocked(id, addr, verified)
		return
	}

	if !verified {
		b.replacements = appendReplacement(b.replacements, &NodeContact{ID: id, Addr: addr, lastSeen: time.Now()})
		t.probeForEvictionLocked(b)
		return
	}
	// A verified contact arriving for a full, non-local, non-splittable
	// bucket still only replaces through the ping-eviction path so we
	// never silently drop a bucket below K without giving the incumbent a
	// chance to prove liveness.
	b.replacements = appendReplacement(b.replacements, &NodeContact{ID: id, Addr: addr, lastSeen: time.Now(), verified: true})
	t.probeForEvictionLocked(b)
}

func appendReplacement(list []*NodeContact, c *NodeContact) []*NodeContact {
	for i, e := range list {
		if e.ID == c.ID {
			list[i] = c
			return list
		}
	}
	list = append(list, c)
	if len(list) > MaxReplacements {
		list = list[len(list)-MaxReplacements:]
	}
	return list
}

// probeForEvictionLocked pings the least-recently-seen verified entry of a
// full bucket; on failure it is replaced by the newest replacement
// candidate, on success the bucket is unchanged and the candidate stays in
// the replacement cache.
func (t *RoutingTable) probeForEvictionLocked(b *bucket) {
	if len(b.verified) == 0 || len(b.replacements) == 0 {
		return
	}
	oldest := b.verified[0]
	for _, c := range b.verified[1:] {
		if c.lastSeen.Before(oldest.lastSeen) {
			oldest = c
		}
	}
	ping := t.Ping
	ok := ping != nil && ping(*oldest)
	if ok {
		return
	}
	candidate := b.replacements[len(b.replacements)-1]
	b.replacements = b.replacements[:len(b.replacements)-1]
	for i, c := range b.verified {
		if c.ID == oldest.ID {
			b.verified[i] = candidate
			return
		}
	}
}

// splitLocked splits b, which must contain the local ID, into two buckets
// along the next bit, redistributing its contacts.
func (t *RoutingTable) splitLocked(b *bucket) {
	idx := -1
	for i, c := range t.buckets {
		if c == b {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	zero := &bucket{stencil: b.stencil.SetBit(b.prefixBits, false), prefixBits: b.prefixBits + 1}
	one := &bucket{stencil: b.stencil.SetBit(b.prefixBits, true), prefixBits: b.prefixBits + 1}

	for _, c := range b.verified {
		if c.ID.Bit(b.prefixBits) {
			one.verified = append(one.verified, c)
		} else {
			zero.verified = append(zero.verified, c)
		}
	}
	for _, c := range b.replacements {
		if c.ID.Bit(b.prefixBits) {
			one.replacements = appendReplacement(one.replacements, c)
		} else {
			zero.replacements = appendReplacement(zero.replacements, c)
		}
	}

	t.buckets = append(t.buckets[:idx], append([]*bucket{zero, one}, t.buckets[idx+1:]...)...)
}

// FindClosest returns up to n verified contacts closest to target by XOR
// distance, sorted closest-first. Pure and deterministic given the table's
// current state.
func (t *RoutingTable) FindClosest(target NodeID, n int) []NodeContact {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]NodeContact, 0, K*len(t.buckets))
	for _, b := range t.buckets {
		for _, c := range b.verified {
			all = append(all, *c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.CloserTo(target, all[j].ID)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// BucketCount reports the current number of buckets, used by the routing
// table tests.
func (t *RoutingTable) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// BucketSizes reports the verified-entry count of each bucket in order,
// used by the routing table tests.
func (t *RoutingTable) BucketSizes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.buckets))
	for i, b := range t.buckets {
		out[i] = len(b.verified)
	}
	return out
}

// PartitionsSpace verifies the invariant that every bucket's range is
// disjoint from every other's and together they cover the full space. Not
// needed by production code (a correctly implemented table cannot violate
// it), but exported so tests can assert it against live state instead of
// re-deriving the logic.
func (t *RoutingTable) PartitionsSpace() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Every two distinct buckets must disagree within the shorter of their
	// two prefix lengths, i.e. neither's range contains the other's stencil;
	// and the range sizes 2^(160-prefixBits) must add up to 2^160.
	total := new(big.Int)
	for i := 0; i < len(t.buckets); i++ {
		total.Add(total, new(big.Int).Lsh(big.NewInt(1), uint(160-t.buckets[i].prefixBits)))
		for j := i + 1; j < len(t.buckets); j++ {
			a, b := t.buckets[i], t.buckets[j]
			m := a.prefixBits
			if b.prefixBits < m {
				m = b.prefixBits
			}
			if a.stencil.CommonPrefixLen(b.stencil) >= m {
				return false
			}
		}
	}
	return total.Cmp(new(big.Int).Lsh(big.NewInt(1), 160)) == 0
}

// RandomTargetForRefresh returns a random ID inside the bucket holding id,
// used to refresh a bucket via find_node(random_id) during bootstrap.
func (t *RoutingTable) RandomTargetForRefresh(id NodeID) NodeID {
	t.mu.Lock()
	_, b := t.bucketFor(id)
	stencil, prefixBits := b.stencil, b.prefixBits
	t.mu.Unlock()
	return RandomNodeIDWithPrefix(stencil, prefixBits)
}

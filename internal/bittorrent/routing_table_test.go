package bittorrent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, i int) *net.UDPAddr {
	t.Helper()
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, byte(i%256)), Port: 6881 + i}
}

// idWithPrefixBit0 returns a random ID whose top bit equals bit.
func idWithPrefixBit0(bit bool) NodeID {
	id := RandomNodeID()
	return id.SetBit(0, bit)
}

func TestRoutingTableNoSplitWhenFarFromLocal(t *testing.T) {
	// self has top bit 0; every inserted contact has top bit 1. The single
	// initial bucket contains self, but the (K+1)th contact would land on
	// the far side of a split, so the table must not split: K+1 contacts
	// starting with the same bit as each other (but not as self) leave
	// exactly one bucket of size K.
	self := NodeID{}
	self = self.SetBit(0, false)
	rt := NewRoutingTable(self)

	for i := 0; i < K+1; i++ {
		id := idWithPrefixBit0(true)
		rt.TryAddNode(id, mustAddr(t, i), true)
	}

	require.Equal(t, 1, rt.BucketCount())
	sizes := rt.BucketSizes()
	require.Equal(t, K, sizes[0])
}

func TestRoutingTableSplitsWhenBucketContainsLocal(t *testing.T) {
	// Every contact, including the (K+1)th, shares self's top bit, so it
	// lands in the single bucket that also contains self (prefixBits=0
	// covers everything) and on self's side of a split: adding K+1
	// verified contacts must split it into at least two buckets.
	self := RandomNodeID()
	rt := NewRoutingTable(self)

	for i := 0; i < K+1; i++ {
		id := RandomNodeID().SetBit(0, self.Bit(0))
		rt.TryAddNode(id, mustAddr(t, i), true)
	}

	require.GreaterOrEqual(t, rt.BucketCount(), 2)
	total := 0
	for _, s := range rt.BucketSizes() {
		total += s
	}
	require.LessOrEqual(t, total, K+1)
	require.True(t, rt.PartitionsSpace())
}

func TestRoutingTableUnverifiedContactGoesToReplacements(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self)
	id := RandomNodeID()
	rt.TryAddNode(id, mustAddr(t, 0), false)
	require.Equal(t, 0, rt.BucketSizes()[0])
}

func TestRoutingTableRefreshesExistingContact(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self)
	id := RandomNodeID()
	rt.TryAddNode(id, mustAddr(t, 0), true)
	rt.TryAddNode(id, mustAddr(t, 1), true)
	require.Equal(t, 1, rt.BucketSizes()[0])
}

func TestRoutingTableEvictsDeadContactOnPingFailure(t *testing.T) {
	self := NodeID{}
	self = self.SetBit(0, false)
	rt := NewRoutingTable(self)
	rt.Ping = func(NodeContact) bool { return false }

	var first NodeID
	for i := 0; i < K; i++ {
		id := idWithPrefixBit0(true)
		if i == 0 {
			first = id
		}
		rt.TryAddNode(id, mustAddr(t, i), true)
	}
	newcomer := idWithPrefixBit0(true)
	rt.TryAddNode(newcomer, mustAddr(t, K), true)

	found := false
	for _, c := range rt.FindClosest(newcomer, K) {
		if c.ID == newcomer {
			found = true
		}
		require.NotEqual(t, first, c.ID)
	}
	require.True(t, found)
}

func TestRoutingTableKeepsLiveContactOnPingSuccess(t *testing.T) {
	self := NodeID{}
	self = self.SetBit(0, false)
	rt := NewRoutingTable(self)
	rt.Ping = func(NodeContact) bool { return true }

	ids := make([]NodeID, 0, K)
	for i := 0; i < K; i++ {
		id := idWithPrefixBit0(true)
		ids = append(ids, id)
		rt.TryAddNode(id, mustAddr(t, i), true)
	}
	newcomer := idWithPrefixBit0(true)
	rt.TryAddNode(newcomer, mustAddr(t, K), true)

	for _, c := range rt.FindClosest(newcomer, K+1) {
		require.NotEqual(t, newcomer, c.ID)
	}
	require.Equal(t, K, rt.BucketSizes()[0])
}

func TestRoutingTableFindClosestSortedByXorDistance(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self)
	target := RandomNodeID()

	for i := 0; i < 5; i++ {
		rt.TryAddNode(RandomNodeID(), mustAddr(t, i), true)
	}
	got := rt.FindClosest(target, 5)
	for i := 1; i < len(got); i++ {
		require.True(t, got[i-1].ID.CloserTo(target, got[i].ID) || got[i-1].ID == got[i].ID)
	}
}

func TestRoutingTableFindClosestRespectsLimit(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self)
	for i := 0; i < 20; i++ {
		rt.TryAddNode(RandomNodeID(), mustAddr(t, i), true)
	}
	got := rt.FindClosest(RandomNodeID(), 3)
	require.LessOrEqual(t, len(got), 3)
}

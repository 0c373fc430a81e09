package bittorrent

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/equalitie/ouinet-sub002/internal/metrics"
)

// Bootstrap seeds the routing table from a list of well-known addresses and
// then runs an iterative find_node for the local ID to populate nearby
// buckets, the standard way a freshly started node joins the DHT.
func (n *Node) Bootstrap(ctx context.Context, seeds []*net.UDPAddr) error {
	for _, addr := range seeds {
		id, err := n.Ping(ctx, addr)
		if err != nil {
			n.log.WithError(err).WithField("addr", addr).Debug("bootstrap seed unreachable")
			continue
		}
		n.rt.TryAddNode(id, addr, true)
	}
	_, err := n.IterativeFindNode(ctx, n.Self)
	return err
}

type candidate struct {
	contact NodeContact
	queried bool
}

// IterativeFindNode implements the standard Kademlia iterative lookup: at
// each round it queries up to Alpha of the closest not-yet-queried
// candidates in parallel and merges their replies into the candidate set,
// continuing until every candidate seen has been queried (at most 64
// rounds). It returns the K closest candidates seen.
func (n *Node) IterativeFindNode(ctx context.Context, target NodeID) ([]NodeContact, error) {
	metrics.DHTLookups.WithLabelValues("find_node").Inc()
	return n.iterativeLookup(ctx, target, func(ctx context.Context, addr *net.UDPAddr) ([]NodeContact, error) {
		return n.FindNode(ctx, addr, target)
	})
}

// IterativeGetPeers runs the same iterative lookup as IterativeFindNode
// with get_peers queries, collecting the swarm peers every responder
// returns; finding peers does not end the lookup early.
func (n *Node) IterativeGetPeers(ctx context.Context, infoHash NodeID) ([]*net.UDPAddr, []NodeContact, error) {
	metrics.DHTLookups.WithLabelValues("get_peers").Inc()
	var peers []*net.UDPAddr
	var peersMu sync.Mutex

	contacts, err := n.iterativeLookup(ctx, infoHash, func(ctx context.Context, addr *net.UDPAddr) ([]NodeContact, error) {
		res, err := n.GetPeers(ctx, addr, infoHash)
		if err != nil {
			return nil, err
		}
		if len(res.Peers) > 0 {
			peersMu.Lock()
			peers = append(peers, res.Peers...)
			peersMu.Unlock()
		}
		return res.Nodes, nil
	})
	return peers, contacts, err
}

func (n *Node) iterativeLookup(ctx context.Context, target NodeID, ask func(context.Context, *net.UDPAddr) ([]NodeContact, error)) ([]NodeContact, error) {
	seen := map[NodeID]*candidate{}
	var order []NodeID

	addCandidate := func(c NodeContact) {
		if c.ID == n.Self {
			return
		}
		if _, ok := seen[c.ID]; ok {
			return
		}
		seen[c.ID] = &candidate{contact: c}
		order = append(order, c.ID)
	}
	for _, c := range n.rt.FindClosest(target, K) {
		addCandidate(c)
	}

	closestSeenDistance := func() NodeID {
		best := NodeID{}
		first := true
		for _, id := range order {
			if first || id.CloserTo(target, best) {
				best, first = id, false
			}
		}
		return best
	}

	for round := 0; round < 64; round++ { // hard cap guards against a pathological peer set
		best := closestSeenDistance()

		sort.Slice(order, func(i, j int) bool { return order[i].CloserTo(target, order[j]) })
		batch := make([]NodeID, 0, Alpha)
		for _, id := range order {
			c := seen[id]
			if !c.queried {
				c.queried = true
				batch = append(batch, id)
				if len(batch) == Alpha {
					break
				}
			}
		}
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		progressed := false
		for _, id := range batch {
			addr := seen[id].contact.Addr
			wg.Add(1)
			go func(addr *net.UDPAddr) {
				defer wg.Done()
				got, err := ask(ctx, addr)
				if err != nil {
					return
				}
				mu.Lock()
				for _, c := range got {
					if _, ok := seen[c.ID]; !ok {
						addCandidate(c)
						if c.ID.CloserTo(target, best) {
							progressed = true
						}
					}
				}
				mu.Unlock()
			}(addr)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return n.sortedCandidates(order, seen, target), ctx.Err()
		default:
		}
		if !progressed && allQueried(seen, order) {
			break
		}
	}
	return n.sortedCandidates(order, seen, target), nil
}

func allQueried(seen map[NodeID]*candidate, order []NodeID) bool {
	for _, id := range order {
		if !seen[id].queried {
			return false
		}
	}
	return true
}

func (n *Node) sortedCandidates(order []NodeID, seen map[NodeID]*candidate, target NodeID) []NodeContact {
	out := make([]NodeContact, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id].contact)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID.CloserTo(target, out[j-1].ID); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > K {
		out = out[:K]
	}
	return out
}

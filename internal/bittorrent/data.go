package bittorrent

import (
	"context"
	"crypto/ed25519"
	"net"
	"sync"

	"github.com/equalitie/ouinet-sub002/internal/metrics"
)

// dataFanout mirrors announceFanout: BEP-44 puts go out to the K closest
// contacts found by the lookup, not just the single closest, so a mutable
// item survives any one of them churning out of the swarm.
const dataFanout = 8

// IterativeGetMutable runs an iterative lookup toward (k, salt)'s BEP-44
// target, querying each candidate with get and keeping the highest
// sequence-numbered item whose signature verifies. It returns ok=false if
// no queried node held a valid item, distinct from a transport error.
func (n *Node) IterativeGetMutable(ctx context.Context, k, salt []byte) (MutableItem, bool, error) {
	metrics.DHTLookups.WithLabelValues("get_mutable").Inc()
	target := MutableTarget(k, salt)

	var best MutableItem
	var haveBest bool
	var mu sync.Mutex

	_, err := n.iterativeLookup(ctx, target, func(ctx context.Context, addr *net.UDPAddr) ([]NodeContact, error) {
		ret, err := n.Get(ctx, addr, target)
		if err != nil {
			return nil, err
		}
		if len(ret.V) > 0 && len(ret.Sig) > 0 && ret.Seq != nil {
			if VerifyMutableSignature(k, salt, *ret.Seq, ret.V, ret.Sig) {
				mu.Lock()
				if !haveBest || *ret.Seq > best.Seq {
					best = MutableItem{K: k, Seq: *ret.Seq, V: ret.V, Sig: ret.Sig}
					haveBest = true
				}
				mu.Unlock()
			}
		}
		if len(ret.Nodes) > 0 {
			nodes, _ := DecodeCompactNodes(ret.Nodes)
			return nodes, nil
		}
		return nil, nil
	})
	if err != nil {
		return MutableItem{}, false, err
	}
	return best, haveBest, nil
}

// PutMutableToSwarm signs (salt, seq, v) under priv and pushes it to the
// dataFanout closest contacts found by an iterative lookup toward the
// item's BEP-44 target, obtaining each target's current write token with a
// get query first (the same token-echo requirement AnnounceToSwarm
// satisfies for BEP-5). It returns how many of those contacts accepted the
// put.
func (n *Node) PutMutableToSwarm(ctx context.Context, priv ed25519.PrivateKey, salt []byte, seq int64, v []byte) (int, error) {
	k := []byte(priv.Public().(ed25519.PublicKey))
	sig := SignMutable(priv, salt, seq, v)
	target := MutableTarget(k, salt)

	if _, err := n.IterativeFindNode(ctx, target); err != nil {
		return 0, err
	}

	targets := n.rt.FindClosest(target, dataFanout)
	if len(targets) == 0 {
		return 0, ErrNodeClosed
	}

	var lastErr error
	accepted := 0
	for _, c := range targets {
		ret, err := n.Get(ctx, c.Addr, target)
		if err != nil {
			lastErr = err
			continue
		}
		if ret.Token == "" {
			continue
		}
		if err := n.PutMutable(ctx, c.Addr, k, sig, seq, v, salt, ret.Token); err != nil {
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 && lastErr != nil {
		return 0, lastErr
	}
	return accepted, nil
}

package bittorrent

import (
	"context"
)

// announceFanout is how many of the closest known contacts receive an
// announce_peer in one cycle; BEP-5 implementations commonly announce to
// the K closest rather than just the single closest.
const announceFanout = 8

// AnnounceToSwarm advertises this node as a peer for infoHash on port to
// the closest contacts in the routing table, running a fresh iterative
// find_node first so a freshly bootstrapped table has something to
// announce to. Each target is queried with get_peers to obtain its
// current write token before announce_peer, per the token-echo
// requirement in §4.D.
func (n *Node) AnnounceToSwarm(ctx context.Context, infoHash NodeID, port int) error {
	if _, err := n.IterativeFindNode(ctx, infoHash); err != nil {
		return err
	}

	targets := n.rt.FindClosest(infoHash, announceFanout)
	if len(targets) == 0 {
		return ErrNodeClosed
	}

	var lastErr error
	announced := 0
	for _, c := range targets {
		res, err := n.GetPeers(ctx, c.Addr, infoHash)
		if err != nil {
			lastErr = err
			continue
		}
		if res.Token == "" {
			continue
		}
		if err := n.AnnouncePeer(ctx, c.Addr, infoHash, port, res.Token); err != nil {
			lastErr = err
			continue
		}
		announced++
	}
	if announced == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

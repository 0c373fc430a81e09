package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/equalitie/ouinet-sub002/internal/bittorrent"
	"github.com/equalitie/ouinet-sub002/internal/errkind"
	"github.com/equalitie/ouinet-sub002/internal/httpstore"
	"github.com/equalitie/ouinet-sub002/internal/reader"
	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

// fetchPipeline ties the DHT lookup, multi-peer read and local commit
// together: given a publisher's key and a group name, it finds the
// swarm, races its peers for the content, and caches the verified result
// so this node becomes a peer for it too.
type fetchPipeline struct {
	node   *bittorrent.Node
	reader *reader.Reader
	store  *httpstore.Store
	groups *httpstore.GroupIndex
	lru    *httpstore.PersistentLRU
	log    *logrus.Entry
}

func (f *fetchPipeline) Fetch(ctx context.Context, pub ed25519.PublicKey, group string) (*httpstore.Entry, error) {
	infohash := reader.InfoHash(pub, signedhttp.Version, group)

	peers, _, err := f.node.IterativeGetPeers(ctx, infohash)
	if err != nil {
		return nil, errkind.Wrap(errkind.NetworkError, fmt.Errorf("dht lookup for group %q: %w", group, err))
	}
	if len(peers) == 0 {
		return nil, errkind.Wrap(errkind.NotFound, fmt.Errorf("no peers announced for group %q", group))
	}

	candidates := make([]string, len(peers))
	for i, p := range peers {
		candidates[i] = p.String()
	}

	sess, err := f.reader.Fetch(ctx, group, candidates)
	if err != nil {
		return nil, err
	}
	head, blocks, sigs, trailer, err := signedhttp.DrainSigned(ctx, sess)
	if err != nil {
		return nil, err
	}

	storageKey := httpstore.KeyFor(group)
	if err := f.store.Commit(storageKey, head, blocks, sigs, trailer); err != nil {
		return nil, err
	}
	if err := f.groups.Add(group, storageKey); err != nil {
		f.log.WithError(err).Warn("failed to record group membership")
	}
	if err := f.lru.Insert(storageKey, []byte(group), uint64(time.Now().UnixMilli())); err != nil {
		f.log.WithError(err).Warn("failed to record cache lru entry")
	}

	return f.store.Get(storageKey)
}

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/equalitie/ouinet-sub002/internal/bittorrent"
	"github.com/equalitie/ouinet-sub002/internal/httpstore"
	"github.com/equalitie/ouinet-sub002/internal/reader"
	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

// publishPipeline signs a response under this node's own key and commits
// it to the local store, the role spec.md leaves to an out-of-scope
// injector but which this node also needs for content it originates
// itself (e.g. content fetched over plain HTTP from an origin and brought
// into the signed cache for the first time). A single AnnounceToSwarm
// round is made directly through node rather than handed to the long-lived
// announcer, since a one-shot publish invocation exits immediately and has
// no scheduling loop running to service it.
type publishPipeline struct {
	priv   ed25519.PrivateKey
	node   *bittorrent.Node
	store  *httpstore.Store
	groups *httpstore.GroupIndex
	lru    *httpstore.PersistentLRU
	log    *logrus.Entry
}

func (p *publishPipeline) Publish(ctx context.Context, group string, head *signedhttp.Head, body []byte, tcpPort int) (*httpstore.Entry, error) {
	pub := p.priv.Public().(ed25519.PublicKey)
	keyID := "ed25519=" + base64.StdEncoding.EncodeToString(pub)
	signer := signedhttp.NewSigner(p.priv, keyID)

	signed, err := signer.Sign(head, body, time.Now())
	if err != nil {
		return nil, err
	}

	storageKey := httpstore.KeyFor(group)
	if err := p.store.Commit(storageKey, signed.Head, signed.Blocks, signed.BlockSigs, signed.Trailer); err != nil {
		return nil, err
	}
	if err := p.groups.Add(group, storageKey); err != nil {
		p.log.WithError(err).Warn("failed to record group membership")
	}
	if err := p.lru.Insert(storageKey, []byte(group), uint64(time.Now().UnixMilli())); err != nil {
		p.log.WithError(err).Warn("failed to record cache lru entry")
	}

	infohash := reader.InfoHash(pub, signedhttp.Version, group)
	if err := p.node.AnnounceToSwarm(ctx, infohash, tcpPort); err != nil {
		p.log.WithError(err).Warn("failed to announce newly published group to the DHT")
	}

	return p.store.Get(storageKey)
}

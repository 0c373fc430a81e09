package bittorrent

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutMutableToSwarmRoundTrip(t *testing.T) {
	seed := newTestNode(t)
	publisher := newTestNode(t)
	fetcher := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, publisher.Bootstrap(ctx, []*net.UDPAddr{seed.LocalAddr()}))
	require.NoError(t, fetcher.Bootstrap(ctx, []*net.UDPAddr{seed.LocalAddr()}))

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	salt := []byte("group-a")
	accepted, err := publisher.PutMutableToSwarm(ctx, priv, salt, 1, []byte("hello swarm"))
	require.NoError(t, err)
	require.Greater(t, accepted, 0)

	item, ok, err := fetcher.IterativeGetMutable(ctx, []byte(pub), salt)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello swarm"), item.V)
	require.EqualValues(t, 1, item.Seq)
}

func TestPutMutableToSwarmRejectsStaleSequence(t *testing.T) {
	seed := newTestNode(t)
	publisher := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, publisher.Bootstrap(ctx, []*net.UDPAddr{seed.LocalAddr()}))

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	salt := []byte("group-b")
	_, err = publisher.PutMutableToSwarm(ctx, priv, salt, 5, []byte("v5"))
	require.NoError(t, err)

	_, err = publisher.PutMutableToSwarm(ctx, priv, salt, 2, []byte("v2"))
	require.Error(t, err)
}

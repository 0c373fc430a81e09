// Package reader implements the multi-peer reader: given a content key and
// a dht_group, it races several candidate peers, verifies each delivered
// block as it arrives, and hands the consumer a single ordered, verified
// byte stream — switching peers transparently if the one in the lead turns
// out to be lying or drops the connection.
package reader

import (
	"crypto/ed25519"
	"crypto/sha1"
	"encoding/base64"
	"fmt"

	"github.com/equalitie/ouinet-sub002/internal/bittorrent"
)

// InfoHash derives the BEP-5 infohash a group's swarm announces and is
// searched under: SHA-1("ed25519=<b64(pubkey)>/v<version>/uri/" + group).
func InfoHash(pub ed25519.PublicKey, version int, group string) bittorrent.NodeID {
	s := fmt.Sprintf("ed25519=%s/v%d/uri/%s", base64.StdEncoding.EncodeToString(pub), version, group)
	sum := sha1.Sum([]byte(s))
	var id bittorrent.NodeID
	copy(id[:], sum[:])
	return id
}

package main

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// renderDigest turns a block's raw bytes into a self-describing CIDv1
// string for human inspection, the same multihash/cid pairing IPFS tooling
// uses to print content addresses — purely a display aid; the wire and
// on-disk formats keep their raw SHA-1/SHA-512 values untouched.
func renderDigest(block []byte) (string, error) {
	mh, err := multihash.Sum(block, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	c := cid.NewCidV1(cid.Raw, mh)
	return c.String(), nil
}

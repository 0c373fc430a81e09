package signedhttp

import "crypto/sha512"

// BlockSize is the default body block size, B = 65536 bytes, matching every
// peer this codec needs to interoperate with.
const BlockSize = 65536

// ChainHash is a link in the per-response block hash chain, H_i =
// SHA-512(H_{i-1} || SIG_{i-1} || block_i), with H_{-1} the all-zero value.
type ChainHash [sha512.Size]byte

// NextChainHash advances the chain by one block: prevHash and prevSig are
// the previous link's hash and signature (both all-zero for block 0), and
// block is the current block's raw bytes.
func NextChainHash(prevHash ChainHash, prevSig []byte, block []byte) ChainHash {
	h := sha512.New()
	h.Write(prevHash[:])
	h.Write(prevSig)
	h.Write(block)
	var out ChainHash
	copy(out[:], h.Sum(nil))
	return out
}

// zeroSig is the previous-signature input for block 0, where there is no
// prior block signature to chain from.
var zeroSig = make([]byte, 64)

package signedhttp

import (
	"encoding/binary"
)

// blockSigningMessage builds the canonical byte string a per-block
// signature covers: key-id, block index, cumulative data size through this
// block, and the block's chain hash. Fixed-width binary fields keep the
// message unambiguous regardless of keyID's contents.
func blockSigningMessage(keyID string, index int, offsetEnd int64, hash ChainHash) []byte {
	buf := make([]byte, 0, len(keyID)+4+8+len(hash))
	buf = append(buf, []byte(keyID)...)

	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], uint32(index))
	buf = append(buf, idxBuf[:]...)

	var offBuf [8]byte
	binary.BigEndian.PutUint64(offBuf[:], uint64(offsetEnd))
	buf = append(buf, offBuf[:]...)

	buf = append(buf, hash[:]...)
	return buf
}

// BlockSignature is a verified or to-be-sent per-block signature, carried
// as a chunk extension on the wire and as a fixed-size "sigs" record on
// disk.
type BlockSignature struct {
	Index     int
	OffsetEnd int64
	Hash      ChainHash
	Sig       []byte
}

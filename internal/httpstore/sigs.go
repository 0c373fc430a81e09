package httpstore

import (
	"encoding/binary"
	"fmt"

	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

// sigRecordSize is the fixed on-disk size of one "sigs" record: u64 offset,
// u64 size, a 64-byte Ed25519 signature, and a 64-byte chain hash. Records
// are little-endian; KRPC's compact encodings are big-endian and the two
// must not be confused.
const sigRecordSize = 8 + 8 + 64 + 64

// EncodeSigRecord appends one fixed-size sigs record to buf.
func EncodeSigRecord(buf []byte, offset, size uint64, sig []byte, hash signedhttp.ChainHash) []byte {
	var rec [sigRecordSize]byte
	binary.LittleEndian.PutUint64(rec[0:8], offset)
	binary.LittleEndian.PutUint64(rec[8:16], size)
	copy(rec[16:80], sig)
	copy(rec[80:144], hash[:])
	return append(buf, rec[:]...)
}

// DecodeSigRecords parses the full "sigs" file into its per-block records.
func DecodeSigRecords(data []byte) ([]signedhttp.BlockSignature, error) {
	if len(data)%sigRecordSize != 0 {
		return nil, fmt.Errorf("httpstore: sigs file size %d is not a multiple of record size %d", len(data), sigRecordSize)
	}
	n := len(data) / sigRecordSize
	out := make([]signedhttp.BlockSignature, n)
	for i := 0; i < n; i++ {
		rec := data[i*sigRecordSize : (i+1)*sigRecordSize]
		offset := binary.LittleEndian.Uint64(rec[0:8])
		size := binary.LittleEndian.Uint64(rec[8:16])
		sig := make([]byte, 64)
		copy(sig, rec[16:80])
		var hash signedhttp.ChainHash
		copy(hash[:], rec[80:144])
		out[i] = signedhttp.BlockSignature{
			Index:     i,
			OffsetEnd: int64(offset + size),
			Hash:      hash,
			Sig:       sig,
		}
	}
	return out, nil
}

package bittorrent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"net"
)

// NodeID is a 160-bit Kademlia identifier, MSB-first, as used by BEP-5 node
// IDs, BEP-44 mutable/immutable keys, and infohashes. It is comparable with
// == and safe to use as a map key.
type NodeID [20]byte

// ZeroNodeID is the all-zero identifier, the root of the full ID space.
var ZeroNodeID NodeID

// NodeIDFromBytes copies 20 raw bytes into a NodeID. It panics if b is not
// exactly 20 bytes long, matching the original's from_bytestring contract
// (callers are expected to validate length before calling, e.g. after
// slicing a compact-node-info record).
func NodeIDFromBytes(b []byte) NodeID {
	if len(b) != 20 {
		panic(fmt.Sprintf("bittorrent: NodeID must be 20 bytes, got %d", len(b)))
	}
	var id NodeID
	copy(id[:], b)
	return id
}

// NodeIDFromHex parses a 40-character hex string into a NodeID.
func NodeIDFromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("bittorrent: invalid NodeID hex: %w", err)
	}
	if len(b) != 20 {
		return NodeID{}, fmt.Errorf("bittorrent: NodeID hex must decode to 20 bytes, got %d", len(b))
	}
	return NodeIDFromBytes(b), nil
}

// Hex returns the lower-case hex encoding of the ID.
func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

func (id NodeID) String() string { return id.Hex() }

// Bytes returns the raw 20-byte encoding.
func (id NodeID) Bytes() []byte {
	out := make([]byte, 20)
	copy(out, id[:])
	return out
}

// Bit returns the n-th bit (0 == most significant bit of byte 0).
func (id NodeID) Bit(n int) bool {
	return id[n/8]&(1<<(7-uint(n%8))) != 0
}

// SetBit returns a copy of id with bit n set to value.
func (id NodeID) SetBit(n int, value bool) NodeID {
	mask := byte(1 << (7 - uint(n%8)))
	if value {
		id[n/8] |= mask
	} else {
		id[n/8] &^= mask
	}
	return id
}

// Xor returns the bitwise XOR distance between id and other.
func (id NodeID) Xor(other NodeID) NodeID {
	var out NodeID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// CloserTo reports whether id is closer (by XOR metric) to target than
// other is, the comparison the routing table's find_closest and the DHT's
// iterative lookup both use to order candidates.
func (id NodeID) CloserTo(target, other NodeID) bool {
	for i := 0; i < len(id); i++ {
		l := target[i] ^ id[i]
		r := target[i] ^ other[i]
		if l != r {
			return l < r
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits id and other share,
// i.e. the bucket depth at which they would separate.
func (id NodeID) CommonPrefixLen(other NodeID) int {
	for i := 0; i < 160; i++ {
		if id.Bit(i) != other.Bit(i) {
			return i
		}
	}
	return 160
}

// RandomNodeID returns a cryptographically random 160-bit ID.
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err) // crypto/rand failing is not something callers can recover from
	}
	return id
}

// RandomNodeIDWithPrefix returns a random ID whose first prefixBits bits
// equal stencil's — used to target a specific, not-yet-full routing-table
// bucket when refreshing it, matching the original NodeID::random(stencil,
// mask)/NodeIdRange::random_id behavior.
func RandomNodeIDWithPrefix(stencil NodeID, prefixBits int) NodeID {
	id := RandomNodeID()
	for i := 0; i < prefixBits; i++ {
		id = id.SetBit(i, stencil.Bit(i))
	}
	return id
}

// GenerateNodeID derives a BEP-42 node ID for the given IP address. seed
// supplies the low-order random byte (buffer[19]) and, per BEP-42, also
// contributes its low 3 bits to the checksummed prefix; low3Rand and
// innerRand fill the bits the original algorithm leaves to the C standard
// library's rand() (the low 3 bits of byte 2, and bytes 3..18 respectively)
// — callers that only care about the deterministic top-21-bit checksum
// (the only part BEP-42 actually specifies) may pass zero for both.
func GenerateNodeID(ip net.IP, seed byte, low3Rand byte, innerRand [16]byte) NodeID {
	var id NodeID
	id[19] = seed

	var maskedIP []byte
	var crcInput []byte
	if v4 := ip.To4(); v4 != nil {
		maskedIP = make([]byte, 4)
		for i := 0; i < 4; i++ {
			maskedIP[i] = v4[i] & (0xff >> uint(6-i*2))
		}
		maskedIP[0] |= (seed & 7) << 5
		crcInput = maskedIP
	} else {
		v6 := ip.To16()
		maskedIP = make([]byte, 8)
		for i := 0; i < 8; i++ {
			maskedIP[i] = v6[i] & (0xff >> uint(7-i))
		}
		maskedIP[0] |= (seed & 7) << 5
		crcInput = maskedIP
	}

	checksum := crc32.Checksum(crcInput, crc32.MakeTable(crc32.Castagnoli))

	id[0] = byte(checksum >> 24)
	id[1] = byte(checksum >> 16)
	id[2] = byte(checksum>>8&0xf8) | (low3Rand & 0x7)
	copy(id[3:19], innerRand[:])
	return id
}

// VerifyBEP42Prefix reports whether id's top 21 bits match the BEP-42
// checksum for ip and seed — the only part of a generated ID that BEP-42
// actually pins deterministically (the remaining, rand()-filled bits are not).
func VerifyBEP42Prefix(id NodeID, ip net.IP, seed byte) bool {
	want := GenerateNodeID(ip, seed, 0, [16]byte{})
	if id[0] != want[0] || id[1] != want[1] {
		return false
	}
	return id[2]&0xf8 == want[2]&0xf8
}

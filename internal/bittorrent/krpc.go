package bittorrent

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/equalitie/ouinet-sub002/internal/bittorrent/bencode"
)

// Msg is a single KRPC message: a bencoded dictionary with "t" (transaction
// ID) and "y" (message type: "q" query, "r" response, "e" error) common to
// every message, plus type-specific keys.
type Msg struct {
	T string    `bencode:"t"`
	Y string    `bencode:"y"`
	Q string    `bencode:"q,omitempty"`
	A *QueryArgs `bencode:"a,omitempty"`
	R *Return   `bencode:"r,omitempty"`
	E *KRPCError `bencode:"e,omitempty"`
}

// QueryArgs holds the named arguments of a query; which fields are set
// depends on Msg.Q (ping/find_node/get_peers/announce_peer/get/put).
type QueryArgs struct {
	ID          NodeID `bencode:"id"`
	Target      NodeID `bencode:"target,omitempty"`
	InfoHash    NodeID `bencode:"info_hash,omitempty"`
	Token       string `bencode:"token,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`

	// BEP 44
	K        []byte `bencode:"k,omitempty"`   // Ed25519 public key
	Sig      []byte `bencode:"sig,omitempty"` // Ed25519 signature over salt (if any), seq and v
	Seq      *int64 `bencode:"seq,omitempty"`
	Cas      *int64 `bencode:"cas,omitempty"`
	Salt     []byte `bencode:"salt,omitempty"`
	V        []byte `bencode:"v,omitempty"`
}

// Return holds the "r" dictionary of a successful response.
type Return struct {
	ID     NodeID `bencode:"id"`
	Nodes  []byte `bencode:"nodes,omitempty"`  // compact node info, 26 bytes/node
	Token  string `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"` // compact peer info, 6 bytes/peer

	// BEP 44
	K   []byte `bencode:"k,omitempty"`
	Sig []byte `bencode:"sig,omitempty"`
	Seq *int64 `bencode:"seq,omitempty"`
	V   []byte `bencode:"v,omitempty"`
}

// KRPCError is the "e" list of a failed query: [code, "human-readable message"].
type KRPCError struct {
	Code    int
	Message string
}

func (e *KRPCError) Error() string { return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message) }

// toValue/krpcErrorFromValue let KRPCError ride the bencode codec as a
// 2-element list rather than its natural struct shape, matching
// the wire format BEP-5 actually specifies.
func (e KRPCError) toValue() bencode.Value {
	return bencode.List{int64(e.Code), e.Message}
}

func krpcErrorFromValue(v bencode.Value) (*KRPCError, error) {
	lst, ok := v.(bencode.List)
	if !ok || len(lst) < 2 {
		return nil, fmt.Errorf("bittorrent: malformed KRPC error value")
	}
	code, ok := lst[0].(int64)
	if !ok {
		return nil, fmt.Errorf("bittorrent: KRPC error code not an integer")
	}
	msg, ok := lst[1].(string)
	if !ok {
		return nil, fmt.Errorf("bittorrent: KRPC error message not a string")
	}
	return &KRPCError{Code: int(code), Message: msg}, nil
}

// Standard KRPC error codes (BEP-5 §Errors).
const (
	ErrCodeGeneric      = 201
	ErrCodeServer       = 202
	ErrCodeProtocol     = 203
	ErrCodeMethodUnknown = 204
)

// EncodeMsg bencodes m, substituting m.E's wire representation manually
// since KRPCError's wire shape (a 2-element list) doesn't match the
// reflection codec's struct-to-dict default.
func EncodeMsg(m Msg) ([]byte, error) {
	dict := bencode.Dict{"t": m.T, "y": m.Y}
	if m.Q != "" {
		dict["q"] = m.Q
	}
	if m.A != nil {
		av, err := bencode.ToValue(m.A)
		if err != nil {
			return nil, err
		}
		dict["a"] = av
	}
	if m.R != nil {
		rv, err := bencode.ToValue(m.R)
		if err != nil {
			return nil, err
		}
		dict["r"] = rv
	}
	if m.E != nil {
		dict["e"] = m.E.toValue()
	}
	return bencode.Encode(dict), nil
}

// DecodeMsg parses a raw KRPC datagram.
func DecodeMsg(data []byte) (Msg, error) {
	v, n, err := bencode.Decode(data)
	if err != nil {
		return Msg{}, fmt.Errorf("bittorrent: decode KRPC message: %w", err)
	}
	if n != len(data) {
		return Msg{}, fmt.Errorf("bittorrent: trailing data after KRPC message")
	}
	dict, ok := v.(bencode.Dict)
	if !ok {
		return Msg{}, fmt.Errorf("bittorrent: KRPC message is not a dict")
	}
	var m Msg
	if t, ok := dict["t"].(string); ok {
		m.T = t
	}
	if y, ok := dict["y"].(string); ok {
		m.Y = y
	}
	if q, ok := dict["q"].(string); ok {
		m.Q = q
	}
	if a, ok := dict["a"]; ok {
		var args QueryArgs
		if err := bencode.FromValue(a, &args); err != nil {
			return Msg{}, fmt.Errorf("bittorrent: decode KRPC args: %w", err)
		}
		m.A = &args
	}
	if r, ok := dict["r"]; ok {
		var ret Return
		if err := bencode.FromValue(r, &ret); err != nil {
			return Msg{}, fmt.Errorf("bittorrent: decode KRPC return: %w", err)
		}
		m.R = &ret
	}
	if e, ok := dict["e"]; ok {
		ke, err := krpcErrorFromValue(e)
		if err != nil {
			return Msg{}, err
		}
		m.E = ke
	}
	return m, nil
}

// EncodeCompactNodes encodes a set of IPv4 node contacts into BEP-5's
// compact node info format: 26 bytes per node (20-byte ID + 4-byte IP +
// 2-byte big-endian port).
func EncodeCompactNodes(contacts []NodeContact) []byte {
	out := make([]byte, 0, len(contacts)*26)
	for _, c := range contacts {
		ip4 := c.Addr.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, c.ID[:]...)
		out = append(out, ip4...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], uint16(c.Addr.Port))
		out = append(out, portBuf[:]...)
	}
	return out
}

// DecodeCompactNodes is the inverse of EncodeCompactNodes.
func DecodeCompactNodes(data []byte) ([]NodeContact, error) {
	if len(data)%26 != 0 {
		return nil, fmt.Errorf("bittorrent: compact node info length %d not a multiple of 26", len(data))
	}
	out := make([]NodeContact, 0, len(data)/26)
	for i := 0; i < len(data); i += 26 {
		id := NodeIDFromBytes(data[i : i+20])
		ip := net.IPv4(data[i+20], data[i+21], data[i+22], data[i+23])
		port := binary.BigEndian.Uint16(data[i+24 : i+26])
		out = append(out, NodeContact{ID: id, Addr: &net.UDPAddr{IP: ip, Port: int(port)}, verified: false})
	}
	return out, nil
}

// EncodeCompactPeer encodes a single peer contact into BEP-5's compact
// peer info format: 6 bytes (4-byte IPv4 + 2-byte big-endian port).
func EncodeCompactPeer(addr *net.UDPAddr) (string, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("bittorrent: compact peer info requires an IPv4 address")
	}
	buf := make([]byte, 6)
	copy(buf, ip4)
	binary.BigEndian.PutUint16(buf[4:], uint16(addr.Port))
	return string(buf), nil
}

// DecodeCompactPeer is the inverse of EncodeCompactPeer.
func DecodeCompactPeer(s string) (*net.UDPAddr, error) {
	if len(s) != 6 {
		return nil, fmt.Errorf("bittorrent: compact peer info must be 6 bytes, got %d", len(s))
	}
	b := []byte(s)
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := binary.BigEndian.Uint16(b[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

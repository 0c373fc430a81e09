package bittorrent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMsgPing(t *testing.T) {
	id := RandomNodeID()
	m := Msg{T: "aa", Y: "q", Q: "ping", A: &QueryArgs{ID: id}}
	data, err := EncodeMsg(m)
	require.NoError(t, err)

	got, err := DecodeMsg(data)
	require.NoError(t, err)
	require.Equal(t, "aa", got.T)
	require.Equal(t, "q", got.Y)
	require.Equal(t, "ping", got.Q)
	require.NotNil(t, got.A)
	require.Equal(t, id, got.A.ID)
}

func TestEncodeDecodeMsgFindNodeResponse(t *testing.T) {
	self := RandomNodeID()
	contacts := []NodeContact{
		{ID: RandomNodeID(), Addr: &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}},
		{ID: RandomNodeID(), Addr: &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 6882}},
	}
	nodes := EncodeCompactNodes(contacts)
	m := Msg{T: "bb", Y: "r", R: &Return{ID: self, Nodes: nodes}}

	data, err := EncodeMsg(m)
	require.NoError(t, err)
	got, err := DecodeMsg(data)
	require.NoError(t, err)
	require.NotNil(t, got.R)
	require.Equal(t, self, got.R.ID)

	decoded, err := DecodeCompactNodes(got.R.Nodes)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, contacts[0].ID, decoded[0].ID)
	require.Equal(t, contacts[1].Addr.Port, decoded[1].Addr.Port)
}

func TestEncodeDecodeMsgGetPeersResponseWithValues(t *testing.T) {
	self := RandomNodeID()
	peer := &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 51413}
	compact, err := EncodeCompactPeer(peer)
	require.NoError(t, err)

	token := "tok123"
	m := Msg{T: "cc", Y: "r", R: &Return{ID: self, Token: token, Values: []string{compact}}}
	data, err := EncodeMsg(m)
	require.NoError(t, err)

	got, err := DecodeMsg(data)
	require.NoError(t, err)
	require.Equal(t, token, got.R.Token)
	require.Len(t, got.R.Values, 1)

	decodedPeer, err := DecodeCompactPeer(got.R.Values[0])
	require.NoError(t, err)
	require.True(t, decodedPeer.IP.Equal(peer.IP))
	require.Equal(t, peer.Port, decodedPeer.Port)
}

func TestEncodeDecodeMsgError(t *testing.T) {
	m := Msg{T: "dd", Y: "e", E: &KRPCError{Code: ErrCodeProtocol, Message: "bad token"}}
	data, err := EncodeMsg(m)
	require.NoError(t, err)

	got, err := DecodeMsg(data)
	require.NoError(t, err)
	require.NotNil(t, got.E)
	require.Equal(t, ErrCodeProtocol, got.E.Code)
	require.Equal(t, "bad token", got.E.Message)
}

func TestEncodeDecodeMsgBEP44Put(t *testing.T) {
	seq := int64(42)
	m := Msg{T: "ee", Y: "q", Q: "put", A: &QueryArgs{
		ID:   RandomNodeID(),
		Token: "writetoken",
		K:    make([]byte, 32),
		Sig:  make([]byte, 64),
		Seq:  &seq,
		V:    []byte("hello world"),
	}}
	data, err := EncodeMsg(m)
	require.NoError(t, err)

	got, err := DecodeMsg(data)
	require.NoError(t, err)
	require.Equal(t, "put", got.Q)
	require.NotNil(t, got.A.Seq)
	require.Equal(t, seq, *got.A.Seq)
	require.Equal(t, []byte("hello world"), got.A.V)
	require.Len(t, got.A.K, 32)
	require.Len(t, got.A.Sig, 64)
}

func TestDecodeCompactNodesRejectsBadLength(t *testing.T) {
	_, err := DecodeCompactNodes(make([]byte, 25))
	require.Error(t, err)
}

func TestDecodeCompactPeerRejectsBadLength(t *testing.T) {
	_, err := DecodeCompactPeer("short")
	require.Error(t, err)
}

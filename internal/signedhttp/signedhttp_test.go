package signedhttp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strconv"
	"testing"
	"time"
)

func testKeyID(pub ed25519.PublicKey) string {
	return "ed25519=" + base64.StdEncoding.EncodeToString(pub)
}

func signAndVerify(t *testing.T, body []byte, blockSize int) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyID := testKeyID(pub)

	head := &Head{Status: 200, Fields: []HeadField{{Name: "Content-Type", Value: "text/plain"}}}
	s := NewSigner(priv, keyID)
	s.BlockSize = blockSize
	resp, err := s.Sign(head, body, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resolve := func(id string) (ed25519.PublicKey, bool) {
		if id == keyID {
			return pub, true
		}
		return nil, false
	}
	v, err := NewVerifier(resolve, resp.Head)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for i, block := range resp.Blocks {
		if err := v.VerifyBlock(block, resp.BlockSigs[i].Sig); err != nil {
			t.Fatalf("verify block %d: %v", i, err)
		}
	}
	if v.BlocksVerified() != len(resp.Blocks) {
		t.Fatalf("expected %d verified blocks, got %d", len(resp.Blocks), v.BlocksVerified())
	}

	var dataSize int64
	var sig1 string
	for _, f := range resp.Trailer {
		switch f.Name {
		case "X-Ouinet-Data-Size":
			dataSize, _ = strconv.ParseInt(f.Value, 10, 64)
		case "X-Ouinet-Sig1":
			sig1 = f.Value
		}
	}
	digest := sha256.Sum256(body)
	if err := v.Finish(dataSize, digest, sig1); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signAndVerify(t, bytes.Repeat([]byte("a"), 10), 65536)
}

func TestSignAndVerifyMultiBlock(t *testing.T) {
	signAndVerify(t, bytes.Repeat([]byte("x"), 300), 100)
}

func TestVerifyRejectsTamperedBlock(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	keyID := testKeyID(pub)
	head := &Head{Status: 200}
	s := NewSigner(priv, keyID)
	s.BlockSize = 10
	body := bytes.Repeat([]byte("z"), 30)
	resp, err := s.Sign(head, body, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resolve := func(id string) (ed25519.PublicKey, bool) { return pub, id == keyID }
	v, err := NewVerifier(resolve, resp.Head)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	tampered := make([]byte, len(resp.Blocks[0]))
	copy(tampered, resp.Blocks[0])
	tampered[0] ^= 0xFF
	if err := v.VerifyBlock(tampered, resp.BlockSigs[0].Sig); err == nil {
		t.Fatal("expected verification failure on tampered block")
	}
}

func TestVerifyRejectsOutOfOrderBlock(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	keyID := testKeyID(pub)
	head := &Head{Status: 200}
	s := NewSigner(priv, keyID)
	s.BlockSize = 10
	body := bytes.Repeat([]byte("q"), 30)
	resp, _ := s.Sign(head, body, time.Unix(1700000000, 0))
	resolve := func(id string) (ed25519.PublicKey, bool) { return pub, id == keyID }
	v, _ := NewVerifier(resolve, resp.Head)
	if err := v.VerifyBlock(resp.Blocks[1], resp.BlockSigs[1].Sig); err == nil {
		t.Fatal("expected failure verifying block out of chain order")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	keyID := testKeyID(pub)
	head := &Head{Status: 200}
	s := NewSigner(priv, keyID)
	resp, _ := s.Sign(head, []byte("body"), time.Unix(1700000000, 0))
	resolve := func(id string) (ed25519.PublicKey, bool) { return otherPub, true }
	if _, err := NewVerifier(resolve, resp.Head); err == nil {
		t.Fatal("expected Sig0 verification failure against wrong key")
	}
}

func TestWireChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	block := []byte("hello block")
	sig := []byte("fake-signature-bytes")
	if err := WriteChunk(&buf, block, sig); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	trailer := []HeadField{{Name: "X-Ouinet-Data-Size", Value: "11"}}
	if err := WriteLastChunk(&buf, trailer); err != nil {
		t.Fatalf("write last chunk: %v", err)
	}

	r := bufio.NewReader(&buf)
	gotBlock, gotSig, err := ReadChunk(r)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if !bytes.Equal(gotBlock, block) || !bytes.Equal(gotSig, sig) {
		t.Fatalf("chunk round trip mismatch: block=%q sig=%q", gotBlock, gotSig)
	}
	if _, _, err := ReadChunk(r); err != io.EOF {
		t.Fatalf("expected EOF at terminating chunk, got %v", err)
	}
	gotTrailer, err := ReadTrailer(r)
	if err != nil {
		t.Fatalf("read trailer: %v", err)
	}
	if len(gotTrailer) != 1 || gotTrailer[0].Value != "11" {
		t.Fatalf("trailer mismatch: %+v", gotTrailer)
	}
}

func TestMemorySessionYieldsHeadBodyTrailer(t *testing.T) {
	head := &Head{Status: 200}
	body := []byte("payload")
	trailer := []HeadField{{Name: "Digest", Value: "x"}}
	sess := NewMemorySession(head, body, trailer)
	gotHead, gotBody, gotTrailer, err := Drain(context.Background(), sess)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if gotHead != head || string(gotBody) != "payload" || len(gotTrailer) != 1 {
		t.Fatalf("unexpected drain result: head=%v body=%q trailer=%v", gotHead, gotBody, gotTrailer)
	}
}

func TestWireSessionFullRoundTrip(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	keyID := testKeyID(pub)
	head := &Head{Status: 200, Fields: []HeadField{{Name: "Content-Type", Value: "text/plain"}}}
	s := NewSigner(priv, keyID)
	s.BlockSize = 8
	body := bytes.Repeat([]byte("w"), 20)
	resp, err := s.Sign(head, body, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var buf bytes.Buffer
	for i, block := range resp.Blocks {
		if err := WriteChunk(&buf, block, resp.BlockSigs[i].Sig); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}
	if err := WriteLastChunk(&buf, resp.Trailer); err != nil {
		t.Fatalf("write last chunk: %v", err)
	}

	resolve := func(id string) (ed25519.PublicKey, bool) { return pub, id == keyID }
	sess, err := NewWireSession(bufio.NewReader(&buf), resp.Head, resolve)
	if err != nil {
		t.Fatalf("new wire session: %v", err)
	}
	gotHead, gotBody, gotTrailer, err := Drain(context.Background(), sess)
	if err != nil {
		t.Fatalf("drain wire session: %v", err)
	}
	if gotHead != resp.Head {
		t.Fatal("head mismatch")
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(gotBody), len(body))
	}
	if len(gotTrailer) != len(resp.Trailer) {
		t.Fatalf("trailer length mismatch: got %d want %d", len(gotTrailer), len(resp.Trailer))
	}
}

func TestWireSessionRejectsTamperedBlock(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	keyID := testKeyID(pub)
	head := &Head{Status: 200}
	s := NewSigner(priv, keyID)
	s.BlockSize = 8
	body := bytes.Repeat([]byte("v"), 20)
	resp, _ := s.Sign(head, body, time.Unix(1700000000, 0))

	var buf bytes.Buffer
	tampered := make([]byte, len(resp.Blocks[0]))
	copy(tampered, resp.Blocks[0])
	tampered[0] ^= 0xFF
	WriteChunk(&buf, tampered, resp.BlockSigs[0].Sig)
	for i := 1; i < len(resp.Blocks); i++ {
		WriteChunk(&buf, resp.Blocks[i], resp.BlockSigs[i].Sig)
	}
	WriteLastChunk(&buf, resp.Trailer)

	resolve := func(id string) (ed25519.PublicKey, bool) { return pub, id == keyID }
	sess, err := NewWireSession(bufio.NewReader(&buf), resp.Head, resolve)
	if err != nil {
		t.Fatalf("new wire session: %v", err)
	}
	if _, _, _, err := Drain(context.Background(), sess); err == nil {
		t.Fatal("expected drain to fail on tampered block")
	}
}

func TestSelfCertifyingResolverDecodesKeyID(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyID := testKeyID(pub)
	got, ok := SelfCertifyingResolver(keyID)
	if !ok {
		t.Fatalf("resolver rejected a well-formed keyId %q", keyID)
	}
	if !bytes.Equal(got, pub) {
		t.Fatalf("resolved key mismatch: got %x want %x", got, pub)
	}
}

func TestSelfCertifyingResolverRejectsMalformedInputs(t *testing.T) {
	cases := []string{
		"",
		"rsa=AAAA",
		"ed25519=not-base64!!",
		"ed25519=" + base64.StdEncoding.EncodeToString([]byte("too-short")),
	}
	for _, id := range cases {
		if _, ok := SelfCertifyingResolver(id); ok {
			t.Fatalf("resolver accepted malformed keyId %q", id)
		}
	}
}

func TestDrainSignedPreservesPerBlockSignatures(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	keyID := testKeyID(pub)
	head := &Head{Status: 200, Fields: []HeadField{{Name: "Content-Type", Value: "text/plain"}}}
	s := NewSigner(priv, keyID)
	s.BlockSize = 8
	body := bytes.Repeat([]byte("z"), 20)
	resp, err := s.Sign(head, body, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var buf bytes.Buffer
	for i, block := range resp.Blocks {
		if err := WriteChunk(&buf, block, resp.BlockSigs[i].Sig); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}
	if err := WriteLastChunk(&buf, resp.Trailer); err != nil {
		t.Fatalf("write last chunk: %v", err)
	}

	resolve := func(id string) (ed25519.PublicKey, bool) { return pub, id == keyID }
	sess, err := NewWireSession(bufio.NewReader(&buf), resp.Head, resolve)
	if err != nil {
		t.Fatalf("new wire session: %v", err)
	}

	gotHead, blocks, sigs, trailer, err := DrainSigned(context.Background(), sess)
	if err != nil {
		t.Fatalf("drain signed: %v", err)
	}
	if gotHead != resp.Head {
		t.Fatal("head mismatch")
	}
	if len(blocks) != len(resp.Blocks) || len(sigs) != len(resp.BlockSigs) {
		t.Fatalf("block/sig count mismatch: got %d/%d want %d/%d", len(blocks), len(sigs), len(resp.Blocks), len(resp.BlockSigs))
	}
	for i := range resp.Blocks {
		if !bytes.Equal(blocks[i], resp.Blocks[i]) {
			t.Fatalf("block %d bytes mismatch", i)
		}
		if !bytes.Equal(sigs[i].Sig, resp.BlockSigs[i].Sig) {
			t.Fatalf("block %d signature not preserved", i)
		}
		if sigs[i].Hash != resp.BlockSigs[i].Hash {
			t.Fatalf("block %d chain hash not preserved", i)
		}
	}
	if len(trailer) != len(resp.Trailer) {
		t.Fatalf("trailer length mismatch: got %d want %d", len(trailer), len(resp.Trailer))
	}
}

package reader

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

type fakeDialer struct {
	servers map[string]func(net.Conn)
}

func (d fakeDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	fn, ok := d.servers[addr]
	if !ok {
		return nil, fmt.Errorf("reader test: no fake peer registered for %s", addr)
	}
	client, server := net.Pipe()
	go fn(server)
	return client, nil
}

// serveSigned writes a full signed response (head, chunked body, trailer)
// down conn, ignoring the inbound request line entirely.
func serveSigned(conn net.Conn, resp *signedhttp.SignedResponse, corruptBlock int, delay time.Duration) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	br.ReadString('\n')
	br.ReadString('\n')

	fmt.Fprintf(conn, "HTTP/1.1 %d\r\n", resp.Head.Status)
	for _, f := range resp.Head.Fields {
		fmt.Fprintf(conn, "%s: %s\r\n", f.Name, f.Value)
	}
	fmt.Fprint(conn, "\r\n")

	for i, block := range resp.Blocks {
		if delay > 0 {
			time.Sleep(delay)
		}
		b := block
		if i == corruptBlock {
			b = append([]byte(nil), block...)
			if len(b) > 0 {
				b[0] ^= 0xFF
			}
		}
		signedhttp.WriteChunk(conn, b, resp.BlockSigs[i].Sig)
	}
	signedhttp.WriteLastChunk(conn, resp.Trailer)
}

func buildSignedResponse(t *testing.T, body []byte, blockSize int) (*signedhttp.SignedResponse, ed25519.PublicKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyID := "ed25519=test"
	s := signedhttp.NewSigner(priv, keyID)
	s.BlockSize = blockSize
	head := &signedhttp.Head{Status: 200, Fields: []signedhttp.HeadField{{Name: "X-Ouinet-URI", Value: "http://example.invalid/r"}}}
	resp, err := s.Sign(head, body, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return resp, pub, keyID
}

func TestReaderSinglePeerFullRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte("m"), 24)
	resp, pub, keyID := buildSignedResponse(t, body, 8)

	dialer := fakeDialer{servers: map[string]func(net.Conn){
		"peer-a": func(c net.Conn) { serveSigned(c, resp, -1, 0) },
	}}
	resolve := func(id string) (ed25519.PublicKey, bool) { return pub, id == keyID }
	r := &Reader{Dialer: dialer, Resolve: resolve}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := r.Fetch(ctx, "http://example.invalid/r", []string{"peer-a"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	_, gotBody, _, err := signedhttp.Drain(ctx, sess)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body mismatch: got %d bytes want %d", len(gotBody), len(body))
	}
}

func TestReaderFailsOverAwayFromCorruptPeer(t *testing.T) {
	body := bytes.Repeat([]byte("n"), 40)
	resp, pub, keyID := buildSignedResponse(t, body, 8)

	dialer := fakeDialer{servers: map[string]func(net.Conn){
		"fast-bad":  func(c net.Conn) { serveSigned(c, resp, 1, 0) },
		"slow-good": func(c net.Conn) { serveSigned(c, resp, -1, 30*time.Millisecond) },
	}}
	resolve := func(id string) (ed25519.PublicKey, bool) { return pub, id == keyID }
	r := &Reader{Dialer: dialer, Resolve: resolve}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := r.Fetch(ctx, "http://example.invalid/r", []string{"fast-bad", "slow-good"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	_, gotBody, _, err := signedhttp.Drain(ctx, sess)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body mismatch after failover: got %d bytes want %d", len(gotBody), len(body))
	}
}

func TestReaderAllPeersFailReturnsError(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 16)
	resp, pub, keyID := buildSignedResponse(t, body, 8)

	dialer := fakeDialer{servers: map[string]func(net.Conn){
		"bad-1": func(c net.Conn) { serveSigned(c, resp, 0, 0) },
		"bad-2": func(c net.Conn) { serveSigned(c, resp, 0, 0) },
	}}
	resolve := func(id string) (ed25519.PublicKey, bool) { return pub, id == keyID }
	r := &Reader{Dialer: dialer, Resolve: resolve}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := r.Fetch(ctx, "http://example.invalid/r", []string{"bad-1", "bad-2"})
	if err != nil {
		// Failing at race time is also an acceptable outcome if both
		// peers are eliminated before either produces a valid head;
		// here both produce valid heads, so this path is unused.
		return
	}
	if _, _, _, err := signedhttp.Drain(ctx, sess); err == nil {
		t.Fatal("expected drain to fail when every peer corrupts the same block")
	}
}

func TestReaderNoPeersReturnsError(t *testing.T) {
	r := &Reader{Dialer: fakeDialer{servers: map[string]func(net.Conn){}}, Resolve: func(string) (ed25519.PublicKey, bool) { return nil, false }}
	if _, err := r.Fetch(context.Background(), "key", nil); err == nil {
		t.Fatal("expected error with no candidate peers")
	}
}

package signedhttp

import (
	"bufio"
	"context"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/equalitie/ouinet-sub002/internal/errkind"
)

// PartKind tags the event a Session.Next returns, mirroring the
// head/body-chunk/trailer stages of a signed response as it streams in.
type PartKind int

const (
	PartHead PartKind = iota
	PartBody
	PartTrailer
	PartDone
)

// Part is one incremental read event: exactly one of Head, Body or Trailer
// is populated depending on Kind.
type Part struct {
	Kind    PartKind
	Head    *Head
	Body    []byte
	Index   int       // valid when Kind == PartBody: the block's position in the response
	Sig     []byte    // valid when Kind == PartBody: this block's chunk-extension signature
	Hash    ChainHash // valid when Kind == PartBody: the hash chain value through this block
	Trailer []HeadField
}

// Session is an abstract incremental reader over one signed response,
// letting a consumer treat a fully-verified response read from the local
// store and a block-at-a-time response streamed from a remote peer
// identically: call Next until it returns PartDone or an error.
type Session interface {
	Next(ctx context.Context) (Part, error)
}

// memorySession replays an already-verified, fully-buffered response —
// the shape a local store lookup produces.
type memorySession struct {
	head    *Head
	body    []byte
	trailer []HeadField
	stage   int
}

// NewMemorySession wraps a complete in-memory response as a Session, used
// when serving a response already verified and resident from the store.
func NewMemorySession(head *Head, body []byte, trailer []HeadField) Session {
	return &memorySession{head: head, body: body, trailer: trailer}
}

func (s *memorySession) Next(ctx context.Context) (Part, error) {
	select {
	case <-ctx.Done():
		return Part{}, errkind.Wrap(errkind.CancelledOrAborted, ctx.Err())
	default:
	}
	switch s.stage {
	case 0:
		s.stage++
		return Part{Kind: PartHead, Head: s.head}, nil
	case 1:
		s.stage++
		if len(s.body) == 0 {
			return s.Next(ctx)
		}
		return Part{Kind: PartBody, Body: s.body}, nil
	case 2:
		s.stage++
		return Part{Kind: PartTrailer, Trailer: s.trailer}, nil
	default:
		return Part{Kind: PartDone}, io.EOF
	}
}

// wireSession reads a signed response straight off a chunked-transfer wire
// stream (a peer connection), verifying each block as it arrives and
// exposing only the prefix that has verified so far.
type wireSession struct {
	r        *bufio.Reader
	verifier *Verifier
	head     *Head
	stage    int
	hasher   hash.Hash
	dataSize int64
}

// NewWireSession begins reading a signed response from r: head is the
// already-parsed response head (read by the HTTP layer ahead of the body),
// and resolve looks up the signing key named by head's X-Ouinet-BSigs.
func NewWireSession(r *bufio.Reader, head *Head, resolve KeyResolver) (Session, error) {
	v, err := NewVerifier(resolve, head)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	return &wireSession{r: r, verifier: v, head: head, hasher: h}, nil
}

func (s *wireSession) Next(ctx context.Context) (Part, error) {
	select {
	case <-ctx.Done():
		return Part{}, errkind.Wrap(errkind.CancelledOrAborted, ctx.Err())
	default:
	}
	switch s.stage {
	case 0:
		s.stage++
		return Part{Kind: PartHead, Head: s.head}, nil
	case 1:
		block, sig, err := ReadChunk(s.r)
		if err == io.EOF {
			s.stage++
			return s.Next(ctx)
		}
		if err != nil {
			return Part{}, errkind.Wrap(errkind.NetworkError, err)
		}
		index := s.verifier.BlocksVerified()
		if err := s.verifier.VerifyBlock(block, sig); err != nil {
			return Part{}, err
		}
		s.hasher.Write(block)
		s.dataSize += int64(len(block))
		return Part{Kind: PartBody, Body: block, Index: index, Sig: sig, Hash: s.verifier.LastChainHash()}, nil
	case 2:
		s.stage++
		trailer, err := ReadTrailer(s.r)
		if err != nil {
			return Part{}, errkind.Wrap(errkind.NetworkError, err)
		}
		var sum [32]byte
		copy(sum[:], s.hasher.Sum(nil))
		sig1Field := headValue(trailer, "X-Ouinet-Sig1")
		if err := s.verifier.Finish(s.dataSize, sum, sig1Field); err != nil {
			return Part{}, err
		}
		return Part{Kind: PartTrailer, Trailer: trailer}, nil
	default:
		return Part{Kind: PartDone}, io.EOF
	}
}

// BlocksVerified exposes how many body blocks verified before this session
// either finished cleanly or hit a bad block — the prefix a multi-peer
// reader may keep after switching away from a failing peer.
func (s *wireSession) BlocksVerified() int { return s.verifier.BlocksVerified() }

func headValue(fields []HeadField, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// DrainSigned is Drain plus the per-block BlockSignature records a caller
// needs to commit the response to a Store and re-serve it onward with its
// original chain of custody intact, rather than just its bytes.
func DrainSigned(ctx context.Context, sess Session) (*Head, [][]byte, []BlockSignature, []HeadField, error) {
	var head *Head
	var blocks [][]byte
	var sigs []BlockSignature
	var trailer []HeadField
	var offset int64
	for {
		part, err := sess.Next(ctx)
		if err == io.EOF {
			return head, blocks, sigs, trailer, nil
		}
		if err != nil {
			return head, blocks, sigs, trailer, err
		}
		switch part.Kind {
		case PartHead:
			head = part.Head
		case PartBody:
			offset += int64(len(part.Body))
			blocks = append(blocks, part.Body)
			sigs = append(sigs, BlockSignature{Index: part.Index, OffsetEnd: offset, Hash: part.Hash, Sig: part.Sig})
		case PartTrailer:
			trailer = part.Trailer
		case PartDone:
			return head, blocks, sigs, trailer, nil
		}
	}
}

// Drain pulls every remaining part out of sess, concatenating body parts
// into a single buffer — useful for callers that want the whole response
// rather than incremental delivery.
func Drain(ctx context.Context, sess Session) (*Head, []byte, []HeadField, error) {
	var head *Head
	var body []byte
	var trailer []HeadField
	for {
		part, err := sess.Next(ctx)
		if err == io.EOF {
			return head, body, trailer, nil
		}
		if err != nil {
			return head, body, trailer, err
		}
		switch part.Kind {
		case PartHead:
			head = part.Head
		case PartBody:
			body = append(body, part.Body...)
		case PartTrailer:
			trailer = part.Trailer
		case PartDone:
			return head, body, trailer, nil
		}
	}
}

package signedhttp

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sig0CoveredFields is every field present on the head at signing time,
// plus the two pseudo-headers the canonical signing string always carries.
func sig0CoveredFields(head *Head) []string {
	fields := []string{"(response-status)", "(created)"}
	fields = append(fields, head.FieldNames()...)
	return fields
}

// Signer produces a fully signed response (head, block stream with
// per-block signatures, and trailers) from a complete response in memory,
// the role the injector plays.
type Signer struct {
	Priv      ed25519.PrivateKey
	KeyID     string
	BlockSize int
}

// NewSigner constructs a Signer with the default block size.
func NewSigner(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{Priv: priv, KeyID: keyID, BlockSize: BlockSize}
}

// SignedResponse is the complete output of Sign: the annotated head, the
// body split into blocks each paired with its per-block signature, and the
// trailer fields a streaming writer appends after the last chunk.
type SignedResponse struct {
	Head    *Head
	Blocks  [][]byte
	BlockSigs []BlockSignature
	Trailer []HeadField
}

// Sign signs head+body as a single unit: it stamps X-Ouinet-BSigs and
// X-Ouinet-Sig0 onto the head, chains and signs each body block, and
// computes the trailer fields (X-Ouinet-Data-Size, Digest, X-Ouinet-Sig1).
func (s *Signer) Sign(head *Head, body []byte, createdAt time.Time) (*SignedResponse, error) {
	bs := s.BlockSize
	if bs <= 0 {
		bs = BlockSize
	}
	signed := head.Clone()
	signed.Set("X-Ouinet-Version", strconv.Itoa(Version))
	signed.Set("X-Ouinet-Injection", fmt.Sprintf("id=%s,ts=%d", uuid.New().String(), createdAt.Unix()))
	signed.Set("X-Ouinet-BSigs", fmt.Sprintf(`keyId="%s",algorithm="hs2019",size=%d`, s.KeyID, bs))

	sig0Fields := sig0CoveredFields(signed)
	pseudo := map[string]string{
		"(response-status)": strconv.Itoa(signed.Status),
		"(created)":          strconv.FormatInt(createdAt.Unix(), 10),
	}
	sig0 := ed25519.Sign(s.Priv, []byte(signed.SigningString(sig0Fields, pseudo)))
	signed.Set("X-Ouinet-Sig0", formatSigField(s.KeyID, createdAt, sig0Fields, sig0))

	var blocks [][]byte
	var blockSigs []BlockSignature
	var h ChainHash
	prevSig := zeroSig
	var offset int64
	for start := 0; start < len(body); start += bs {
		end := start + bs
		if end > len(body) {
			end = len(body)
		}
		block := body[start:end]
		offset += int64(len(block))
		h = NextChainHash(h, prevSig, block)
		msg := blockSigningMessage(s.KeyID, len(blocks), offset, h)
		sig := ed25519.Sign(s.Priv, msg)

		blocks = append(blocks, block)
		blockSigs = append(blockSigs, BlockSignature{Index: len(blocks) - 1, OffsetEnd: offset, Hash: h, Sig: sig})
		prevSig = sig
	}

	digest := sha256.Sum256(body)
	digestField := "SHA-256=" + base64.StdEncoding.EncodeToString(digest[:])

	sig1Fields := append(append([]string{}, sig0Fields...), "x-ouinet-data-size", "digest")
	trailerHead := signed.Clone()
	trailerHead.Set("X-Ouinet-Data-Size", strconv.FormatInt(offset, 10))
	trailerHead.Set("Digest", digestField)
	sig1 := ed25519.Sign(s.Priv, []byte(trailerHead.SigningString(sig1Fields, pseudo)))

	trailer := []HeadField{
		{Name: "X-Ouinet-Data-Size", Value: strconv.FormatInt(offset, 10)},
		{Name: "Digest", Value: digestField},
		{Name: "X-Ouinet-Sig1", Value: formatSigField(s.KeyID, createdAt, sig1Fields, sig1)},
	}

	return &SignedResponse{Head: signed, Blocks: blocks, BlockSigs: blockSigs, Trailer: trailer}, nil
}

func formatSigField(keyID string, created time.Time, fields []string, sig []byte) string {
	return fmt.Sprintf(
		`keyId="%s",algorithm="hs2019",created=%d,headers="%s",signature="%s"`,
		keyID, created.Unix(), strings.Join(fields, " "), base64.StdEncoding.EncodeToString(sig),
	)
}

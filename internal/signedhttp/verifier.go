package signedhttp

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/equalitie/ouinet-sub002/internal/errkind"
)

// KeyResolver looks up the Ed25519 public key for a wire keyId string
// (e.g. "ed25519=<base64>"), so a Verifier never has to know how keys are
// distributed.
type KeyResolver func(keyID string) (ed25519.PublicKey, bool)

// SelfCertifyingResolver decodes the public key directly out of a
// "ed25519=<base64>" keyId, the same encoding InfoHash derives a swarm's
// infohash from. A reader that already knows which public key a content
// key's group is rooted at can use this instead of maintaining a separate
// trust store: the URI's own group name is the only out-of-band input.
func SelfCertifyingResolver(keyID string) (ed25519.PublicKey, bool) {
	const prefix = "ed25519="
	if !strings.HasPrefix(keyID, prefix) {
		return nil, false
	}
	pub, err := base64.StdEncoding.DecodeString(keyID[len(prefix):])
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(pub), true
}

// KeyIDFromHead extracts the keyId a committed entry's head was signed
// under, from its X-Ouinet-BSigs field, without re-verifying anything —
// a cold-start re-announcer needs the publisher a cached group is rooted
// at, not a fresh verification of content it already trusts.
func KeyIDFromHead(head *Head) (string, bool) {
	bsigs := head.Get("X-Ouinet-BSigs")
	if bsigs == "" {
		return "", false
	}
	params, err := parseParams(bsigs)
	if err != nil {
		return "", false
	}
	keyID, ok := params["keyid"]
	return keyID, ok && keyID != ""
}

// Verifier incrementally checks a signed response's head, body blocks (in
// strict order) and trailer, surfacing every block that verifies before
// the first one that doesn't.
type Verifier struct {
	resolve KeyResolver

	keyID     string
	pubKey    ed25519.PublicKey
	blockSize int
	head      *Head

	chain     ChainHash
	prevSig   []byte
	nextIndex int
	offset    int64
}

// NewVerifier begins verification of head: parses X-Ouinet-BSigs, resolves
// the signing key, and checks Sig0 over the head's canonical fields.
func NewVerifier(resolve KeyResolver, head *Head) (*Verifier, error) {
	bsigs := head.Get("X-Ouinet-BSigs")
	if bsigs == "" {
		return nil, errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: missing X-Ouinet-BSigs"))
	}
	params, err := parseParams(bsigs)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProtocolError, err)
	}
	keyID := params["keyid"]
	if params["algorithm"] != "" && params["algorithm"] != "hs2019" {
		return nil, errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: unsupported signature algorithm %q", params["algorithm"]))
	}
	blockSize, err := strconv.Atoi(params["size"])
	if err != nil || blockSize <= 0 {
		return nil, errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: invalid block size in X-Ouinet-BSigs"))
	}

	pub, ok := resolve(keyID)
	if !ok {
		return nil, errkind.Wrap(errkind.SignatureInvalid, fmt.Errorf("signedhttp: unknown key id %q", keyID))
	}

	sig0Field := head.Get("X-Ouinet-Sig0")
	if sig0Field == "" {
		return nil, errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: missing X-Ouinet-Sig0"))
	}
	sig0Params, err := parseParams(sig0Field)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProtocolError, err)
	}
	created, err := strconv.ParseInt(sig0Params["created"], 10, 64)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: invalid created timestamp"))
	}
	sig0, err := base64.StdEncoding.DecodeString(sig0Params["signature"])
	if err != nil {
		return nil, errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: invalid Sig0 signature encoding"))
	}
	coveredFields := strings.Fields(sig0Params["headers"])
	pseudo := map[string]string{
		"(response-status)": strconv.Itoa(head.Status),
		"(created)":          strconv.FormatInt(created, 10),
	}
	signingString := head.SigningString(coveredFields, pseudo)
	if !ed25519.Verify(pub, []byte(signingString), sig0) {
		return nil, errkind.Wrap(errkind.SignatureInvalid, fmt.Errorf("signedhttp: Sig0 verification failed"))
	}

	return &Verifier{
		resolve:   resolve,
		keyID:     keyID,
		pubKey:    pub,
		blockSize: blockSize,
		head:      head,
		prevSig:   zeroSig,
	}, nil
}

// VerifyBlock checks block i (must arrive in strict index order) against
// its chunk-extension signature, advancing the hash chain on success.
func (v *Verifier) VerifyBlock(block []byte, sig []byte) error {
	if len(block) > v.blockSize {
		return errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: block %d exceeds negotiated size", v.nextIndex))
	}
	v.offset += int64(len(block))
	v.chain = NextChainHash(v.chain, v.prevSig, block)
	msg := blockSigningMessage(v.keyID, v.nextIndex, v.offset, v.chain)
	if !ed25519.Verify(v.pubKey, msg, sig) {
		return errkind.Wrap(errkind.SignatureInvalid, fmt.Errorf("signedhttp: block %d signature invalid", v.nextIndex))
	}
	v.prevSig = sig
	v.nextIndex++
	return nil
}

// LastChainHash returns the hash chain value through the most recently
// verified block, the value a re-serving cache needs to persist alongside
// that block's signature in an on-disk sigs record.
func (v *Verifier) LastChainHash() ChainHash { return v.chain }

// BlocksVerified reports how many blocks have successfully verified so far
// — the prefix that may safely be forwarded to the consumer even if a
// later block fails.
func (v *Verifier) BlocksVerified() int { return v.nextIndex }

// Finish checks the trailer: X-Ouinet-Data-Size must equal the streamed
// byte count, Digest must equal SHA-256 of the full body, and Sig1 must
// verify over the head augmented with those two fields.
func (v *Verifier) Finish(dataSize int64, digest [32]byte, sig1Field string) error {
	if dataSize != v.offset {
		return errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: X-Ouinet-Data-Size mismatch: got %d, streamed %d", dataSize, v.offset))
	}
	digestField := "SHA-256=" + base64.StdEncoding.EncodeToString(digest[:])

	params, err := parseParams(sig1Field)
	if err != nil {
		return errkind.Wrap(errkind.ProtocolError, err)
	}
	created, err := strconv.ParseInt(params["created"], 10, 64)
	if err != nil {
		return errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: invalid Sig1 created timestamp"))
	}
	sig1, err := base64.StdEncoding.DecodeString(params["signature"])
	if err != nil {
		return errkind.Wrap(errkind.ProtocolError, fmt.Errorf("signedhttp: invalid Sig1 signature encoding"))
	}

	trailerHead := v.head.Clone()
	trailerHead.Set("X-Ouinet-Data-Size", strconv.FormatInt(dataSize, 10))
	trailerHead.Set("Digest", digestField)

	coveredFields := strings.Fields(params["headers"])
	pseudo := map[string]string{
		"(response-status)": strconv.Itoa(v.head.Status),
		"(created)":          strconv.FormatInt(created, 10),
	}
	signingString := trailerHead.SigningString(coveredFields, pseudo)
	if !ed25519.Verify(v.pubKey, []byte(signingString), sig1) {
		return errkind.Wrap(errkind.SignatureInvalid, fmt.Errorf("signedhttp: Sig1 verification failed"))
	}
	return nil
}

// parseParams parses a "k1=v1,k2=\"v2\"" parameter list, as used by
// X-Ouinet-BSigs and X-Ouinet-Sig0/Sig1, into a lower-cased key map.
func parseParams(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range splitParams(s) {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(part[:eq]))
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		out[key] = val
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("signedhttp: empty or malformed parameter list %q", s)
	}
	return out, nil
}

// splitParams splits on commas that are not inside a quoted value.
func splitParams(s string) []string {
	var out []string
	inQuotes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

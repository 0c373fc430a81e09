package httpstore

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func newEd25519(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	t.Helper()
	return ed25519.GenerateKey(nil)
}

func fixedTime() time.Time {
	return time.Unix(1700000000, 0)
}

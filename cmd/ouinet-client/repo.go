package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/equalitie/ouinet-sub002/internal/bittorrent"
	"github.com/equalitie/ouinet-sub002/internal/errkind"
)

// repoLayout is where within --repo each persistent piece of state lives,
// mirroring the original ouinet repo directory's split between the DHT
// identity, the publishing key, and the content cache.
type repoLayout struct {
	root string
}

func newRepoLayout(root string) *repoLayout { return &repoLayout{root: root} }

func (r *repoLayout) cacheDir() string     { return filepath.Join(r.root, "cache") }
func (r *repoLayout) lruDir() string       { return filepath.Join(r.root, "cache", "lru") }
func (r *repoLayout) groupsDir() string    { return filepath.Join(r.root, "cache", "groups") }
func (r *repoLayout) nodeIDFile() string   { return filepath.Join(r.root, "dht_id") }
func (r *repoLayout) privKeyFile() string  { return filepath.Join(r.root, "private_key") }
func (r *repoLayout) bootstrapFile() string { return filepath.Join(r.root, "bootstrap.yaml") }
func (r *repoLayout) portHintFile() string { return filepath.Join(r.root, "last_used_port") }

func (r *repoLayout) ensureDirs() error {
	for _, d := range []string{r.root, r.cacheDir(), r.lruDir(), r.groupsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return errkind.Wrap(errkind.ConfigError, fmt.Errorf("creating %s: %w", d, err))
		}
	}
	return nil
}

// loadOrCreateNodeID reads the persisted 20-byte DHT identity, generating
// and persisting a fresh random one on first run so this node's identity
// survives restarts (routing tables elsewhere remember it by ID).
func (r *repoLayout) loadOrCreateNodeID() (bittorrent.NodeID, error) {
	data, err := os.ReadFile(r.nodeIDFile())
	if err == nil {
		if len(data) != 20 {
			return bittorrent.NodeID{}, errkind.Wrap(errkind.ConfigError, fmt.Errorf("%s: wrong node id size %d", r.nodeIDFile(), len(data)))
		}
		return bittorrent.NodeIDFromBytes(data), nil
	}
	if !os.IsNotExist(err) {
		return bittorrent.NodeID{}, errkind.Wrap(errkind.ConfigError, fmt.Errorf("reading %s: %w", r.nodeIDFile(), err))
	}
	id := bittorrent.RandomNodeID()
	if err := os.WriteFile(r.nodeIDFile(), id.Bytes(), 0o600); err != nil {
		return bittorrent.NodeID{}, errkind.Wrap(errkind.ConfigError, fmt.Errorf("writing %s: %w", r.nodeIDFile(), err))
	}
	return id, nil
}

// loadLastUsedPort returns the port this repo's node last bound
// successfully, if any, so a restart on a busy host tries that port again
// before falling back to the default or a random one.
func (r *repoLayout) loadLastUsedPort() (int, bool) {
	data, err := os.ReadFile(r.portHintFile())
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// saveLastUsedPort persists port as the hint a future run should try before
// the default or a random port. Failing to write it is not fatal: it only
// degrades the next restart's first guess.
func (r *repoLayout) saveLastUsedPort(port int) {
	_ = os.WriteFile(r.portHintFile(), []byte(strconv.Itoa(port)), 0o600)
}

// loadOrCreatePrivateKey reads the persisted Ed25519 key this node uses to
// sign content it publishes itself, generating one on first run.
func (r *repoLayout) loadOrCreatePrivateKey() (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(r.privKeyFile())
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, errkind.Wrap(errkind.ConfigError, fmt.Errorf("%s: wrong key size %d", r.privKeyFile(), len(data)))
		}
		return ed25519.PrivateKey(data), nil
	}
	if !os.IsNotExist(err) {
		return nil, errkind.Wrap(errkind.ConfigError, fmt.Errorf("reading %s: %w", r.privKeyFile(), err))
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigError, fmt.Errorf("generating private key: %w", err))
	}
	if err := os.WriteFile(r.privKeyFile(), priv, 0o600); err != nil {
		return nil, errkind.Wrap(errkind.ConfigError, fmt.Errorf("writing %s: %w", r.privKeyFile(), err))
	}
	return priv, nil
}

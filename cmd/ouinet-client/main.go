// Command ouinet-client runs a single ouinet peer: a BitTorrent Mainline
// DHT node, an announcer keeping the repo's published groups discoverable,
// a local peer discovery listener for same-subnet peers, a content-store
// backed server answering other peers' requests, and (via the fetch
// subcommand) the multi-peer reader pulling content in.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/equalitie/ouinet-sub002/internal/announcer"
	"github.com/equalitie/ouinet-sub002/internal/bittorrent"
	"github.com/equalitie/ouinet-sub002/internal/errkind"
	"github.com/equalitie/ouinet-sub002/internal/httpstore"
	"github.com/equalitie/ouinet-sub002/internal/lpd"
	"github.com/equalitie/ouinet-sub002/internal/metrics"
	"github.com/equalitie/ouinet-sub002/internal/reader"
	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

const announceConcurrency = 16

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	var repoPath string
	var listenOnTCP string
	var metricsAddr string
	var debugTrace bool

	root := &cobra.Command{Use: "ouinet-client"}
	root.PersistentFlags().StringVar(&repoPath, "repo", "", "path to the node's repository directory")
	root.PersistentFlags().StringVar(&listenOnTCP, "listen-on-tcp", "127.0.0.1:0", "local address peers connect to for content and the DHT binds alongside")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the DHT node, announcer, local peer discovery and peer server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), repoPath, listenOnTCP, metricsAddr, debugTrace, log)
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-on-tcp", "", "address to serve Prometheus metrics on; empty disables it")
	serveCmd.Flags().BoolVar(&debugTrace, "debug-trace", false, "log every inbound/outbound DHT datagram at debug level via zap")

	var pubB64, group string
	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "fetch one group's content via the DHT and multi-peer reader, caching it locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), repoPath, listenOnTCP, pubB64, group, log)
		},
	}
	fetchCmd.Flags().StringVar(&pubB64, "pub", "", "base64 Ed25519 public key of the group's publisher")
	fetchCmd.Flags().StringVar(&group, "group", "", "group/URI name to fetch")

	var publishGroup, contentType string
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "sign content read from stdin under this node's own key and cache it as the named group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), repoPath, listenOnTCP, publishGroup, contentType, log)
		},
	}
	publishCmd.Flags().StringVar(&publishGroup, "group", "", "group/URI name to publish under")
	publishCmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "Content-Type header to sign over the body")

	root.AddCommand(serveCmd, fetchCmd, publishCmd)

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps the error taxonomy to the three-value exit contract:
// 0 on clean stop (nil error, handled by cobra itself), 1 on a
// configuration problem, 2 when the local store was found corrupted.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errkind.StoreCorruption):
		return 2
	case errors.Is(err, errkind.ConfigError):
		return 1
	default:
		return 1
	}
}

func openRepo(repoPath string, log *logrus.Entry) (*repoLayout, *httpstore.Store, *httpstore.PersistentLRU, *httpstore.GroupIndex, error) {
	if repoPath == "" {
		return nil, nil, nil, nil, errkind.Wrap(errkind.ConfigError, fmt.Errorf("--repo is required"))
	}
	repo := newRepoLayout(repoPath)
	if err := repo.ensureDirs(); err != nil {
		return nil, nil, nil, nil, err
	}
	store, err := httpstore.Open(repo.cacheDir())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	groups, err := httpstore.LoadGroupIndex(repo.groupsDir())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	lru, err := httpstore.LoadPersistentLRU(repo.lruDir(), defaultCacheCapacity, func(key string, value []byte) {
		group := string(value)
		if group != "" {
			if err := groups.Tombstone(group, key); err != nil {
				log.WithError(err).WithField("key", key).Warn("failed to tombstone evicted entry")
			}
		}
		store.Remove(key)
		if group != "" {
			if err := groups.Forget(group, key); err != nil {
				log.WithError(err).WithField("key", key).Warn("failed to forget evicted entry")
			}
		}
		metrics.StoreEvictions.Inc()
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	metrics.StoreEntries.Set(float64(lru.Len()))
	return repo, store, lru, groups, nil
}

// defaultCacheCapacity bounds how many entries the persistent LRU keeps
// before evicting the least recently touched one.
const defaultCacheCapacity = 10000

// defaultPeerPort is the conventional BitTorrent DHT port tried once a
// settings port and a repo's own last-used-port hint have both failed or
// gone unset.
const defaultPeerPort = 6881

// bindPeerPort binds the TCP listener peers connect to for content,
// retrying across the sequence spec §4.A names for recovering from a port
// already in use: the address's own port if one was explicitly pinned (a
// nonzero port in listenAddr), then the repo's last-used-port hint, then
// the conventional default DHT port, finally an OS-chosen ephemeral port.
// The DHT's UDP socket is bound on the same port number this returns, so a
// single retry sequence covers both.
func bindPeerPort(repo *repoLayout, listenAddr string, log *logrus.Entry) (*net.TCPListener, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigError, fmt.Errorf("invalid --listen-on-tcp address %q: %w", listenAddr, err))
	}
	settingsPort, _ := strconv.Atoi(portStr)

	var candidates []int
	if settingsPort != 0 {
		candidates = append(candidates, settingsPort)
	}
	if hint, ok := repo.loadLastUsedPort(); ok && hint != settingsPort {
		candidates = append(candidates, hint)
	}
	if defaultPeerPort != settingsPort {
		candidates = append(candidates, defaultPeerPort)
	}
	candidates = append(candidates, 0)

	var lastErr error
	for _, port := range candidates {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			bound := ln.Addr().(*net.TCPAddr).Port
			repo.saveLastUsedPort(bound)
			return ln.(*net.TCPListener), nil
		}
		log.WithError(err).WithField("port", port).Debug("peer port unavailable, trying next candidate")
		lastErr = err
	}
	return nil, errkind.Wrap(errkind.ConfigError, fmt.Errorf("binding peer listener %s: %w", listenAddr, lastErr))
}

// seedAnnouncer populates a with every group/key already on disk, so a
// restarted node keeps re-announcing content it fetched or published in a
// previous run instead of starting from an empty queue. A group's
// infohash is rederived from one of its members' own signed head rather
// than persisted separately, since the keyId a response was signed under
// already determines it.
func seedAnnouncer(a *announcer.Announcer, store *httpstore.Store, groups *httpstore.GroupIndex, log *logrus.Entry) {
	for _, group := range groups.Groups() {
		for _, key := range groups.Members(group) {
			entry, err := store.Get(key)
			if err != nil {
				log.WithError(err).WithField("key", key).Warn("skipping unreadable cache entry while seeding announcer")
				continue
			}
			keyID, ok := signedhttp.KeyIDFromHead(entry.Head)
			if !ok {
				continue
			}
			pub, ok := signedhttp.SelfCertifyingResolver(keyID)
			if !ok {
				continue
			}
			infohash := reader.InfoHash(pub, signedhttp.Version, group)
			a.Add(key, group, infohash)
		}
	}
}

func runServe(ctx context.Context, repoPath, listenOnTCP, metricsAddr string, debugTrace bool, log *logrus.Entry) error {
	repo, store, _, groups, err := openRepo(repoPath, log)
	if err != nil {
		return err
	}

	selfID, err := repo.loadOrCreateNodeID()
	if err != nil {
		return err
	}

	ln, err := bindPeerPort(repo, listenOnTCP, log)
	if err != nil {
		return err
	}
	defer ln.Close()
	tcpPort := ln.Addr().(*net.TCPAddr).Port

	dhtAddr := fmt.Sprintf(":%d", tcpPort)
	memStore := bittorrent.NewMemStore()
	node, err := bittorrent.NewNode(selfID, dhtAddr, memStore, log)
	if err != nil {
		return errkind.Wrap(errkind.ConfigError, fmt.Errorf("binding DHT socket %s: %w", dhtAddr, err))
	}
	if debugTrace {
		traceLogger, err := zap.NewDevelopment()
		if err != nil {
			return errkind.Wrap(errkind.ConfigError, err)
		}
		defer traceLogger.Sync()
		node.SetPacketTrace(traceLogger)
	}
	node.Start()
	defer node.Close()

	if metricsAddr != "" {
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer metricsSrv.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if seeds, err := loadBootstrapAddrs(repo.bootstrapFile()); err != nil {
		return errkind.Wrap(errkind.ConfigError, err)
	} else if len(seeds) > 0 {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(runCtx, 30*time.Second)
		if err := node.Bootstrap(bootstrapCtx, seeds); err != nil {
			log.WithError(err).Warn("DHT bootstrap did not fully complete")
		}
		bootstrapCancel()
	}

	a := announcer.New(func(ctx context.Context, infohash bittorrent.NodeID) error {
		return node.AnnounceToSwarm(ctx, infohash, tcpPort)
	}, announceConcurrency, log)
	seedAnnouncer(a, store, groups, log)
	go a.Run(runCtx)

	disc, err := lpd.New(lpd.RandomPeerID(), []string{fmt.Sprintf(":%d", tcpPort)}, nil, log)
	if err != nil {
		log.WithError(err).Warn("local peer discovery unavailable on this host")
	} else {
		defer disc.Close()
		go disc.Run()
		disc.Query()
	}

	srv := newPeerServer(store, log)
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.serve(runCtx, ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		log.Info("shutting down")
		cancel()
		ln.Close()
		<-serveErrCh
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func runFetch(ctx context.Context, repoPath, listenOnTCP, pubB64, group string, log *logrus.Entry) error {
	if pubB64 == "" || group == "" {
		return errkind.Wrap(errkind.ConfigError, fmt.Errorf("--pub and --group are required"))
	}
	pubRaw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil || len(pubRaw) != ed25519.PublicKeySize {
		return errkind.Wrap(errkind.ConfigError, fmt.Errorf("invalid --pub value"))
	}
	pub := ed25519.PublicKey(pubRaw)

	repo, store, lru, groups, err := openRepo(repoPath, log)
	if err != nil {
		return err
	}

	selfID, err := repo.loadOrCreateNodeID()
	if err != nil {
		return err
	}
	node, err := bittorrent.NewNode(selfID, "127.0.0.1:0", bittorrent.NewMemStore(), log)
	if err != nil {
		return errkind.Wrap(errkind.ConfigError, fmt.Errorf("binding ephemeral DHT socket: %w", err))
	}
	node.Start()
	defer node.Close()

	if seeds, err := loadBootstrapAddrs(repo.bootstrapFile()); err != nil {
		return errkind.Wrap(errkind.ConfigError, err)
	} else if len(seeds) > 0 {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 30*time.Second)
		defer bootstrapCancel()
		if err := node.Bootstrap(bootstrapCtx, seeds); err != nil {
			log.WithError(err).Warn("DHT bootstrap did not fully complete")
		}
	}

	pipeline := &fetchPipeline{
		node:   node,
		reader: reader.NewReader(signedhttp.SelfCertifyingResolver, log),
		store:  store,
		groups: groups,
		lru:    lru,
		log:    log,
	}

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 2*time.Minute)
	defer fetchCancel()
	entry, err := pipeline.Fetch(fetchCtx, pub, group)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(entry.Body)
	return err
}

func runPublish(ctx context.Context, repoPath, listenOnTCP, group, contentType string, log *logrus.Entry) error {
	if group == "" {
		return errkind.Wrap(errkind.ConfigError, fmt.Errorf("--group is required"))
	}
	repo, store, lru, groups, err := openRepo(repoPath, log)
	if err != nil {
		return err
	}
	priv, err := repo.loadOrCreatePrivateKey()
	if err != nil {
		return err
	}
	selfID, err := repo.loadOrCreateNodeID()
	if err != nil {
		return err
	}

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return errkind.Wrap(errkind.ConfigError, fmt.Errorf("reading stdin: %w", err))
	}

	ln, err := bindPeerPort(repo, listenOnTCP, log)
	if err != nil {
		return err
	}
	tcpPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	node, err := bittorrent.NewNode(selfID, fmt.Sprintf(":%d", tcpPort), bittorrent.NewMemStore(), log)
	if err != nil {
		return errkind.Wrap(errkind.ConfigError, fmt.Errorf("binding DHT socket: %w", err))
	}
	node.Start()
	defer node.Close()

	if seeds, err := loadBootstrapAddrs(repo.bootstrapFile()); err != nil {
		return errkind.Wrap(errkind.ConfigError, err)
	} else if len(seeds) > 0 {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 30*time.Second)
		defer bootstrapCancel()
		if err := node.Bootstrap(bootstrapCtx, seeds); err != nil {
			log.WithError(err).Warn("DHT bootstrap did not fully complete")
		}
	}

	pub := &publishPipeline{priv: priv, node: node, store: store, groups: groups, lru: lru, log: log}
	head := &signedhttp.Head{Status: 200, Fields: []signedhttp.HeadField{{Name: "Content-Type", Value: contentType}}}
	publishCtx, publishCancel := context.WithTimeout(ctx, 30*time.Second)
	defer publishCancel()
	_, err = pub.Publish(publishCtx, group, head, body, tcpPort)
	return err
}

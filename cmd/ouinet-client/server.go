package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/equalitie/ouinet-sub002/internal/httpstore"
	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

// peerServer answers other peers' GET requests for keys this node has
// committed to its local store, the server half of the same minimal
// cache-protocol the multi-peer reader speaks as a client.
type peerServer struct {
	store *httpstore.Store
	log   *logrus.Entry
}

func newPeerServer(store *httpstore.Store, log *logrus.Entry) *peerServer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &peerServer{store: store, log: log}
}

func (p *peerServer) serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("peer server: accept: %w", err)
			}
		}
		go p.handleConn(conn)
	}
}

func (p *peerServer) handleConn(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	requestLine, err := br.ReadString('\n')
	if err != nil {
		return
	}
	// Discard the blank line terminating the minimal request.
	br.ReadString('\n')

	key, err := parseGETLine(requestLine)
	if err != nil {
		p.log.WithError(err).Debug("peer server: malformed request")
		return
	}

	storageKey := httpstore.KeyFor(key)
	entry, err := p.store.Get(storageKey)
	if err != nil {
		fmt.Fprintf(conn, "HTTP/1.1 404\r\n\r\n")
		return
	}

	if err := writeEntry(conn, entry); err != nil {
		p.log.WithError(err).WithField("key", key).Debug("peer server: write failed")
	}
}

func parseGETLine(line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	const prefix = "GET "
	const suffix = " OUINET/1"
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, suffix) {
		return "", fmt.Errorf("malformed request line %q", line)
	}
	return line[len(prefix) : len(line)-len(suffix)], nil
}

// writeEntry streams a stored entry back down the wire in the same
// status-line/headers/chunked-body/trailer shape readResponseHead and
// signedhttp.NewWireSession expect on the requesting peer's end.
func writeEntry(w io.Writer, entry *httpstore.Entry) error {
	if err := writeHead(w, entry.Head); err != nil {
		return err
	}
	var offset int64
	for _, sig := range entry.Sigs {
		block := entry.Body[offset:sig.OffsetEnd]
		offset = sig.OffsetEnd
		if err := signedhttp.WriteChunk(w, block, sig.Sig); err != nil {
			return err
		}
	}
	return signedhttp.WriteLastChunk(w, entry.Trailer)
}

func writeHead(w io.Writer, h *signedhttp.Head) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d\r\n", h.Status); err != nil {
		return err
	}
	for _, f := range h.Fields {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

package reader

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

// writeRequest sends the minimal cache-protocol GET line a peer answers
// with a full signed response: the content key followed by a blank line,
// mirroring the plain-request half of an HTTP/1.0 exchange.
func writeRequest(w io.Writer, key string) error {
	_, err := fmt.Fprintf(w, "GET %s OUINET/1\r\n\r\n", key)
	return err
}

// readResponseHead parses the status-line-plus-headers block a peer sends
// ahead of its chunked, signed body.
func readResponseHead(r *bufio.Reader) (*signedhttp.Head, error) {
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reader: reading status line: %w", err)
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")
	parts := strings.SplitN(statusLine, " ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("reader: malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("reader: malformed status code %q: %w", parts[1], err)
	}
	h := &signedhttp.Head{Status: status}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reader: reading header line: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("reader: malformed header line %q", line)
		}
		h.Fields = append(h.Fields, signedhttp.HeadField{
			Name:  strings.TrimSpace(line[:colon]),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}
	return h, nil
}

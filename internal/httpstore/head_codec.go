package httpstore

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/equalitie/ouinet-sub002/internal/signedhttp"
)

// EncodeHead renders a canonical head to the exact bytes stored in an
// entry's "head" file: a status line followed by one "name: value" line
// per field in canonical order, terminated by a blank line.
func EncodeHead(h *signedhttp.Head) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d\n", h.Status)
	for _, f := range h.Fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// EncodeTrailer renders a trailer field list to the exact bytes stored in
// an entry's "trailer" file: one "name: value" line per field, terminated
// by a blank line. The trailer has no status line since it is never a full
// head, just the X-Ouinet-Data-Size/Digest/X-Ouinet-Sig1 fields a streaming
// writer appends after the last body chunk.
func EncodeTrailer(fields []signedhttp.HeadField) []byte {
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// DecodeTrailer parses bytes produced by EncodeTrailer back into a field
// list.
func DecodeTrailer(data []byte) ([]signedhttp.HeadField, error) {
	r := bufio.NewReader(strings.NewReader(string(data)))
	var fields []signedhttp.HeadField
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("httpstore: reading trailer line: %w", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("httpstore: malformed trailer line %q", line)
		}
		fields = append(fields, signedhttp.HeadField{
			Name:  strings.TrimSpace(line[:colon]),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}
	return fields, nil
}

// DecodeHead parses bytes produced by EncodeHead back into a Head.
func DecodeHead(data []byte) (*signedhttp.Head, error) {
	r := bufio.NewReader(strings.NewReader(string(data)))
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("httpstore: reading status line: %w", err)
	}
	statusLine = strings.TrimRight(statusLine, "\n")
	parts := strings.SplitN(statusLine, " ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("httpstore: malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("httpstore: malformed status code %q: %w", parts[1], err)
	}
	h := &signedhttp.Head{Status: status}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("httpstore: reading header line: %w", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("httpstore: malformed header line %q", line)
		}
		h.Fields = append(h.Fields, signedhttp.HeadField{
			Name:  strings.TrimSpace(line[:colon]),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}
	return h, nil
}

// Package signedhttp implements the signed-HTTP content-addressed wire and
// storage format: per-response Ed25519 head signatures, a SHA-512 block
// hash chain, and incremental verification that surfaces partial results up
// to the first bad block.
package signedhttp

import "strings"

// Version is the current X-Ouinet-Version value this codec produces and
// accepts.
const Version = 3

// Head is a response head: an HTTP status plus an ordered sequence of
// fields. Order is part of the canonical form, so it is kept as a slice
// rather than a map.
type Head struct {
	Status int
	Fields []HeadField
}

// HeadField is a single header line.
type HeadField struct {
	Name  string
	Value string
}

// Get returns the first value for name (case-insensitive), or "" if absent.
func (h *Head) Get(name string) string {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Set replaces the first field named name, or appends it if absent.
func (h *Head) Set(name, value string) {
	for i, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			h.Fields[i].Value = value
			return
		}
	}
	h.Fields = append(h.Fields, HeadField{Name: name, Value: value})
}

// FieldNames returns every field name in canonical (head) order, lower-cased.
func (h *Head) FieldNames() []string {
	out := make([]string, len(h.Fields))
	for i, f := range h.Fields {
		out[i] = strings.ToLower(f.Name)
	}
	return out
}

// Clone returns a deep copy so a verifier can mutate a working head (e.g.
// append trailer-derived fields for Sig1) without touching the caller's.
func (h *Head) Clone() *Head {
	out := &Head{Status: h.Status, Fields: make([]HeadField, len(h.Fields))}
	copy(out.Fields, h.Fields)
	return out
}

// SigningString builds the canonical HTTP-Message-Signatures string covering
// coveredFields in order: each line is "name: value", pseudo-headers (those
// starting with "(") are pulled from pseudo instead of the head, real
// headers are pulled from h. The string is LF-joined with no trailing LF.
func (h *Head) SigningString(coveredFields []string, pseudo map[string]string) string {
	lines := make([]string, len(coveredFields))
	for i, name := range coveredFields {
		lname := strings.ToLower(name)
		var value string
		if strings.HasPrefix(lname, "(") {
			value = pseudo[lname]
		} else {
			value = h.Get(name)
		}
		lines[i] = lname + ": " + value
	}
	return strings.Join(lines, "\n")
}

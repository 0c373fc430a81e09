// Package bencode implements BEP-3 bencoding: a minimal, canonical,
// self-delimiting encoding for integers, byte strings, lists and
// dictionaries, used by every KRPC (BEP-5/BEP-44) message on the wire and by
// the canonical signing strings for mutable data items.
package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Limits bound decoder resource usage against malicious input. The zero
// value of Limits disables all three checks; use DefaultLimits for sane
// production bounds.
type Limits struct {
	MaxIntDigits int // maximum digits in an integer's decimal representation
	MaxStringLen int // maximum byte length of a string value
	MaxDepth     int // maximum nesting depth of lists/dicts
}

// DefaultLimits matches what a DHT/KRPC participant should tolerate from an
// untrusted peer: BEP-44 caps values at 1000 bytes, but node replies carrying
// compact peer/node lists can run larger, so the string bound here is more
// generous than the BEP-44 put limit (which is enforced separately by the
// data store, not the codec).
var DefaultLimits = Limits{
	MaxIntDigits: 16,
	MaxStringLen: 64 * 1024,
	MaxDepth:     32,
}

// Value is a decoded bencoded value: int64, string, []Value, or
// map[string]Value. Decode always returns one of these four dynamic types.
type Value interface{}

// List is the decoded form of a bencoded list.
type List = []Value

// Dict is the decoded form of a bencoded dictionary. Go map iteration order
// is undefined, so Encode re-sorts keys; Dict itself carries no order.
type Dict = map[string]Value

// Encode serializes v (int64, string, []byte, List, Dict, or a value built
// from those) into canonical bencoding: dictionary keys are always emitted
// in ascending byte order, which is what the signed-HTTP canonical signing
// strings and BEP-44 "v" commitments both require.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch t := v.(type) {
	case int64:
		fmt.Fprintf(buf, "i%de", t)
	case int:
		fmt.Fprintf(buf, "i%de", t)
	case string:
		encodeString(buf, []byte(t))
	case []byte:
		encodeString(buf, t)
	case List:
		buf.WriteByte('l')
		for _, e := range t {
			encodeValue(buf, e)
		}
		buf.WriteByte('e')
	case Dict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeString(buf, []byte(k))
			encodeValue(buf, t[k])
		}
		buf.WriteByte('e')
	default:
		panic(fmt.Sprintf("bencode: unsupported type %T", v))
	}
}

func encodeString(buf *bytes.Buffer, s []byte) {
	fmt.Fprintf(buf, "%d:", len(s))
	buf.Write(s)
}

// Decode parses a single bencoded value from the front of b, using
// DefaultLimits, and returns it along with the number of bytes consumed.
func Decode(b []byte) (Value, int, error) {
	return DecodeLimited(b, DefaultLimits)
}

// DecodeLimited parses a single bencoded value from the front of b, bounded
// by lim. A zero Limits disables the corresponding check.
func DecodeLimited(b []byte, lim Limits) (Value, int, error) {
	d := &decoder{buf: b, lim: lim}
	v, err := d.value(0)
	if err != nil {
		return nil, 0, err
	}
	return v, d.pos, nil
}

type decoder struct {
	buf []byte
	pos int
	lim Limits
}

func (d *decoder) value(depth int) (Value, error) {
	if d.lim.MaxDepth > 0 && depth > d.lim.MaxDepth {
		return nil, fmt.Errorf("bencode: nesting depth exceeds %d", d.lim.MaxDepth)
	}
	if d.pos >= len(d.buf) {
		return nil, fmt.Errorf("bencode: unexpected end of input")
	}
	switch c := d.buf[d.pos]; {
	case c == 'i':
		return d.integer()
	case c == 'l':
		return d.list(depth)
	case c == 'd':
		return d.dict(depth)
	case c >= '0' && c <= '9':
		return d.string()
	default:
		return nil, fmt.Errorf("bencode: invalid type marker %q at offset %d", c, d.pos)
	}
}

func (d *decoder) integer() (Value, error) {
	end := bytes.IndexByte(d.buf[d.pos:], 'e')
	if end < 0 {
		return nil, fmt.Errorf("bencode: unterminated integer")
	}
	digits := d.buf[d.pos+1 : d.pos+end]
	numDigits := len(digits)
	if numDigits > 0 && digits[0] == '-' {
		numDigits--
	}
	if d.lim.MaxIntDigits > 0 && numDigits > d.lim.MaxIntDigits {
		return nil, fmt.Errorf("bencode: integer has %d digits, limit %d", numDigits, d.lim.MaxIntDigits)
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bencode: invalid integer %q: %w", digits, err)
	}
	d.pos += end + 1
	return n, nil
}

func (d *decoder) string() (Value, error) {
	colon := bytes.IndexByte(d.buf[d.pos:], ':')
	if colon < 0 {
		return nil, fmt.Errorf("bencode: malformed string length")
	}
	lenDigits := d.buf[d.pos : d.pos+colon]
	if d.lim.MaxIntDigits > 0 && len(lenDigits) > d.lim.MaxIntDigits {
		return nil, fmt.Errorf("bencode: string length prefix too long")
	}
	n, err := strconv.Atoi(string(lenDigits))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bencode: invalid string length %q", lenDigits)
	}
	if d.lim.MaxStringLen > 0 && n > d.lim.MaxStringLen {
		return nil, fmt.Errorf("bencode: string length %d exceeds limit %d", n, d.lim.MaxStringLen)
	}
	start := d.pos + colon + 1
	if start+n > len(d.buf) {
		return nil, fmt.Errorf("bencode: string runs past end of input")
	}
	s := string(d.buf[start : start+n])
	d.pos = start + n
	return s, nil
}

func (d *decoder) list(depth int) (Value, error) {
	d.pos++ // 'l'
	var out List
	for {
		if d.pos >= len(d.buf) {
			return nil, fmt.Errorf("bencode: unterminated list")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return out, nil
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func (d *decoder) dict(depth int) (Value, error) {
	d.pos++ // 'd'
	out := Dict{}
	for {
		if d.pos >= len(d.buf) {
			return nil, fmt.Errorf("bencode: unterminated dict")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return out, nil
		}
		kv, err := d.string()
		if err != nil {
			return nil, fmt.Errorf("bencode: dict key: %w", err)
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		out[kv.(string)] = v
	}
}

// Marshal encodes a Go struct into bencoding using `bencode:"name,omitempty"`
// field tags, mirroring the struct-tag convention used by every Go BitTorrent
// implementation in the retrieval corpus (e.g. the krpc.Msg tagging style).
func Marshal(v interface{}) ([]byte, error) {
	dv, err := toValue(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return Encode(dv), nil
}

// Unmarshal decodes bencoded data into a struct pointed to by v, using the
// same `bencode:"name,omitempty"` tags as Marshal.
func Unmarshal(data []byte, v interface{}) error {
	dv, _, err := Decode(data)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bencode: Unmarshal target must be a non-nil pointer")
	}
	return fromValue(dv, rv.Elem())
}

// Package codec renders raw ledger entry payloads as text for JSON responses.
//
// Two representations are supported: UTF-8 text (the default) and lowercase
// hexadecimal. The codec is selected per request through a free-form hint;
// anything other than "hex" (case-insensitive) falls back to UTF-8.
package codec

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Codec names a payload representation.
type Codec string

const (
	UTF8 Codec = "utf8"
	Hex  Codec = "hex"
)

// Parse maps a request hint to a Codec. Unknown and empty hints map to UTF8.
func Parse(hint string) Codec {
	if strings.EqualFold(hint, string(Hex)) {
		return Hex
	}
	return UTF8
}

// Decode renders raw according to hint.
func Decode(raw []byte, hint string) string {
	return Parse(hint).Decode(raw)
}

// Decode renders raw in the codec's representation.
// Each malformed UTF-8 sequence is replaced with one U+FFFD rather than
// rejected.
func (c Codec) Decode(raw []byte) string {
	if c == Hex {
		return hex.EncodeToString(raw)
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	var b strings.Builder
	b.Grow(len(raw) + 8)
	for len(raw) > 0 {
		r, n := utf8.DecodeRune(raw)
		if r == utf8.RuneError && n <= 1 {
			n = malformedLen(raw)
		}
		b.WriteRune(r)
		raw = raw[n:]
	}
	return b.String()
}

// malformedLen returns the length of the maximal subpart of an ill-formed
// sequence at the start of p: a lead byte plus the continuation bytes that
// could still have completed it. That subpart becomes a single U+FFFD.
func malformedLen(p []byte) int {
	var need int
	lo, hi := byte(0x80), byte(0xBF)
	switch b := p[0]; {
	case b >= 0xC2 && b <= 0xDF:
		need = 1
	case b == 0xE0:
		need, lo = 2, 0xA0
	case b == 0xED:
		need, hi = 2, 0x9F
	case b >= 0xE1 && b <= 0xEF:
		need = 2
	case b == 0xF0:
		need, lo = 3, 0x90
	case b == 0xF4:
		need, hi = 3, 0x8F
	case b >= 0xF1 && b <= 0xF3:
		need = 3
	default:
		return 1
	}
	n := 1
	for ; n <= need && n < len(p); n++ {
		if p[n] < lo || p[n] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return n
}

// Encode is the inverse of Decode for request bodies: hex content is
// decoded to bytes, anything else is taken as UTF-8 text.
func (c Codec) Encode(content string) ([]byte, error) {
	if c == Hex {
		b, err := hex.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("invalid hex content: %w", err)
		}
		return b, nil
	}
	return []byte(content), nil
}

// Package codec implements the agent's payload obfuscation: every character
// of the JSON text is written as its code point, zero-padded to three
// decimal digits, with no separators ("A" -> "065").
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"beacon/internal/domain"
)

const (
	chunkWidth   = 3
	maxCodePoint = 999
)

// Decoder reverses the 3-digit encoding. The zero value is strict: any
// chunk that is not three decimal digits fails the whole decode. Lenient
// mode reads each chunk the way the legacy relay did: leading whitespace
// and an optional sign are allowed, the longest digit prefix is used
// ("12x" -> 12), a chunk with no digits is skipped, and the value is
// reduced to 16 bits like a UTF-16 code unit.
type Decoder struct {
	Lenient bool
}

func (d Decoder) Decode(encoded string) (domain.DecodedPayload, error) {
	var text strings.Builder
	text.Grow(len(encoded) / chunkWidth)
	// A trailing partial chunk is dropped.
	for i := 0; i+chunkWidth <= len(encoded); i += chunkWidth {
		chunk := encoded[i : i+chunkWidth]
		if d.Lenient {
			if code, ok := parseChunkPrefix(chunk); ok {
				text.WriteRune(rune(code))
			}
			continue
		}
		code, ok := parseChunk(chunk)
		if !ok {
			return domain.DecodedPayload{}, fmt.Errorf("%w: invalid chunk at offset %d", domain.ErrDecodeFailure, i)
		}
		text.WriteRune(rune(code))
	}

	raw := []byte(text.String())
	if !json.Valid(raw) {
		return domain.DecodedPayload{}, fmt.Errorf("%w: payload is not valid json", domain.ErrDecodeFailure)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return domain.DecodedPayload{}, fmt.Errorf("%w: %v", domain.ErrDecodeFailure, err)
	}
	return domain.DecodedPayload{Raw: json.RawMessage(raw), Tree: tree}, nil
}

func parseChunk(chunk string) (int, bool) {
	code := 0
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		code = code*10 + int(c-'0')
	}
	return code, true
}

// parseChunkPrefix parses an optional sign and the longest digit prefix
// after leading whitespace. Surrogate results become U+FFFD on write.
func parseChunkPrefix(chunk string) (int, bool) {
	rest := strings.TrimLeft(chunk, " \t\n\v\f\r")
	negative := false
	if rest != "" && (rest[0] == '+' || rest[0] == '-') {
		negative = rest[0] == '-'
		rest = rest[1:]
	}
	code, digits := 0, 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		code = code*10 + int(rest[digits]-'0')
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	if negative {
		code = -code
	}
	return int(uint16(code)), true
}

// Decode decodes with the strict decoder.
func Decode(encoded string) (domain.DecodedPayload, error) {
	return Decoder{}.Decode(encoded)
}

// Encode marshals v to JSON and encodes the result. Characters above code
// point 999 only occur inside JSON strings, so they are written as \u
// escapes and the encoding stays loss-free for every JSON value.
func Encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return EncodeJSON(raw)
}

// EncodeJSON encodes already-serialized JSON text.
func EncodeJSON(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("json text is not valid utf-8")
	}
	var out strings.Builder
	out.Grow(len(raw) * chunkWidth)
	for _, r := range string(raw) {
		if r <= maxCodePoint {
			writeCodePoint(&out, r)
			continue
		}
		for _, unit := range utf16Units(r) {
			for _, c := range fmt.Sprintf(`\u%04x`, unit) {
				writeCodePoint(&out, c)
			}
		}
	}
	return out.String(), nil
}

// EncodeString encodes s verbatim and fails on characters that do not fit
// in three digits.
func EncodeString(s string) (string, error) {
	var out strings.Builder
	out.Grow(len(s) * chunkWidth)
	for i, r := range s {
		if r == utf8.RuneError || r > maxCodePoint {
			return "", fmt.Errorf("character at byte %d exceeds code point %d", i, maxCodePoint)
		}
		writeCodePoint(&out, r)
	}
	return out.String(), nil
}

func writeCodePoint(out *strings.Builder, r rune) {
	fmt.Fprintf(out, "%03d", r)
}

func utf16Units(r rune) []uint16 {
	if r < 0x10000 {
		return []uint16{uint16(r)}
	}
	hi, lo := utf16.EncodeRune(r)
	return []uint16{uint16(hi), uint16(lo)}
}

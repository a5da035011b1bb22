package filter

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"
)

// Encode builds the filter token selecting required from fm.
//
// The bit vector has one bit per known field. Bit index 0 is the most
// significant bit of the first byte, and a trailing partial byte is padded
// with zero bits on the right. Each byte becomes one character whose code
// point is the byte value, and the resulting string is percent-encoded the
// way a browser's encodeURIComponent does, so the token can be spliced into a
// query string as is.
func Encode(required []string, fm *FieldMap) (string, error) {
	fields, err := fm.snapshot()
	if err != nil {
		return "", err
	}

	bits := make([]bool, len(fields))
	for _, name := range required {
		idx, ok := fields[name]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
		if idx < 0 || idx >= len(bits) {
			return "", fmt.Errorf("field %q has bit index %d outside %d known fields", name, idx, len(bits))
		}
		bits[idx] = true
	}

	return escapeComponent(charString(Pack(bits))), nil
}

// Decode reverses Encode, returning the selected field names in bit order.
func Decode(token string, fm *FieldMap) ([]string, error) {
	fields, err := fm.snapshot()
	if err != nil {
		return nil, err
	}

	raw, err := url.PathUnescape(token)
	if err != nil {
		return nil, fmt.Errorf("unescape filter: %w", err)
	}

	packed := make([]byte, 0, len(raw))
	for _, r := range raw {
		if r == utf8.RuneError || r > 0xFF {
			return nil, fmt.Errorf("filter contains non-byte character %U", r)
		}
		packed = append(packed, byte(r))
	}
	if want := (len(fields) + 7) / 8; len(packed) != want {
		return nil, fmt.Errorf("filter has %d bytes, want %d", len(packed), want)
	}

	names := make([]string, 0, len(fields))
	for name, idx := range fields {
		if idx >= 0 && idx < len(packed)*8 && packed[idx/8]&(0x80>>(idx%8)) != 0 {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return fields[names[i]] < fields[names[j]] })
	return names, nil
}

// Pack packs bits eight to a byte, most significant bit first.
func Pack(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

func charString(packed []byte) string {
	var sb strings.Builder
	for _, b := range packed {
		sb.WriteRune(rune(b))
	}
	return sb.String()
}

// escapeComponent matches encodeURIComponent: everything outside
// A-Z a-z 0-9 - _ . ! ~ * ' ( ) is percent-encoded as UTF-8 bytes.
func escapeComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0F])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}

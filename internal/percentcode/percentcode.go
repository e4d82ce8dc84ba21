// Package percentcode percent-encodes raw byte slices byte-by-byte, the
// way a tracker announce's info_hash and peer_id query parameters require:
// net/url's escapers assume a valid UTF-8 string and cannot be handed a
// raw 20-byte digest.
package percentcode

const upperHex = "0123456789ABCDEF"

// isUnreserved reports whether b is one of RFC 3986's unreserved
// characters, which may be passed through unescaped.
func isUnreserved(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b == '.' || b == '~':
		return true
	default:
		return false
	}
}

// Bytes percent-encodes every byte of b that falls outside the unreserved
// set, escaping each such byte as %XX.
func Bytes(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		if isUnreserved(c) {
			out = append(out, c)
			continue
		}
		out = append(out, '%', upperHex[c>>4], upperHex[c&0x0F])
	}
	return string(out)
}

package discovery

import (
	"fmt"
	"strings"
)

// DNS-SD instance names travel in presentation format where bytes outside
// the printable ASCII range appear as \DDD decimal escapes and the
// characters '.' and '\' are backslash-escaped. UTF-8 instance names
// therefore arrive as one escape per byte and must be reassembled
// byte-wise before interpreting the result as UTF-8.

// decodeDNSEscapes undoes presentation-format escaping byte by byte.
func decodeDNSEscapes(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			buf = append(buf, c)
			continue
		}
		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			n := int(s[i+1]-'0')*100 + int(s[i+2]-'0')*10 + int(s[i+3]-'0')
			if n <= 255 {
				buf = append(buf, byte(n))
				i += 3
				continue
			}
		}
		if i+1 < len(s) {
			buf = append(buf, s[i+1])
			i++
		}
	}
	return string(buf)
}

// encodeDNSLabel escapes an instance name into a single presentation-format
// label, the inverse of decodeDNSEscapes.
func encodeDNSLabel(s string) string {
	var sb strings.Builder
	for _, b := range []byte(s) {
		switch {
		case b == '.' || b == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(b)
		case b < '!' || b > '~':
			fmt.Fprintf(&sb, "\\%03d", b)
		default:
			sb.WriteByte(b)
		}
	}
	return sb.String()
}

// nameEq compares two presentation-format names after decoding escapes,
// so "Office\032Mac" and "Office\ Mac" name the same instance.
func nameEq(a, b string) bool {
	return strings.EqualFold(decodeDNSEscapes(a), decodeDNSEscapes(b))
}

// firstLabel returns the leading label of a presentation-format name,
// honoring backslash escapes.
func firstLabel(fqdn string) string {
	for i := 0; i < len(fqdn); i++ {
		switch fqdn[i] {
		case '\\':
			i++
		case '.':
			return fqdn[:i]
		}
	}
	return fqdn
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

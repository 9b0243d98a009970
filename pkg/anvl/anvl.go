// Package anvl implements the line-oriented key/value serialization used by
// the API and the binder protocol: one "label: value" element per line,
// percent-hex escaping of CR, LF and "%" (plus ":" in labels), continuation
// lines folded with a single space, "#" comment lines, and a blank line
// terminating a record.
package anvl

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ParseError reports a malformed ANVL document.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("anvl: line %d: %s", e.Line, e.Reason)
}

func encode(s string, escapeColon bool) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '%' || r == '\r' || r == '\n':
			fmt.Fprintf(&b, "%%%02X", r)
		case r == ':' && escapeColon:
			fmt.Fprintf(&b, "%%%02X", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EncodeLabel escapes a label for use on the left of the colon.
func EncodeLabel(s string) string { return encode(s, true) }

// EncodeValue escapes a value for use on the right of the colon.
func EncodeValue(s string) string { return encode(s, false) }

func decode(s string, line int) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
			return "", &ParseError{Line: line, Reason: "percent-decode error"}
		}
		b.WriteByte(hexVal(s[i+1])<<4 | hexVal(s[i+2]))
		i += 2
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// FormatPair renders one element, escaped and newline-terminated.
func FormatPair(label, value string) string {
	return EncodeLabel(label) + ": " + EncodeValue(value) + "\n"
}

// Format renders a metadata mapping as an ANVL record. Keys are emitted in
// sorted order so output is deterministic; semantics depend only on key
// equality.
func Format(d map[string]string) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(FormatPair(k, d[k]))
	}
	return b.String()
}

// Parse decodes an ANVL record into a mapping. Repeated labels are an error;
// continuation lines are appended to the previous value separated by a
// single space.
func Parse(s string) (map[string]string, error) {
	d := map[string]string{}
	last := ""
	haveLast := false
	for i, l := range splitLines(s) {
		line := i + 1
		switch {
		case len(l) == 0:
			haveLast = false
		case l[0] == '#':
			// comment
		case unicode.IsSpace(rune(l[0])):
			if !haveLast {
				return nil, &ParseError{Line: line, Reason: "no previous label for continuation line"}
			}
			ll, err := decode(l, line)
			if err != nil {
				return nil, err
			}
			ll = strings.TrimSpace(ll)
			if ll != "" {
				if d[last] == "" {
					d[last] = ll
				} else {
					d[last] += " " + ll
				}
			}
		default:
			k, v, ok := strings.Cut(l, ":")
			if !ok {
				return nil, &ParseError{Line: line, Reason: "no colon in line"}
			}
			dk, err := decode(k, line)
			if err != nil {
				return nil, err
			}
			dv, err := decode(v, line)
			if err != nil {
				return nil, err
			}
			dk = strings.TrimSpace(dk)
			dv = strings.TrimSpace(dv)
			if dk == "" {
				return nil, &ParseError{Line: line, Reason: "empty label"}
			}
			if _, dup := d[dk]; dup {
				return nil, &ParseError{Line: line, Reason: "repeated label"}
			}
			d[dk] = dv
			last = dk
			haveLast = true
		}
	}
	return d, nil
}

// splitLines splits on CR, LF and CRLF only. strings.Split on "\n" would
// leave stray CRs and splitting on unicode line breaks would be too eager.
func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			out = append(out, s[start:i])
			start = i + 1
		case '\r':
			out = append(out, s[start:i])
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

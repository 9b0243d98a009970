// Package identifier holds the canonical forms of ARK and DOI identifiers and
// the normalization rules that make two syntactically distinct spellings of
// the same identifier address the same record.
package identifier

import (
	"fmt"
	"regexp"
	"strings"

	"pidserv/pkg/sentinel"
)

// MaxLength bounds the canonical form, scheme included.
const MaxLength = 255

// Scheme constants for the two supported identifier families.
const (
	SchemeARK = "ark"
	SchemeDOI = "doi"
)

var (
	doiPattern = regexp.MustCompile(`^10\.[1-9]\d{3,4}/[!"$->@-~]+$`)

	arkNAANPattern      = regexp.MustCompile(`^((?:\d{5}(?:\d{4})?|[bcdfghjkmnpqrstvwxz]\d{4})/)([!-~]+)$`)
	arkMixedStructural  = regexp.MustCompile(`\./|/\.`)
	arkRepeatStructural = regexp.MustCompile(`([./])[./]+`)
	arkEdgeStructural   = regexp.MustCompile(`^[./]|[./]$`)
	arkSafeChar         = regexp.MustCompile(`^[0-9a-zA-Z=*+@_$~]$`)
	arkSafeOrStructural = regexp.MustCompile(`^[0-9a-zA-Z=*+@_$~./]$`)

	arkShoulderPattern = regexp.MustCompile(`^ark:/\d{5}(?:\d{4})?/[0-9a-z]*$`)
	doiShoulderPattern = regexp.MustCompile(`^doi:10\.[1-9]\d{3,4}/[0-9A-Z]*$`)
)

// ValidateDOI canonicalizes a scheme-less DOI such as "10.5072/foo".
// The canonical form is uppercased. Returns "" if invalid.
//
// Validation is more restrictive than the DOI Handbook: registrant prefixes
// are 4 or 5 digits, suffixes are graphic ASCII without "#" and "?", and
// adjacent or trailing slashes are rejected because identifiers are embedded
// directly in URLs.
func ValidateDOI(doi string) string {
	if !doiPattern.MatchString(doi) {
		return ""
	}
	if strings.Contains(doi, "//") || strings.HasSuffix(doi, "/") {
		return ""
	}
	if len(doi) > MaxLength-4 {
		return ""
	}
	return strings.ToUpper(doi)
}

// ValidateARK canonicalizes a scheme-less ARK such as "13030/foo". Hyphens
// are stripped, structural characters are consolidated, and percent-encodings
// are normalized (safe characters decoded, everything else lowercase-hex
// encoded). Returns "" if invalid.
func ValidateARK(ark string) string {
	m := arkNAANPattern.FindStringSubmatch(ark)
	if m == nil {
		return ""
	}
	p, s := m[1], m[2]
	// Hyphens are insignificant.
	s = strings.ReplaceAll(s, "-", "")
	// Dissimilar adjacent structural characters are not allowed.
	if arkMixedStructural.MatchString(s) {
		return ""
	}
	s = arkRepeatStructural.ReplaceAllString(s, "$1")
	s = arkEdgeStructural.ReplaceAllString(s, "")
	if s == "" {
		return ""
	}
	s, ok := normalizePercentEncoding(s)
	if !ok {
		return ""
	}
	if len(p)+len(s) > MaxLength-5 {
		return ""
	}
	return p + s
}

func normalizePercentEncoding(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' {
			if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
				return "", false
			}
			dec := string(rune(hexVal(s[i+1])<<4 | hexVal(s[i+2])))
			if arkSafeChar.MatchString(dec) {
				b.WriteString(dec)
			} else {
				b.WriteString(strings.ToLower(s[i : i+3]))
			}
			i += 2
			continue
		}
		if arkSafeOrStructural.MatchString(string(c)) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String(), true
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

// Normalize canonicalizes a qualified identifier ("ark:/13030/foo",
// "doi:10.5072/FOO"). The scheme is lowercased before dispatch. Returns
// ErrBadRequest if the identifier is not syntactically valid.
func Normalize(id string) (string, error) {
	if i := strings.Index(id, ":"); i > 0 {
		id = strings.ToLower(id[:i]) + id[i:]
	}
	switch {
	case strings.HasPrefix(id, "ark:/"):
		if s := ValidateARK(id[5:]); s != "" {
			return "ark:/" + s, nil
		}
	case strings.HasPrefix(id, "doi:"):
		if s := ValidateDOI(id[4:]); s != "" {
			return "doi:" + s, nil
		}
	}
	return "", fmt.Errorf("%w - invalid identifier", sentinel.ErrBadRequest)
}

// Scheme returns "ark" or "doi" for a canonical identifier.
func Scheme(id string) string {
	if strings.HasPrefix(id, "ark:/") {
		return SchemeARK
	}
	if strings.HasPrefix(id, "doi:") {
		return SchemeDOI
	}
	return ""
}

// IsValidShoulder reports whether s is an allowable minting prefix: a
// qualified identifier prefix ending at the NAAN slash or extended by a
// short alphanumeric shoulder, e.g. "ark:/99166/" or "doi:10.5072/FK2".
func IsValidShoulder(s string) bool {
	return arkShoulderPattern.MatchString(s) || doiShoulderPattern.MatchString(s)
}

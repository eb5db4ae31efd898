// Package normalize canonicalizes free-text drug and service names and date-like values
// into comparable keys shared by rule evaluation and duplicate detection.
package normalize

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultScript is the non-Latin script whose letters survive normalization
const DefaultScript = "Arabic"

// Normalizer turns names into service codes. The zero value keeps ASCII word characters only
type Normalizer struct {
	script *unicode.RangeTable
}

// Default is the normalizer used by the package-level helpers
var Default = New(unicode.Arabic)

// New creates a normalizer that additionally keeps letters and digits of script
func New(script *unicode.RangeTable) *Normalizer {
	return &Normalizer{script: script}
}

// ForScript resolves a Unicode script name such as "Arabic" or "Cyrillic".
// An empty name yields an ASCII-only normalizer
func ForScript(name string) (*Normalizer, error) {
	if name == "" {
		return &Normalizer{}, nil
	}
	table, ok := unicode.Scripts[name]
	if !ok {
		return nil, fmt.Errorf("unknown unicode script %q", name)
	}
	return New(table), nil
}

// ServiceCode lower-cases raw, strips diacritics and keeps only word characters
// and letters of the configured script. ServiceCode(ServiceCode(x)) == ServiceCode(x)
func (n *Normalizer) ServiceCode(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	lowered := strings.ToLower(raw)

	// transform.Chain keeps internal buffers, so it is built per call
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	stripped, _, err := transform.String(stripper, lowered)
	if err != nil {
		stripped = lowered
	}

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		if n.keep(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (n *Normalizer) keep(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		return true
	case r < unicode.MaxASCII:
		return false
	case n.script == nil:
		return false
	}
	return unicode.Is(n.script, r) && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

// ServiceCode normalizes raw with the Default normalizer
func ServiceCode(raw string) string {
	return Default.ServiceCode(raw)
}

// Matches reports whether a and b match under the loose alias rule used by rule
// documents: after normalization either string contains the other. Empty keys never match
func Matches(a, b string) bool {
	return MatchesCodes(ServiceCode(a), ServiceCode(b))
}

// MatchesCodes is Matches for values that are already normalized
func MatchesCodes(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// DiagnosisCode canonicalizes an ICD code: upper-case without dots or blanks
func DiagnosisCode(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if r == '.' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

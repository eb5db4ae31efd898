package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultLang is the key under which a plain-string justification is stored
const DefaultLang = "default"

// Text is a justification in one or more languages, keyed by language tag.
// Rule documents may give either a plain string or a {lang: text} object
type Text map[string]string

// Plain builds a single-language text
func Plain(lang, s string) Text {
	return Text{lang: s}
}

// In returns the text for lang, falling back to the default entry, English,
// and finally the first language in sorted order
func (t Text) In(lang string) string {
	if len(t) == 0 {
		return ""
	}
	for _, key := range []string{lang, DefaultLang, "en"} {
		if s, ok := t[key]; ok && s != "" {
			return s
		}
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return t[keys[0]]
}

// UnmarshalJSON accepts a string or an object of strings
func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*t = nil
			return nil
		}
		*t = Text{DefaultLang: s}
		return nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("justification must be a string or an object of strings: %w", err)
	}
	*t = m
	return nil
}

// UnmarshalYAML accepts a scalar or a mapping of scalars
func (t *Text) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Value == "" {
			*t = nil
			return nil
		}
		*t = Text{DefaultLang: node.Value}
		return nil
	}

	var m map[string]string
	if err := node.Decode(&m); err != nil {
		return fmt.Errorf("justification must be a string or a mapping of strings: %w", err)
	}
	*t = m
	return nil
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RedactionSentinel replaces every captured secret value.
const RedactionSentinel = "[REDACTED]"

// contextRedactionFailed is the context substituted when structured redaction
// of a nested payload fails.
const contextRedactionFailed = "context could not be redacted"

// RedactionRuleConfig describes the redaction rules for one secret-bearing
// field name in its common wire shapes.
type RedactionRuleConfig struct {
	Field   string
	Formats []RedactionFormat
}

// RedactionFormat is a format of a field that should be redacted.
type RedactionFormat string

// Supported redaction formats.
const (
	RedactionFormatJSON       RedactionFormat = "json"
	RedactionFormatAssignment RedactionFormat = "assignment"
)

// DefaultRedactionRules covers the common secret-bearing key/value shapes and
// is applied to message, stack and serialized context of every event.
// Specific keys come before generic ones so that error attribution in tests
// stays deterministic; the result is the same either way because every
// replacement writes the sentinel.
var DefaultRedactionRules = []RedactionRuleConfig{
	{Field: "access_token", Formats: []RedactionFormat{RedactionFormatJSON, RedactionFormatAssignment}},
	{Field: "client_secret", Formats: []RedactionFormat{RedactionFormatJSON, RedactionFormatAssignment}},
	{Field: "refresh_token", Formats: []RedactionFormat{RedactionFormatJSON, RedactionFormatAssignment}},
	{Field: "api_key", Formats: []RedactionFormat{RedactionFormatJSON, RedactionFormatAssignment}},
	{Field: "password", Formats: []RedactionFormat{RedactionFormatJSON, RedactionFormatAssignment}},
	{Field: "secret", Formats: []RedactionFormat{RedactionFormatJSON, RedactionFormatAssignment}},
	{Field: "token", Formats: []RedactionFormat{RedactionFormatJSON, RedactionFormatAssignment}},
}

type redactionRule struct {
	re          *regexp.Regexp
	replacement string
}

type fieldRedactor struct {
	field string // lowercase, used as a cheap containment pre-check
	rules []redactionRule
}

func newFieldRedactor(cfg RedactionRuleConfig) fieldRedactor {
	fr := fieldRedactor{field: strings.ToLower(cfg.Field)}
	for _, format := range cfg.Formats {
		switch format {
		case RedactionFormatJSON:
			fr.rules = append(fr.rules, redactionRule{
				re:          regexp.MustCompile(`(?i)"` + cfg.Field + `"\s*:\s*".*?[^\\]"`),
				replacement: `"` + cfg.Field + `": "` + RedactionSentinel + `"`,
			})
		case RedactionFormatAssignment:
			fr.rules = append(fr.rules, redactionRule{
				re:          regexp.MustCompile(`(?i)` + cfg.Field + `\s*=\s*[^&\s]+`),
				replacement: cfg.Field + "=" + RedactionSentinel,
			})
			fr.rules = append(fr.rules, redactionRule{
				re:          regexp.MustCompile(`(?i)` + cfg.Field + `\s*:\s*[^\s,}"']+`),
				replacement: cfg.Field + ": " + RedactionSentinel,
			})
		}
	}
	return fr
}

var bearerRule = redactionRule{
	re:          regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`),
	replacement: "Bearer " + RedactionSentinel,
}

// Redactor removes secret values from free-form text and from nested event
// context, replacing them with RedactionSentinel. Redaction is idempotent:
// running it over already-redacted text yields the same text.
type Redactor struct {
	fields []fieldRedactor
}

// NewRedactor creates a Redactor with the default rule set.
func NewRedactor() *Redactor {
	return NewRedactorWithRules(DefaultRedactionRules)
}

// NewRedactorWithRules creates a Redactor with a custom ordered rule set.
func NewRedactorWithRules(rules []RedactionRuleConfig) *Redactor {
	r := &Redactor{fields: make([]fieldRedactor, 0, len(rules))}
	for _, cfg := range rules {
		r.fields = append(r.fields, newFieldRedactor(cfg))
	}
	return r
}

// Redact applies all redaction rules to s in order, preserving any
// non-matching content verbatim.
func (r *Redactor) Redact(s string) string {
	lower := strings.ToLower(s)
	for _, fr := range r.fields {
		if !strings.Contains(lower, fr.field) {
			continue
		}
		for _, rule := range fr.rules {
			s = rule.re.ReplaceAllString(s, rule.replacement)
		}
	}
	if strings.Contains(lower, "bearer") {
		s = bearerRule.re.ReplaceAllString(s, bearerRule.replacement)
	}
	return s
}

// RedactContext redacts an arbitrarily nested context payload by serializing
// it, redacting the serialized form and parsing it back. Any failure yields a
// sentinel error context instead of propagating: nested payloads are
// untrusted and must not be able to fail the whole event.
func (r *Redactor) RedactContext(ctx map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	raw, err := json.Marshal(ctx)
	if err != nil {
		return map[string]interface{}{"error": contextRedactionFailed}
	}
	redacted := r.Redact(string(raw))
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(redacted), &out); err != nil {
		return map[string]interface{}{"error": contextRedactionFailed}
	}
	return out
}

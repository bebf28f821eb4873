// Package redact walks arbitrary decoded JSON-shaped values (maps, slices,
// scalars) and replaces values under sensitive keys with a fixed placeholder.
// It never mutates its input — Value always returns a new tree — and is
// idempotent: redacting an already-redacted tree is a no-op.
package redact

import "strings"

// Placeholder replaces the value of any field matched as sensitive.
const Placeholder = "[REDACTED]"

// sensitiveKeys lists the key names (case-insensitive, compared after
// stripping non-alphanumeric separators) treated as carrying a secret.
var sensitiveKeys = map[string]struct{}{
	"token":        {},
	"password":     {},
	"passwd":       {},
	"apikey":       {},
	"secret":       {},
	"privatekey":   {},
	"authorization": {},
	"cookie":       {},
	"session":      {},
	"sessionid":    {},
	"accesstoken":  {},
	"refreshtoken": {},
}

// Value returns a deep copy of v with every value reachable under a
// sensitive-named key replaced by Placeholder. Supported shapes are the ones
// produced by encoding/json.Unmarshal into `any`: map[string]any, []any, and
// scalars (string, float64, bool, nil). Unrecognized shapes are returned
// unchanged (and unshared) — redaction never panics on odd input.
func Value(v any) any {
	return redact(v, false)
}

// redact performs the recursive walk. parentSensitive indicates the
// immediate container key this value was found under was itself matched as
// sensitive, so every descendant value — however nested — is replaced.
func redact(v any, parentSensitive bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if parentSensitive || isSensitiveKey(k) {
				out[k] = redactLeaf(val)
				continue
			}
			out[k] = redact(val, false)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redact(val, parentSensitive)
		}
		return out
	default:
		if parentSensitive {
			return redactLeaf(v)
		}
		return v
	}
}

// redactLeaf replaces scalars with Placeholder but still recurses through
// nested containers so a sensitive key whose value is itself an object has
// every leaf under it replaced rather than the whole subtree collapsed to a
// single string.
func redactLeaf(v any) any {
	switch t := v.(type) {
	case map[string]any, []any:
		return redact(t, true)
	case nil:
		return nil
	default:
		return Placeholder
	}
}

// isSensitiveKey reports whether key names a field this package redacts,
// ignoring case and common separators (snake_case, kebab-case, camelCase all
// normalize to the same comparison form).
func isSensitiveKey(key string) bool {
	norm := normalize(key)
	_, ok := sensitiveKeys[norm]
	return ok
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '_', '-', ' ':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

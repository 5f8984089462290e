package audit

import (
	"strings"
	"time"
)

// Redacted replaces values under credential-like keys. Sanitizing an
// already-sanitized payload is a no-op.
const Redacted = "[REDACTED]"

var credentialKeys = []string{"password", "token", "secret"}

func credentialKey(key string) bool {
	k := strings.ToLower(key)
	for _, pattern := range credentialKeys {
		if strings.Contains(k, pattern) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of the payload with values under credential-like
// keys redacted. The redaction applies recursively through nested maps and
// slices; temporal values pass through untouched.
func Sanitize(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		if credentialKey(key) {
			out[key] = Redacted
			continue
		}
		out[key] = sanitizeValue(value)
	}
	return out
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return Sanitize(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	case time.Time, *time.Time:
		return v
	default:
		return v
	}
}

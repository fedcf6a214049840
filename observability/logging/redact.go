package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces masked values in log output.
const RedactedValue = "[REDACTED]"

// passThroughKeys are emitted verbatim by MaskField: host call bookkeeping and
// the handler's own keys.
var passThroughKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"call_id":   {},
	"entry":     {},
	"contract":  {},
	"sender":    {},
	"code_id":   {},
	"outcome":   {},
	"category":  {},
	"route":     {},
	"status":    {},
}

// credentialKeys carry relay credentials or key material. The handler masks
// them whatever the call site logged.
var credentialKeys = map[string]struct{}{
	"passphrase":    {},
	"signature":     {},
	"owner_pubkey":  {},
	"authorization": {},
	"keystore":      {},
	"private_key":   {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether MaskField leaves values under key untouched.
func IsAllowlisted(key string) bool {
	_, ok := passThroughKeys[normalizeKey(key)]
	return ok
}

// IsCredential reports whether key names relay credentials or key material.
func IsCredential(key string) bool {
	_, ok := credentialKeys[normalizeKey(key)]
	return ok
}

// MaskValue returns RedactedValue for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField redacts value unless key is allowlisted. Empty values stay empty.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redactCredential masks credential attributes, including inside groups.
func redactCredential(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsCredential(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces masked values in log lines.
const RedactedValue = "[REDACTED]"

// Keys MaskField emits verbatim. Buyer and seller free text (tracking
// details, dispute reasons) is masked unless listed here.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"component": {},
	"escrow_id": {},
	"order_id":  {},
	"status":    {},
	"method":    {},
	"action":    {},
	"tx_ref":    {},
	"outcome":   {},
	"trigger":   {},
}

// Keys that are always masked by the handler, however they were logged.
var sensitiveKeys = map[string]struct{}{
	"tracking_info":  {},
	"dispute_reason": {},
	"authorization":  {},
	"token":          {},
	"signer_key":     {},
	"jwt_secret":     {},
	"passphrase":     {},
}

// party address keys are shortened rather than masked outright.
var partyKeys = map[string]struct{}{
	"buyer":    {},
	"seller":   {},
	"resolver": {},
	"caller":   {},
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
}

// IsAllowlisted reports whether key is emitted unmasked. Matching ignores
// case and treats dashes as underscores, so "Escrow-ID" matches "escrow_id".
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[normalizeKey(key)]
	return ok
}

// MaskValue returns the redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns an attribute that redacts value unless key is allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// ShortAddress keeps the first six and last four characters of a hex
// address, enough to correlate log lines without printing the party in full.
func ShortAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// redactAttr is installed as part of the handler's ReplaceAttr hook.
func redactAttr(attr slog.Attr) slog.Attr {
	key := normalizeKey(attr.Key)
	if _, ok := sensitiveKeys[key]; ok && attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	if _, ok := partyKeys[key]; ok && attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, ShortAddress(attr.Value.String()))
	}
	return attr
}

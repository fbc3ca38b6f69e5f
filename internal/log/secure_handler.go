package log

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeys are attribute keys that are always masked.
var sensitiveKeys = map[string]bool{
	"password":              true,
	"passwd":                true,
	"cookie":                true,
	"authcookie":            true,
	"auth_cookie":           true,
	"hashedcontrolpassword": true,
	"secret":                true,
	"private_key":           true,
	"privatekey":            true,
	"key_blob":              true,
	"keyblob":               true,
	"client_auth":           true,
	"credentials":           true,
}

// sensitiveKeywords mask any key containing them. The bare word "key" is
// not one of them: "key" and "keys" name GETINFO keys in this program.
var sensitiveKeywords = []string{
	"password", "passwd", "cookie", "secret", "auth", "credential", "private",
}

// sensitivePatterns match credential-shaped values under any key.
var sensitivePatterns = []*regexp.Regexp{
	// Control auth cookie, hex encoded (32 bytes).
	regexp.MustCompile(`^[0-9a-fA-F]{64}$`),

	// HashedControlPassword output.
	regexp.MustCompile(`^16:[0-9A-Fa-f]{58,}$`),

	// ADD_ONION key blobs.
	regexp.MustCompile(`(?i)^ED25519-V3:[A-Za-z0-9+/=]+$`),
	regexp.MustCompile(`(?i)^RSA1024:[A-Za-z0-9+/=]+$`),

	// A control command carrying credentials.
	regexp.MustCompile(`(?i)^AUTHENTICATE\s+\S+`),

	// PEM private keys and tor's own key file marker.
	regexp.MustCompile(`(?i)-----BEGIN.*(PRIVATE|SECRET).*KEY-----`),
	regexp.MustCompile(`== ed25519v1-secret:`),
}

// MaskValue replaces sensitive values.
const MaskValue = "***REDACTED***"

// SecureHandler wraps an slog.Handler and masks sensitive attributes
// before they reach it.
type SecureHandler struct {
	handler slog.Handler
}

// NewSecureHandler wraps handler, or slog.Default().Handler() if nil.
func NewSecureHandler(handler slog.Handler) *SecureHandler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &SecureHandler{handler: handler}
}

// Enabled implements slog.Handler.
func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SecureHandler) Handle(ctx context.Context, r slog.Record) error {
	sanitized := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		sanitized.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.handler.Handle(ctx, sanitized)
}

// WithAttrs implements slog.Handler.
func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		sanitized[i] = sanitizeAttr(a)
	}
	return &SecureHandler{handler: h.handler.WithAttrs(sanitized)}
}

// WithGroup implements slog.Handler.
func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{handler: h.handler.WithGroup(name)}
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		sanitized := make([]slog.Attr, len(attrs))
		for i, ga := range attrs {
			sanitized[i] = sanitizeAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(sanitized...)}
	}

	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, MaskValue)
	}
	if a.Value.Kind() == slog.KindString && IsSensitiveValue(a.Value.String()) {
		return slog.String(a.Key, MaskValue)
	}
	if a.Value.Kind() == slog.KindAny {
		if err, ok := a.Value.Any().(error); ok && IsSensitiveValue(err.Error()) {
			return slog.String(a.Key, MaskValue)
		}
	}
	return a
}

// IsSensitiveKey reports whether an attribute key names a credential.
func IsSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	if sensitiveKeys[key] {
		return true
	}
	for _, kw := range sensitiveKeywords {
		if strings.Contains(key, kw) {
			return true
		}
	}
	return false
}

// IsSensitiveValue reports whether a value looks like a credential.
func IsSensitiveValue(value string) bool {
	value = strings.TrimSpace(value)
	for _, p := range sensitivePatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

// NewSecureLogger returns a text logger writing to w. verbose selects
// Debug, otherwise Warn.
func NewSecureLogger(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(NewSecureHandler(slog.NewTextHandler(w, handlerOptions(verbose))))
}

// NewSecureJSONLogger is NewSecureLogger with JSON output.
func NewSecureJSONLogger(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(NewSecureHandler(slog.NewJSONHandler(w, handlerOptions(verbose))))
}

func handlerOptions(verbose bool) *slog.HandlerOptions {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return &slog.HandlerOptions{Level: level}
}

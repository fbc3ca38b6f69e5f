// Package log provides slog loggers that never print Tor control-port
// credentials.
//
// The SecureHandler masks attributes whose key names a credential
// (password, cookie, secret, auth, private key) and string values that
// look like one whatever their key:
//   - a hex-encoded 32-byte control auth cookie
//   - a "16:" hashed control password
//   - an "ED25519-V3:" onion service private key blob
//   - a raw AUTHENTICATE command line
//   - a PEM private key
//
// Relay fingerprints (40 hex characters) and circuit or stream IDs are
// left alone.
//
// # Usage
//
//	logger := log.NewSecureLogger(os.Stderr, verbose)
//	logger.Debug("authenticating", "password", pw) // password=***REDACTED***
//	slog.SetDefault(logger)
package log

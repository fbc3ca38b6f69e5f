// Package config provides the configuration for onionctl: how to reach the
// Tor control port, command timeouts, bandwidth window sizes and where
// history is kept.
package config

// Package drain stops an HTTP server gracefully after a number of
// requests.
//
// The Limiter counts requests and connections. Once the request limit is
// reached, or BeginDrain is called, it asks every active request to close
// its connection and reports done when the last connection is gone, so
// responses in flight are fully written before the caller exits.
// Connections are tracked apart from requests because one keep-alive
// connection can carry several requests.
package drain

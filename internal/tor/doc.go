// Package tor starts an embedded Tor daemon, opens authenticated control
// connections and publishes ephemeral onion services.
//
// The embedded daemon and onion services go through tornago. Control
// connections used by sessions are plain control.Conn values, because the
// session needs the raw event stream.
package tor

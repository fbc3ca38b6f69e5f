// Package circuit builds Tor circuits through user-chosen hops.
//
// A build first resolves every hop selector against the router directory.
// Nothing is sent to Tor unless all selectors resolve. The circuit is then
// requested with EXTENDCIRCUIT and followed through its CIRC events until
// it is BUILT, FAILED or CLOSED.
//
// Selectors:
//
//	auto           (alone) let Tor choose the whole path
//	*              a random entry guard at position 0, a random router elsewhere
//	nickname       looked up as a router nickname
//	HEX / $HEX     looked up as an identity fingerprint; 40 hex digits that
//	               are not in the directory are passed through unchanged
package circuit

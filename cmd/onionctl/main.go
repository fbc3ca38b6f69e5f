// Package main provides the entry point for the onionctl CLI.
//
// onionctl drives a running Tor through its control port: it builds and
// tears down circuits, decides which circuit new streams use, follows
// bandwidth and events, and can serve a file over a throwaway onion
// service.
//
// Usage:
//
//	onionctl circ build '*' '*' '*'
//	onionctl stream attach 12
//	onionctl pastebin --once notes.txt
//
// See --help for all available options.
package main

func main() {
	Execute()
}

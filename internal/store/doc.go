// Package store keeps a SQLite history of what onionctl observed.
//
// The HistoryDB stores:
//   - circuit build outcomes with their final path
//   - circuit and stream teardown outcomes
//   - compacted bandwidth buckets per stream or connection
//
// Design decision: SQLite (via modernc.org/sqlite) keeps the history in a
// single CGO-free file under the XDG data directory, which is all a
// single-user control tool needs.
package store

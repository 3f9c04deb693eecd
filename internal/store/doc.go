// Package store persists chat messages for the local transport backend.
//
// # Overview
//
// Messages are kept in a single SQLite table keyed by an autoincrementing
// sequence number. The sequence gives every channel a total order that does
// not depend on sender clocks, and it backs the opaque cursors returned as
// history watermarks.
//
// # Paging
//
//	page, err := s.ListMessages(ctx, store.ListParams{Channel: "open:general"})
//	next, err := s.ListMessages(ctx, store.ListParams{Channel: "open:general", Since: page.Cursor})
//
// An empty Since returns the newest page. A non-empty Since returns messages
// strictly after that cursor. Pages are always oldest first and an empty
// page echoes Since back as its cursor.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode
//   - MockStore: in-memory, for tests
package store

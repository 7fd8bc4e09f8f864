// Package store provides the document store for parlor using SQLite.
//
// # Architecture
//
// The Store interface is composed of three narrower interfaces:
//
//   - ConversationStore: conversations, their ordered history and the
//     audit copy of inbound messages
//   - UserStore: human users
//   - AIStore: AI personas
//
// SQLiteStore implements all of them in a single struct; MockStore is the
// in-memory equivalent for tests.
//
// # History writes
//
// History is stored one row per entry, ordered by a per-conversation
// sequence number. Live sessions and the response scheduler use the atomic
// AppendHistory and AppendHistoryIf operations, so concurrent appends from
// several writers are never lost. SetConversationHistory replaces the whole
// field and exists for callers that really do want to rewrite it.
//
// # Turns and interruption
//
// Each conversation carries an interrupted flag and a generation counter.
// BeginTurn sets the flag and increments the generation; FinishTurn clears
// the flag only if no newer turn has started. AppendHistoryIf checks both in
// the same statement as the write, so a chunk from a superseded plan can
// never land.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The pool is limited to one connection.
//
// # Testing
//
// Use NewMockStore() for unit tests of other packages and NewSQLiteStore
// with a t.TempDir() path for store tests.
package store

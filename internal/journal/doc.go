// Package journal is the SQLite-backed session log of authoritative state changes.
//
// Every settle, rollback, removal, hydrate and push event handled during a session
// is appended as one entry. Entries are ordered by seq, a logical sequence assigned
// on append; wall-clock time is never used for ordering. Replay feeds the
// authoritative entries back into an empty entity store and reproduces the
// confirmed state of the session.
//
// Entity payloads are stored as JSON with a digest of their canonical field
// encoding (see internal/ir). Replay refuses entries whose digest no longer matches.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes (file-backed journals)
//   - synchronous=NORMAL
//   - busy_timeout=5000
//
// An empty path opens a private in-memory database; the journal then lives as
// long as the process.
package journal

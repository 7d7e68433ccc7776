// Package storage persists reminder schedules and the state around them.
//
// It holds:
//   - schedules (owned by the CRUD side; the scheduler only reads them and
//     records registered job ids)
//   - owner contacts (phone number or chat id per owner)
//   - an append-only delivery log
//   - dedup markers so a firing is not delivered twice across a restart
//
// Two drivers exist: "sqlite" (modernc.org/sqlite, pure Go) and "file"
// (a JSON snapshot plus JSON Lines journals, no dependencies).
package storage

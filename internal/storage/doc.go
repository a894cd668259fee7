// Package storage persists jobs, execution records, history entries and the
// notifier dedup state.
//
// Drivers:
//   - memory: process-local maps, the default
//   - file:   in-memory state backed by a JSON Lines journal and a snapshot
//   - sqlite: modernc.org/sqlite database file
//
// All drivers hand out clones; a record returned by Get may be modified and
// written back with Save. Concurrent Save calls are last-writer-wins; Claim is
// the only conditional write and is what guards a run against double dispatch.
package storage

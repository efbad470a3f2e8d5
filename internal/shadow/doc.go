// Package shadow holds the authoritative per-device state of every Deerma
// water purifier and the reconciler that merges poll snapshots and MQTT
// deltas into it.
//
// # State model
//
// Each reported field is a tagged value with three states:
//
//   - FieldAbsent: never observed since the process started
//   - FieldValid: the last update carried a value for it
//   - FieldStale: a later snapshot omitted it, so the previous value is
//     retained and marked stale rather than dropped to "unknown"
//
// The writable fields (temperature and volume mode) can additionally carry
// a desired value while a command is in flight. Readers see the desired
// value as the displayed value, marked unconfirmed, until a report matches
// it or the command dispatcher clears it.
//
// # Ordering
//
// The backend shadow version is the only ordering authority. An update with
// a version at or below the record's current version is discarded without
// error; arrival order between the poll and push channels is never trusted.
//
// # Concurrency
//
// Records live in an arena keyed by device id. Each record has its own
// mutex, so a snapshot and a delta for the same device are serialized while
// different devices proceed in parallel. Listeners are called after the
// record lock is released, in mutation order per device, and must not call
// the reconciler's mutating methods synchronously.
package shadow

// Package command sends writable field changes to the vendor shadow and
// tracks each one until the device reports it back.
//
// SetField never waits on the network. It registers the command, overlays
// the value on the device record so consumers display it at once (flagged
// unconfirmed), and publishes in the background. The command then ends in
// exactly one terminal state:
//
//   - confirmed: a later report carries the desired value
//   - timed_out: no confirming report within the timeout; the overlay is
//     removed and one failure signal is emitted
//   - failed: the publish itself failed; handled like a timeout
//   - superseded: a newer command for the same device and field replaced it
//   - abandoned: the dispatcher closed first; the overlay is left alone
//
// Every transition is written to the command log.
package command

// Package poller resynchronizes device shadows from the REST API on a
// fixed cadence.
//
// Each cycle fetches a full snapshot per device and hands it to the
// reconciler. A failed fetch never reaches the reconciler: the previous
// values stay in place and the next cycle tries again. When the backend
// rejects the token, the poller asks the session manager to renew it before
// the next cycle.
package poller

// Package domaind is the host-side engine for storage domains shared by
// multiple independent hosts without a central database. It combines four
// subsystems over a common metadata volume:
//
//   - an in-process resource manager handing out shared and exclusive locks
//     in a fixed namespace order (internal/resmgr)
//   - a lease directory that turns a sector-aligned region of the domain
//     into a table of named cluster-wide fencing leases (internal/xleases)
//   - an asynchronous job engine running long storage operations as
//     resumable, crash-safe step sequences (internal/jobs)
//   - a mailbox relay carrying commands between hosts over the storage
//     medium itself when no network path is assumed (internal/mailbox)
//
// The Engine type wires them together for one host; cmd/domaind exposes the
// engine as a daemon plus administrative subcommands.
package domaind

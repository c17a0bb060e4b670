// Package network implements the peer network: node
// discovery, a signed msgpack-over-TCP duplex transport with heartbeats and
// backoff, Bully-style leader election, and the node registry that ties
// them together. It is the component BuildNet's Scheduler (pkg/scheduler)
// and Ledger (pkg/ledger, via the SyncTransport/KeyResolver interfaces it
// implements) depend on for anything cluster-wide.
//
// The Transport is the sole owner of live connections; the Registry holds
// only peer records keyed by node ID and never references the Transport,
// and callers reach a connection by passing a peer ID to the Transport, so
// the two never form an ownership cycle. Lock order is
// registry before per-connection, and the election module never holds the
// registry lock across network I/O — it snapshots the peer list, releases
// the lock, then sends.
package network

// Package session owns link reliability helpers shared by hops and nodes.
//
// Ownership boundary:
// - connect/read/write timeouts and retry backoff
// - JSON-line envelopes between service nodes
// - pending-call table keyed by correlation id
package session

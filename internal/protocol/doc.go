// Package protocol owns the hop-to-hop wire contract.
//
// Ownership boundary:
// - action type enumeration and typed payloads
// - message line codec (pack/parse with length, checksum and end token)
// - HOST/PORT handshake lines written by a child hop and parsed by its parent
package protocol

// Package transport owns the links between neighbouring hops.
//
// Ownership boundary:
//   - OutputComm: starts the next hop (exec, ssh, pbs), learns its endpoint
//     from the handshake and carries messages to it
//   - InputComm: binds the hop's own endpoint (socket, stdio), publishes the
//     handshake and carries messages from the previous hop
//   - tolerant receive with empty-read tracking
package transport

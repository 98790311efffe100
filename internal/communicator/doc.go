// Package communicator drives one hop of the relay chain.
//
// Ownership boundary:
// - lifecycle of the next hop: install, start, connect, interrupt, restore, stop
// - durable CommunicatorStatus transitions and connection records
// - relay loop between the input link and the output link
// - long-running action polling
package communicator

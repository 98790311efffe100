// Package service owns the hierarchical service tree.
//
// Ownership boundary:
// - request and answer dispatch by action name
//
// - child proxies and their pending correlation ids
//
// - envelope routing between parent and child links
//
// A node never starts processes; children are started elsewhere and
// attached through start_child with their socket address.
//
// The children map and the route table are touched only by the loop
// goroutine. Link readers hand envelopes over through channels.
package service

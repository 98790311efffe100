// Package tools provides reusable runtime helpers shared by hop modules.
//
// Ownership boundary:
// - command execution helpers
// - durable file replacement
package tools

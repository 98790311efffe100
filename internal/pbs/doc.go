// Package pbs owns batch queue submission for hops that run as PBS/SGE jobs.
//
// Ownership boundary:
// - submission configuration and resource translation
// - dialect registry (directives, submit arguments, output locations)
// - job script generation, submit/cancel/node lookup through qsub/qdel/qstat
// - batch output polling for the hop handshake
package pbs

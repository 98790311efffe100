// Package install derives where a hop lives on its host and puts it there.
//
// Ownership boundary:
// - installation layout (target root, job/status/result/log dirs)
// - copied path selection with include/exclude globs
// - hop environment (interpreter, library paths, batch env)
// - local copy and remote copy through an Uploader, guarded by an install lock
package install

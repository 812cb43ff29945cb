// Package supervise runs one pipeline subprocess per Handle: it spawns the
// process in its own process group, streams stdout and stderr line-by-line
// into a sink, enforces the configured timeout, and escalates termination
// from SIGTERM to SIGKILL after the grace period. The monitor goroutine reaps
// the process on every exit path, including supervisor-internal faults, so no
// orphaned pipeline can survive the daemon.
package supervise

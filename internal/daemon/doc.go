// Package daemon coordinates the long-running runnerd process.
//
// It wires configuration, the job registry, and the history store into a
// single lifecycle with flock-based locking to prevent multiple instances,
// serves the HTTP API, and runs the retention janitor. Keep orchestration
// logic in the jobs package; the daemon focuses on startup, shutdown, and the
// outward-facing surface.
package daemon

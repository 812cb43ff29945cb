// Package logging constructs the daemon's slog loggers and shared attribute
// helpers. Two output formats exist: a console handler that renders
// "TIMESTAMP LEVEL component: message key=value" lines and a JSON handler for
// machine consumption. Per-job subprocess output is not routed through these
// loggers; it lives in the joblog ring buffers.
package logging

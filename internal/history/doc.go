// Package history archives terminal job records in SQLite. The registry
// remains the source of truth for live jobs; this store only receives jobs
// after their terminal transition so operators can inspect past runs across
// daemon restarts.
package history

// Package joblog captures subprocess output in bounded per-job ring buffers.
//
// Each job owns an independent sequence space starting at 1. The ring trims
// only the oldest lines, never interior ones, so a reader either sees a
// contiguous run of sequence numbers or is told about the gap via the
// discontinuity flag. Cursors belong to the caller: any number of readers can
// tail the same job concurrently.
package joblog

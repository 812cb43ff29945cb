package joblog

import (
	"context"
	"sync"
	"time"
)

// Stream identifies which descriptor a captured line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line is one captured line of subprocess output. Sequence numbers are
// per-job, start at 1, and are strictly increasing and contiguous until the
// ring trims the oldest entries.
type Line struct {
	Seq    uint64    `json:"seq"`
	Stream Stream    `json:"stream"`
	At     time.Time `json:"ts"`
	Text   string    `json:"text"`
}

// Buffer stores bounded per-job output rings. Writers append; readers poll a
// snapshot with a caller-held cursor, so concurrent readers never disturb one
// another and can never stall a writer.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	jobs     map[string]*ring
}

type ring struct {
	cond    *sync.Cond
	lines   []Line
	nextSeq uint64
}

// NewBuffer constructs a Buffer whose per-job rings hold at most capacity lines.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Buffer{capacity: capacity, jobs: make(map[string]*ring)}
}

// Append records one line of output for jobID, assigning the next sequence
// number. When the ring is full the oldest line is dropped.
func (b *Buffer) Append(jobID string, stream Stream, text string) {
	b.mu.Lock()
	r := b.jobs[jobID]
	if r == nil {
		r = &ring{}
		r.cond = sync.NewCond(&b.mu)
		b.jobs[jobID] = r
	}
	r.nextSeq++
	if len(r.lines) == b.capacity {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:b.capacity-1]
	}
	r.lines = append(r.lines, Line{
		Seq:    r.nextSeq,
		Stream: stream,
		At:     time.Now().UTC(),
		Text:   text,
	})
	r.cond.Broadcast()
	b.mu.Unlock()
}

// Read returns up to limit lines with sequence numbers greater than cursor,
// the cursor to use for the next call, and whether lines between the cursor
// and the first returned line have been trimmed. A zero cursor reads from the
// beginning. Read never blocks.
func (b *Buffer) Read(jobID string, cursor uint64, limit int) ([]Line, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.jobs[jobID]
	if r == nil {
		return nil, cursor, false
	}
	return b.snapshotLocked(r, cursor, limit)
}

// Wait behaves like Read but blocks until at least one line past cursor is
// available or ctx ends. Used by followers tailing a running job.
func (b *Buffer) Wait(ctx context.Context, jobID string, cursor uint64, limit int) ([]Line, uint64, bool, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		if r := b.jobs[jobID]; r != nil {
			r.cond.Broadcast()
		}
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.jobs[jobID]
	if r == nil {
		r = &ring{}
		r.cond = sync.NewCond(&b.mu)
		b.jobs[jobID] = r
	}
	for {
		lines, next, discontinuity := b.snapshotLocked(r, cursor, limit)
		if len(lines) > 0 {
			return lines, next, discontinuity, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, cursor, false, err
		}
		r.cond.Wait()
	}
}

// Tail returns the most recent limit lines for jobID without blocking.
func (b *Buffer) Tail(jobID string, limit int) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.jobs[jobID]
	if r == nil || len(r.lines) == 0 {
		return nil
	}
	start := len(r.lines) - limit
	if limit <= 0 || start < 0 {
		start = 0
	}
	out := make([]Line, len(r.lines)-start)
	copy(out, r.lines[start:])
	return out
}

// LineCount reports how many lines have ever been appended for jobID.
func (b *Buffer) LineCount(jobID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r := b.jobs[jobID]; r != nil {
		return r.nextSeq
	}
	return 0
}

// Drop discards the ring for jobID. Called when the registry evicts a job.
func (b *Buffer) Drop(jobID string) {
	b.mu.Lock()
	if r := b.jobs[jobID]; r != nil {
		r.cond.Broadcast()
		delete(b.jobs, jobID)
	}
	b.mu.Unlock()
}

func (b *Buffer) snapshotLocked(r *ring, cursor uint64, limit int) ([]Line, uint64, bool) {
	if limit <= 0 || limit > b.capacity {
		limit = b.capacity
	}
	if len(r.lines) == 0 {
		// Everything before nextSeq was trimmed away.
		return nil, cursor, r.nextSeq > cursor
	}

	first := r.lines[0].Seq
	discontinuity := cursor+1 < first

	startIdx := -1
	for i, line := range r.lines {
		if line.Seq > cursor {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return nil, cursor, false
	}
	end := startIdx + limit
	if end > len(r.lines) {
		end = len(r.lines)
	}
	out := make([]Line, end-startIdx)
	copy(out, r.lines[startIdx:end])
	return out, out[len(out)-1].Seq, discontinuity
}

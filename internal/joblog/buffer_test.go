package joblog_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"runnerd/internal/joblog"
)

func TestAppendAssignsContiguousSequences(t *testing.T) {
	buf := joblog.NewBuffer(10)
	for i := 0; i < 5; i++ {
		buf.Append("job-1", joblog.StreamStdout, fmt.Sprintf("line %d", i))
	}

	lines, next, discontinuity := buf.Read("job-1", 0, 0)
	if discontinuity {
		t.Fatal("unexpected discontinuity")
	}
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	for i, line := range lines {
		if line.Seq != uint64(i+1) {
			t.Fatalf("line %d has seq %d", i, line.Seq)
		}
	}
	if next != 5 {
		t.Fatalf("expected next cursor 5, got %d", next)
	}
}

func TestReadHonorsCursorAndLimit(t *testing.T) {
	buf := joblog.NewBuffer(10)
	for i := 0; i < 8; i++ {
		buf.Append("job-1", joblog.StreamStdout, fmt.Sprintf("line %d", i))
	}

	lines, next, _ := buf.Read("job-1", 3, 2)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Seq != 4 || lines[1].Seq != 5 {
		t.Fatalf("unexpected sequences: %d %d", lines[0].Seq, lines[1].Seq)
	}
	if next != 5 {
		t.Fatalf("expected next cursor 5, got %d", next)
	}

	lines, next, _ = buf.Read("job-1", 8, 0)
	if len(lines) != 0 {
		t.Fatalf("expected no lines past the end, got %d", len(lines))
	}
	if next != 8 {
		t.Fatalf("cursor should be unchanged, got %d", next)
	}
}

func TestTrimmedRingReportsDiscontinuity(t *testing.T) {
	buf := joblog.NewBuffer(3)
	for i := 0; i < 6; i++ {
		buf.Append("job-1", joblog.StreamStdout, fmt.Sprintf("line %d", i))
	}

	lines, next, discontinuity := buf.Read("job-1", 0, 0)
	if !discontinuity {
		t.Fatal("expected discontinuity after trim")
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 buffered lines, got %d", len(lines))
	}
	if lines[0].Seq != 4 {
		t.Fatalf("expected first buffered seq 4, got %d", lines[0].Seq)
	}
	if next != 6 {
		t.Fatalf("expected next cursor 6, got %d", next)
	}

	// A reader already past the trimmed region sees no discontinuity.
	if _, _, disc := buf.Read("job-1", 4, 0); disc {
		t.Fatal("reader past trim point should not see discontinuity")
	}
}

func TestUnknownJobReadsEmpty(t *testing.T) {
	buf := joblog.NewBuffer(10)
	lines, next, discontinuity := buf.Read("nope", 7, 0)
	if lines != nil || next != 7 || discontinuity {
		t.Fatalf("unexpected result for unknown job: %v %d %v", lines, next, discontinuity)
	}
}

func TestWaitUnblocksOnAppend(t *testing.T) {
	buf := joblog.NewBuffer(10)
	buf.Append("job-1", joblog.StreamStdout, "first")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan []joblog.Line, 1)
	go func() {
		lines, _, _, err := buf.Wait(ctx, "job-1", 1, 0)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- lines
	}()

	time.Sleep(50 * time.Millisecond)
	buf.Append("job-1", joblog.StreamStderr, "second")

	select {
	case lines := <-done:
		if len(lines) != 1 || lines[0].Text != "second" {
			t.Fatalf("unexpected lines: %+v", lines)
		}
	case <-ctx.Done():
		t.Fatal("Wait did not unblock on append")
	}
}

func TestWaitReturnsOnContextEnd(t *testing.T) {
	buf := joblog.NewBuffer(10)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, _, err := buf.Wait(ctx, "job-1", 0, 0)
	if err == nil {
		t.Fatal("expected context error from Wait")
	}
}

func TestConcurrentReadersDoNotInterfere(t *testing.T) {
	buf := joblog.NewBuffer(100)
	const total = 50
	for i := 0; i < total; i++ {
		buf.Append("job-1", joblog.StreamStdout, fmt.Sprintf("line %d", i))
	}

	var wg sync.WaitGroup
	for reader := 0; reader < 8; reader++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cursor uint64
			seen := 0
			for {
				lines, next, _ := buf.Read("job-1", cursor, 7)
				if len(lines) == 0 {
					break
				}
				for _, line := range lines {
					if line.Seq != cursor+1 {
						t.Errorf("gap: cursor %d then seq %d", cursor, line.Seq)
						return
					}
					cursor = line.Seq
					seen++
				}
				cursor = next
			}
			if seen != total {
				t.Errorf("reader saw %d lines, want %d", seen, total)
			}
		}()
	}
	wg.Wait()
}

func TestTailReturnsMostRecent(t *testing.T) {
	buf := joblog.NewBuffer(10)
	for i := 0; i < 6; i++ {
		buf.Append("job-1", joblog.StreamStdout, fmt.Sprintf("line %d", i))
	}
	tail := buf.Tail("job-1", 2)
	if len(tail) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(tail))
	}
	if tail[0].Text != "line 4" || tail[1].Text != "line 5" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

func TestDropDiscardsRing(t *testing.T) {
	buf := joblog.NewBuffer(10)
	buf.Append("job-1", joblog.StreamStdout, "line")
	buf.Drop("job-1")
	if count := buf.LineCount("job-1"); count != 0 {
		t.Fatalf("expected empty ring after drop, got %d", count)
	}
}

package history_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"runnerd/internal/history"
	"runnerd/internal/testsupport"
)

func sampleRecord(jobID string) history.Record {
	started := time.Now().UTC().Add(-time.Minute)
	ended := time.Now().UTC()
	code := 0
	return history.Record{
		JobID:       jobID,
		Kind:        "churn",
		ResourceKey: "exp1:churn",
		Params:      map[string]string{"experiment_id": "1"},
		State:       "succeeded",
		ExitCode:    &code,
		CreatedAt:   started.Add(-time.Second),
		StartedAt:   &started,
		EndedAt:     &ended,
	}
}

func TestRecordAndFindRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	rec := sampleRecord("job-1")
	rec.State = "failed"
	rec.FailureKind = "nonzero_exit"
	code := 2
	rec.ExitCode = &code
	rec.ErrorSummary = "process failed with exit code 2"

	if err := store.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	found, err := store.FindByJobID(ctx, "job-1")
	if err != nil {
		t.Fatalf("FindByJobID: %v", err)
	}
	if found == nil {
		t.Fatal("expected record")
	}
	if found.State != "failed" || found.FailureKind != "nonzero_exit" {
		t.Fatalf("unexpected record: %+v", found)
	}
	if found.ExitCode == nil || *found.ExitCode != 2 {
		t.Fatalf("exit code lost: %+v", found.ExitCode)
	}
	if found.Params["experiment_id"] != "1" {
		t.Fatalf("params lost: %+v", found.Params)
	}
	if found.StartedAt == nil || found.EndedAt == nil {
		t.Fatal("timestamps lost")
	}
}

func TestFindUnknownJobReturnsNil(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)

	found, err := store.FindByJobID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindByJobID: %v", err)
	}
	if found != nil {
		t.Fatalf("expected nil, got %+v", found)
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Record(ctx, sampleRecord(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	records, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].JobID != "job-4" || records[2].JobID != "job-2" {
		t.Fatalf("unexpected order: %s .. %s", records[0].JobID, records[2].JobID)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.Record(ctx, sampleRecord(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	pruned, err := store.Prune(ctx, 4)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 6 {
		t.Fatalf("expected 6 pruned, got %d", pruned)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 remaining, got %d", count)
	}

	if found, _ := store.FindByJobID(ctx, "job-0"); found != nil {
		t.Fatal("oldest record should be gone")
	}
	if found, _ := store.FindByJobID(ctx, "job-9"); found == nil {
		t.Fatal("newest record should survive")
	}
}

func TestRecordRequiresJobID(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)

	if err := store.Record(context.Background(), history.Record{}); err == nil {
		t.Fatal("expected error for empty job id")
	}
}

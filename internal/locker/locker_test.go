package locker_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"runnerd/internal/locker"
)

func TestAcquireThenConflictReportsHolder(t *testing.T) {
	m := locker.NewManager()
	if err := m.Acquire("exp42:churn", "job-a"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	err := m.Acquire("exp42:churn", "job-b")
	var busy *locker.BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected BusyError, got %v", err)
	}
	if busy.Holder != "job-a" {
		t.Fatalf("expected holder job-a, got %q", busy.Holder)
	}
	if busy.ResourceKey != "exp42:churn" {
		t.Fatalf("unexpected resource key: %q", busy.ResourceKey)
	}
}

func TestReacquireBySameJobIsBusy(t *testing.T) {
	m := locker.NewManager()
	if err := m.Acquire("exp1:cox", "job-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var busy *locker.BusyError
	if err := m.Acquire("exp1:cox", "job-a"); !errors.As(err, &busy) {
		t.Fatalf("expected BusyError on reacquire, got %v", err)
	}
}

func TestReleaseByNonHolderFails(t *testing.T) {
	m := locker.NewManager()
	if err := m.Acquire("exp1:shap", "job-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release("exp1:shap", "job-b"); !errors.Is(err, locker.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	if holder, ok := m.Holder("exp1:shap"); !ok || holder != "job-a" {
		t.Fatalf("lease should survive bad release, holder=%q ok=%v", holder, ok)
	}
	if err := m.Release("exp1:shap", "job-a"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	if err := m.Release("exp1:shap", "job-a"); !errors.Is(err, locker.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	m := locker.NewManager()

	const contenders = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners int

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := m.Acquire("exp9:churn", fmt.Sprintf("job-%d", id)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if len(m.Snapshot()) != 1 {
		t.Fatalf("expected one lease, got %d", len(m.Snapshot()))
	}
}

func TestReleaseAllClearsLeases(t *testing.T) {
	m := locker.NewManager()
	for i := 0; i < 3; i++ {
		if err := m.Acquire(fmt.Sprintf("exp%d:churn", i), fmt.Sprintf("job-%d", i)); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if released := m.ReleaseAll(); released != 3 {
		t.Fatalf("expected 3 released, got %d", released)
	}
	if len(m.Snapshot()) != 0 {
		t.Fatal("expected empty lease table")
	}
	if err := m.Acquire("exp0:churn", "job-new"); err != nil {
		t.Fatalf("acquire after ReleaseAll: %v", err)
	}
}

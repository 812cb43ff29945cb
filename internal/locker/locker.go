// Package locker provides per-resource-key mutual exclusion for pipeline
// runs. A resource key is the scope the orchestrator serializes over,
// typically one experiment plus one pipeline kind. Locks are advisory records
// in memory; the daemon-level flock guards against a second process.
package locker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotHeld is returned when a release names a key the caller does not hold.
// A delayed or duplicate release must never evict a newer holder.
var ErrNotHeld = errors.New("lock not held by caller")

// BusyError reports that a resource key is already held by another job.
type BusyError struct {
	ResourceKey string
	Holder      string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("resource %q locked by job %s", e.ResourceKey, e.Holder)
}

// Lease records the current holder of a resource key.
type Lease struct {
	ResourceKey string
	JobID       string
	AcquiredAt  time.Time
}

// Manager serializes lock acquisition over resource keys.
type Manager struct {
	mu     sync.Mutex
	leases map[string]Lease
}

// NewManager constructs an empty lock table.
func NewManager() *Manager {
	return &Manager{leases: make(map[string]Lease)}
}

// Acquire records jobID as the holder of resourceKey. Exactly one of any set
// of concurrent Acquire calls for the same key succeeds; the rest receive a
// *BusyError naming the holder. Reacquiring a key already held, even by the
// same job, is a BusyError.
func (m *Manager) Acquire(resourceKey, jobID string) error {
	if resourceKey == "" {
		return errors.New("resource key is required")
	}
	if jobID == "" {
		return errors.New("job id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.leases[resourceKey]; ok {
		return &BusyError{ResourceKey: resourceKey, Holder: lease.JobID}
	}
	m.leases[resourceKey] = Lease{
		ResourceKey: resourceKey,
		JobID:       jobID,
		AcquiredAt:  time.Now().UTC(),
	}
	return nil
}

// Release frees resourceKey if jobID is the current holder and returns
// ErrNotHeld otherwise.
func (m *Manager) Release(resourceKey, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[resourceKey]
	if !ok || lease.JobID != jobID {
		return ErrNotHeld
	}
	delete(m.leases, resourceKey)
	return nil
}

// Holder reports the job currently holding resourceKey.
func (m *Manager) Holder(resourceKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[resourceKey]
	return lease.JobID, ok
}

// Snapshot returns a copy of all current leases for status reporting.
func (m *Manager) Snapshot() []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lease, 0, len(m.leases))
	for _, lease := range m.leases {
		out = append(out, lease)
	}
	return out
}

// ReleaseAll clears the lock table and returns how many leases were dropped.
// Used during daemon shutdown after in-flight jobs have drained.
func (m *Manager) ReleaseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.leases)
	m.leases = make(map[string]Lease)
	return n
}

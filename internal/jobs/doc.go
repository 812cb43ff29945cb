// Package jobs tracks pipeline runs from submission to terminal state.
//
// The Registry is the orchestrator's public contract: it deduplicates
// concurrent identical submissions, enforces per-resource-key mutual
// exclusion through the lock manager, hands the subprocess to the supervisor,
// and applies the terminal transition with guaranteed lock release. Jobs move
// queued → running → {succeeded, failed, cancelled}; terminal states are
// sinks. Job records leave the registry only through the explicit retention
// policy, never implicitly.
package jobs

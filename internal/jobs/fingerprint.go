package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"runnerd/internal/pipeline"
)

// Fingerprint derives the duplicate-detection identity of a run request from
// the pipeline kind, resource key, and normalized parameters. Parameters are
// folded in key order so map iteration cannot perturb the hash.
func Fingerprint(kind pipeline.Kind, resourceKey string, params pipeline.Params) string {
	h := sha256.New()
	io.WriteString(h, string(kind))
	io.WriteString(h, "\x00")
	io.WriteString(h, resourceKey)
	for _, key := range params.SortedKeys() {
		io.WriteString(h, "\x00")
		io.WriteString(h, key)
		io.WriteString(h, "=")
		io.WriteString(h, params[key])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Guard deduplicates concurrent identical run requests. A fingerprint is
// registered only while its job is queued or running; it is cleared on the
// terminal transition so an intentional re-run with the same parameters is
// allowed immediately afterwards.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]string
}

// NewGuard constructs an empty guard.
func NewGuard() *Guard {
	return &Guard{inflight: make(map[string]string)}
}

// InFlight reports the job currently registered for fingerprint, if any.
func (g *Guard) InFlight(fingerprint string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	jobID, ok := g.inflight[fingerprint]
	return jobID, ok
}

// Register records jobID as the in-flight owner of fingerprint.
func (g *Guard) Register(fingerprint, jobID string) {
	g.mu.Lock()
	g.inflight[fingerprint] = jobID
	g.mu.Unlock()
}

// Clear removes fingerprint from the in-flight set.
func (g *Guard) Clear(fingerprint string) {
	g.mu.Lock()
	delete(g.inflight, fingerprint)
	g.mu.Unlock()
}

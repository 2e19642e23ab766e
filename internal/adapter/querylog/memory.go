// Package querylog implements the append-only query log used for auditing
// and rate limiting.
package querylog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

// sweepEvery is how many appends pass between full prunes of the window index.
const sweepEvery = 1024

// ChainedEntry is a query log entry with its position in the hash chain.
type ChainedEntry struct {
	domain.QueryLogEntry
	Index    uint64 `json:"index"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// MemoryConfig bounds what MemoryLog keeps. Zero values keep everything.
type MemoryConfig struct {
	// Retention is how far back Count can look. It must cover the longest
	// rate limit window.
	Retention time.Duration
	// AuditCap is the number of chained entries kept for Verify.
	AuditCap  int64
}

type windowKey struct {
	requester string
	op        domain.Operation
}

// MemoryLog is an in-memory append-only log. Each entry hashes its content
// together with the previous entry's hash so tampering is detectable with
// Verify. Counting goes through a per-(requester, operation) timestamp
// index pruned to Retention, so its cost does not grow with total traffic.
type MemoryLog struct {
	mu       sync.RWMutex
	cfg      MemoryConfig
	log      []ChainedEntry
	next     uint64
	lastHash string
	windows  map[windowKey][]time.Time
	latest   time.Time
	appends  int
}

var _ ports.QueryLog = (*MemoryLog)(nil)

func NewMemoryLog(cfg MemoryConfig) *MemoryLog {
	return &MemoryLog{
		cfg:     cfg,
		log:     make([]ChainedEntry, 0, 1024),
		windows: make(map[windowKey][]time.Time),
	}
}

func (a *MemoryLog) Append(ctx context.Context, e domain.QueryLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	ent := ChainedEntry{QueryLogEntry: e, Index: a.next, PrevHash: a.lastHash}
	ent.Hash = hashEntry(ent)
	a.next++
	a.lastHash = ent.Hash
	a.log = append(a.log, ent)
	a.trimChain()

	if e.Timestamp.After(a.latest) {
		a.latest = e.Timestamp
	}
	k := windowKey{requester: e.RequesterHash, op: e.Operation}
	a.windows[k] = a.prune(append(a.windows[k], e.Timestamp))

	a.appends++
	if a.appends%sweepEvery == 0 {
		a.sweep()
	}
	return nil
}

// trimChain drops the oldest entries once the chain reaches twice AuditCap,
// so the copy is amortised over many appends.
func (a *MemoryLog) trimChain() {
	limit := int(a.cfg.AuditCap)
	if limit <= 0 || len(a.log) < 2*limit {
		return
	}
	kept := make([]ChainedEntry, limit, 2*limit)
	copy(kept, a.log[len(a.log)-limit:])
	a.log = kept
}

func (a *MemoryLog) cutoff() time.Time {
	if a.cfg.Retention <= 0 {
		return time.Time{}
	}
	return a.latest.Add(-a.cfg.Retention)
}

// prune drops timestamps older than the retention cutoff, reusing ts.
func (a *MemoryLog) prune(ts []time.Time) []time.Time {
	cut := a.cutoff()
	if cut.IsZero() {
		return ts
	}
	out := ts[:0]
	for _, t := range ts {
		if !t.Before(cut) {
			out = append(out, t)
		}
	}
	return out
}

func (a *MemoryLog) sweep() {
	for k, ts := range a.windows {
		if ts = a.prune(ts); len(ts) == 0 {
			delete(a.windows, k)
		} else {
			a.windows[k] = ts
		}
	}
}

func (a *MemoryLog) Count(ctx context.Context, requester string, ops []domain.Operation, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	if cut := a.cutoff(); since.Before(cut) {
		since = cut
	}
	var n int64
	for _, op := range ops {
		for _, t := range a.windows[windowKey{requester: requester, op: op}] {
			if !t.Before(since) {
				n++
			}
		}
	}
	return n, nil
}

// Entries returns a copy of the retained chain.
func (a *MemoryLog) Entries() []ChainedEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]ChainedEntry(nil), a.log...)
}

// Len is the number of retained chain entries.
func (a *MemoryLog) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.log)
}

// Indexed is the number of timestamps held for counting.
func (a *MemoryLog) Indexed() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, ts := range a.windows {
		n += len(ts)
	}
	return n
}

// Verify recomputes the retained chain and reports whether it is intact.
func (a *MemoryLog) Verify() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := range a.log {
		if hashEntry(a.log[i]) != a.log[i].Hash {
			return false
		}
		if i > 0 && a.log[i-1].Hash != a.log[i].PrevHash {
			return false
		}
	}
	return true
}

// Check reports a broken chain as an error, for health endpoints.
func (a *MemoryLog) Check(context.Context) error {
	if !a.Verify() {
		return errors.New("query log hash chain does not verify")
	}
	return nil
}

func hashEntry(e ChainedEntry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.ID))
	h.Write([]byte(e.RequesterHash))
	h.Write([]byte(e.Operation))
	h.Write([]byte(e.Parameters))
	h.Write([]byte(strconv.Itoa(e.ResultCount)))
	return hex.EncodeToString(h.Sum(nil))
}

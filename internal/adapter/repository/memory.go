package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

const maxShardPow = 10

var errNilUpdate = errors.New("update function returned no indicator")

// MemoryIndicatorStore is a lock-striped map keyed by indicator hash. Update
// holds the write lock of the key's shard for the whole read-compute-write
// cycle, which serialises concurrent submissions of the same indicator.
type MemoryIndicatorStore struct {
	shards []indicatorShard
	mask   uint32

	// bloom answers "definitely absent" for Get without touching a shard.
	// Purged keys stay in the filter and only cost a shard lookup.
	bloomMu sync.RWMutex
	bloom   *bloom.BloomFilter
}

type indicatorShard struct {
	mu sync.RWMutex
	m  map[string]*domain.Indicator
}

var _ ports.IndicatorStore = (*MemoryIndicatorStore)(nil)

// NewMemoryIndicatorStore creates 2^shardPow shards (capped at 1024) and a
// bloom filter sized for expected keys at a 1% false positive rate.
func NewMemoryIndicatorStore(shardPow uint8, expected uint) *MemoryIndicatorStore {
	if shardPow > maxShardPow {
		shardPow = maxShardPow
	}
	if expected == 0 {
		expected = 100_000
	}
	n := 1 << shardPow
	s := &MemoryIndicatorStore{
		shards: make([]indicatorShard, n),
		mask:   uint32(n - 1),
		bloom:  bloom.NewWithEstimates(expected, 0.01),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*domain.Indicator)
	}
	return s
}

func (s *MemoryIndicatorStore) shardFor(hash string) *indicatorShard {
	return &s.shards[murmur3.Sum32([]byte(hash))&s.mask]
}

func (s *MemoryIndicatorStore) mayContain(hash string) bool {
	s.bloomMu.RLock()
	defer s.bloomMu.RUnlock()
	return s.bloom.TestString(hash)
}

func (s *MemoryIndicatorStore) remember(hash string) {
	s.bloomMu.Lock()
	s.bloom.AddString(hash)
	s.bloomMu.Unlock()
}

func (s *MemoryIndicatorStore) Get(ctx context.Context, hash string) (*domain.Indicator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.mayContain(hash) {
		return nil, domain.ErrNotFound
	}
	sh := s.shardFor(hash)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ind, ok := sh.m[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ind.Clone(), nil
}

func (s *MemoryIndicatorStore) Update(ctx context.Context, hash string, fn ports.UpdateFunc) (*domain.Indicator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	next, err := fn(sh.m[hash].Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, errNilUpdate
	}
	next = next.Clone()
	next.IndicatorHash = hash
	sh.m[hash] = next
	s.remember(hash)
	return next.Clone(), nil
}

func (s *MemoryIndicatorStore) Find(ctx context.Context, q domain.IndicatorQuery) ([]domain.Indicator, error) {
	var out []domain.Indicator
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, ind := range sh.m {
			if q.Matches(ind) {
				out = append(out, *ind.Clone())
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].IndicatorHash < out[j].IndicatorHash
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryIndicatorStore) Stats(ctx context.Context, k int, since time.Time) (ports.IndicatorStats, error) {
	var st ports.IndicatorStats
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return ports.IndicatorStats{}, err
		}
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, ind := range sh.m {
			st.Total++
			if ind.Shareable(k) {
				st.Shared++
			}
			if !ind.LastSeen.Before(since) {
				st.UpdatedSince++
			}
		}
		sh.mu.RUnlock()
	}
	return st, nil
}

func (s *MemoryIndicatorStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if !v.ExpiresAt.IsZero() && v.ExpiresAt.Before(before) {
				delete(sh.m, k)
				purged++
			}
		}
		sh.mu.Unlock()
	}
	return purged, nil
}

// MemoryParticipationStore keeps participation records in a map.
type MemoryParticipationStore struct {
	mu      sync.Mutex
	records map[string]*domain.ParticipationRecord
}

var _ ports.ParticipationStore = (*MemoryParticipationStore)(nil)

func NewMemoryParticipationStore() *MemoryParticipationStore {
	return &MemoryParticipationStore{records: make(map[string]*domain.ParticipationRecord)}
}

func (s *MemoryParticipationStore) record(orgHash string) *domain.ParticipationRecord {
	r, ok := s.records[orgHash]
	if !ok {
		r = &domain.ParticipationRecord{OrgHash: orgHash}
		s.records[orgHash] = r
	}
	return r
}

func (s *MemoryParticipationStore) RecordShare(_ context.Context, orgHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(orgHash)
	r.IndicatorsShared++
	r.LastActive = at
	return nil
}

func (s *MemoryParticipationStore) RecordConsume(_ context.Context, orgHash string, results int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(orgHash)
	r.IndicatorsConsumed += results
	r.LastActive = at
	return nil
}

func (s *MemoryParticipationStore) Get(_ context.Context, orgHash string) (*domain.ParticipationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[orgHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryParticipationStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}

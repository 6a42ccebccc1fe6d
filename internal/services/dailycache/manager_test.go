package dailycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ncecere/usage_insights/internal/models"
	"github.com/ncecere/usage_insights/internal/timeutil"
)

// memStore is an in-memory Store double. Copies on write so tests observe
// the persisted snapshot, not later mutations.
type memStore struct {
	mu      sync.Mutex
	records map[string]*models.CacheRecord
	getErr  error
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*models.CacheRecord)}
}

func (s *memStore) Get(_ context.Context, day timeutil.Day) (*models.CacheRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	record, ok := s.records[day.String()]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (s *memStore) Upsert(_ context.Context, record *models.CacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	clone := *record
	s.records[record.Date] = &clone
	return nil
}

func (s *memStore) DeleteBefore(_ context.Context, cutoff timeutil.Day) ([]timeutil.Day, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []timeutil.Day
	for date := range s.records {
		if date < cutoff.String() {
			delete(s.records, date)
			day, err := timeutil.ParseDay(date)
			if err != nil {
				return nil, err
			}
			deleted = append(deleted, day)
		}
	}
	return deleted, nil
}

// memTier is an in-memory RecordTier double.
type memTier struct {
	mu      sync.Mutex
	records map[string]*models.CacheRecord
}

func newMemTier() *memTier {
	return &memTier{records: make(map[string]*models.CacheRecord)}
}

func (t *memTier) Get(_ context.Context, day timeutil.Day) *models.CacheRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[day.String()]
}

func (t *memTier) Set(_ context.Context, record *models.CacheRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[record.Date] = record
}

func (t *memTier) Invalidate(_ context.Context, day timeutil.Day) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, day.String())
}

// memMetrics counts MetricsSink events.
type memMetrics struct {
	mu           sync.Mutex
	lookups      map[string]int
	rebuilds     int
	contention   int
	aggregations int
}

func newMemMetrics() *memMetrics {
	return &memMetrics{lookups: make(map[string]int)}
}

func (m *memMetrics) RecordCacheLookup(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[outcome]++
}

func (m *memMetrics) RecordRebuild(time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuilds++
}

func (m *memMetrics) RecordLockContention() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contention++
}

func (m *memMetrics) RecordAggregation(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregations++
}

// memLocker mimics the advisory lock with an in-process try-lock per key.
type memLocker struct {
	mu    sync.Mutex
	held  map[int64]bool
	busy  atomic.Int64
	taken atomic.Int64
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[int64]bool)}
}

func (l *memLocker) TryWithLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error) {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		l.busy.Add(1)
		return false, nil
	}
	l.held[key] = true
	l.mu.Unlock()
	l.taken.Add(1)

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return true, fn(ctx)
}

func testDayData(day timeutil.Day, requests uint64) *models.EnrichedDayData {
	return &models.EnrichedDayData{
		Date:    day.String(),
		Metrics: models.Metrics{Requests: requests, TotalTokens: requests * 10},
		Breakdown: models.DayBreakdown{
			Models: map[models.ModelID]*models.ModelBucket{
				"openai/gpt-4": {
					Metrics: models.Metrics{Requests: requests, TotalTokens: requests * 10, SuccessfulRequests: requests},
					Users: map[models.UserID]*models.ModelUserBucket{
						"user-1": {UserID: "user-1", Username: "alice", Metrics: models.Metrics{Requests: requests}},
					},
				},
			},
			Providers: map[models.ProviderID]*models.ProviderBucket{
				"openai": {Metrics: models.Metrics{Requests: requests}},
			},
			Users: map[models.UserID]*models.UserBucket{
				"user-1": {
					UserID:   "user-1",
					Username: "alice",
					Metrics:  models.Metrics{Requests: requests},
					Models: map[models.ModelID]*models.UserModelBucket{
						"openai/gpt-4": {ModelName: "openai/gpt-4", Metrics: models.Metrics{Requests: requests}},
					},
				},
			},
		},
	}
}

func newTestManager(store Store, locker Locker, cfg Config) *Manager {
	m := NewManager(store, locker, nil, nil, cfg)
	m.sleep = func(context.Context, time.Duration) {}
	return m
}

func fixedClock(m *Manager, at time.Time) {
	m.now = func() time.Time { return at }
}

func TestGetCachedDailyDataReadOnlyMiss(t *testing.T) {
	m := newTestManager(newMemStore(), newMemLocker(), Config{})
	day := timeutil.NewDay(2025, time.June, 1)

	data, err := m.GetCachedDailyData(context.Background(), day, nil)
	if err != nil {
		t.Fatalf("read-only miss should not error: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil on read-only miss, got %+v", data)
	}
}

func TestGetCachedDailyDataRebuildsOnceUnderConcurrency(t *testing.T) {
	store := newMemStore()
	locker := newMemLocker()
	m := newTestManager(store, locker, Config{})
	fixedClock(m, time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC))
	day := timeutil.NewDay(2025, time.June, 1)

	var rebuilds atomic.Int64
	rebuild := func(_ context.Context, d timeutil.Day) (*models.EnrichedDayData, error) {
		rebuilds.Add(1)
		return testDayData(d, 100), nil
	}

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetCachedDailyData(context.Background(), day, rebuild); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent get failed: %v", err)
	}

	if got := rebuilds.Load(); got != 1 {
		t.Fatalf("expected exactly one rebuild, got %d", got)
	}
}

func TestGetCachedDailyDataHitSkipsRebuild(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newMemLocker(), Config{})
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	fixedClock(m, now)
	day := timeutil.NewDay(2025, time.June, 1)

	store.Upsert(context.Background(), &models.CacheRecord{
		Date:       day.String(),
		RawData:    testDayData(day, 7),
		IsComplete: true,
		UpdatedAt:  now.Add(-30 * 24 * time.Hour),
	})

	called := false
	data, err := m.GetCachedDailyData(context.Background(), day, func(context.Context, timeutil.Day) (*models.EnrichedDayData, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("hit errored: %v", err)
	}
	if called {
		t.Fatal("complete record must not trigger a rebuild")
	}
	if data == nil || data.Metrics.Requests != 7 {
		t.Fatalf("unexpected data: %+v", data)
	}
}

func TestTTLExpiryTriggersExactlyOneRebuild(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newMemLocker(), Config{CurrentDayTTL: 5 * time.Minute})
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	fixedClock(m, now)
	day := timeutil.Today(now)

	store.Upsert(context.Background(), &models.CacheRecord{
		Date:       day.String(),
		RawData:    testDayData(day, 3),
		IsComplete: false,
		UpdatedAt:  now.Add(-10 * time.Minute),
	})

	var rebuilds atomic.Int64
	rebuild := func(_ context.Context, d timeutil.Day) (*models.EnrichedDayData, error) {
		rebuilds.Add(1)
		return testDayData(d, 9), nil
	}

	data, err := m.GetCachedDailyData(context.Background(), day, rebuild)
	if err != nil {
		t.Fatalf("rebuild after expiry failed: %v", err)
	}
	if data == nil || data.Metrics.Requests != 9 {
		t.Fatalf("expected rebuilt data, got %+v", data)
	}
	if got := rebuilds.Load(); got != 1 {
		t.Fatalf("expected one rebuild, got %d", got)
	}

	// Within TTL the refreshed record is a plain hit.
	if _, err := m.GetCachedDailyData(context.Background(), day, rebuild); err != nil {
		t.Fatalf("followup get failed: %v", err)
	}
	if got := rebuilds.Load(); got != 1 {
		t.Fatalf("fresh record must not rebuild again, got %d rebuilds", got)
	}
}

func TestIncompleteRecordWithinTTLIsFresh(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newMemLocker(), Config{CurrentDayTTL: 5 * time.Minute})
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	fixedClock(m, now)
	day := timeutil.Today(now)

	store.Upsert(context.Background(), &models.CacheRecord{
		Date:       day.String(),
		RawData:    testDayData(day, 4),
		IsComplete: false,
		UpdatedAt:  now.Add(-2 * time.Minute),
	})

	data, err := m.GetCachedDailyData(context.Background(), day, func(context.Context, timeutil.Day) (*models.EnrichedDayData, error) {
		t.Fatal("fresh incomplete record must not rebuild")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if data == nil || data.Metrics.Requests != 4 {
		t.Fatalf("unexpected data: %+v", data)
	}
}

func TestGracePeriodControlsCompleteness(t *testing.T) {
	tests := []struct {
		name         string
		at           time.Time
		wantComplete bool
	}{
		{"inside grace window", time.Date(2025, time.June, 11, 0, 2, 0, 0, time.UTC), false},
		{"outside grace window", time.Date(2025, time.June, 11, 0, 10, 0, 0, time.UTC), true},
	}
	yesterday := timeutil.NewDay(2025, time.June, 10)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			m := newTestManager(store, newMemLocker(), Config{GracePeriod: 5 * time.Minute})
			fixedClock(m, tt.at)

			_, err := m.GetCachedDailyData(context.Background(), yesterday, func(_ context.Context, d timeutil.Day) (*models.EnrichedDayData, error) {
				return testDayData(d, 5), nil
			})
			if err != nil {
				t.Fatalf("rebuild failed: %v", err)
			}

			record, err := store.Get(context.Background(), yesterday)
			if err != nil || record == nil {
				t.Fatalf("record not persisted: %v", err)
			}
			if record.IsComplete != tt.wantComplete {
				t.Fatalf("want is_complete=%v, got %v", tt.wantComplete, record.IsComplete)
			}
		})
	}
}

func TestCompleteRecordIsImmutableEvenWhenForced(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newMemLocker(), Config{})
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	fixedClock(m, now)
	day := timeutil.NewDay(2025, time.January, 15)

	original := testDayData(day, 11)
	store.Upsert(context.Background(), &models.CacheRecord{
		Date:       day.String(),
		RawData:    original,
		IsComplete: true,
		UpdatedAt:  now.Add(-100 * 24 * time.Hour),
	})

	data, err := m.RefreshDay(context.Background(), day, func(_ context.Context, d timeutil.Day) (*models.EnrichedDayData, error) {
		t.Fatal("complete record must never be rebuilt")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("forced refresh errored: %v", err)
	}
	if data == nil || data.Metrics.Requests != 11 {
		t.Fatalf("expected original data back, got %+v", data)
	}
}

func TestRebuildIdempotence(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newMemLocker(), Config{CurrentDayTTL: 5 * time.Minute})
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	day := timeutil.Today(now)

	rebuild := func(_ context.Context, d timeutil.Day) (*models.EnrichedDayData, error) {
		return testDayData(d, 42), nil
	}

	snapshot := func() []byte {
		record, err := store.Get(context.Background(), day)
		if err != nil || record == nil {
			t.Fatalf("record missing: %v", err)
		}
		payload := struct {
			ByUser     any
			ByModel    any
			ByProvider any
			Total      models.Metrics
		}{record.AggregatedByUser, record.AggregatedByModel, record.AggregatedByProvider, record.TotalMetrics}
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal snapshot: %v", err)
		}
		return data
	}

	fixedClock(m, now)
	if _, err := m.GetCachedDailyData(context.Background(), day, rebuild); err != nil {
		t.Fatalf("first rebuild failed: %v", err)
	}
	first := snapshot()

	// Expire and rebuild with identical upstream data.
	fixedClock(m, now.Add(10*time.Minute))
	if _, err := m.GetCachedDailyData(context.Background(), day, rebuild); err != nil {
		t.Fatalf("second rebuild failed: %v", err)
	}
	second := snapshot()

	if string(first) != string(second) {
		t.Fatalf("rebuild not idempotent:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestNoActivityDayIsCachedEmpty(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newMemLocker(), Config{})
	fixedClock(m, time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC))
	day := timeutil.NewDay(2025, time.June, 1)

	var rebuilds atomic.Int64
	rebuild := func(context.Context, timeutil.Day) (*models.EnrichedDayData, error) {
		rebuilds.Add(1)
		return nil, nil
	}

	data, err := m.GetCachedDailyData(context.Background(), day, rebuild)
	if err != nil {
		t.Fatalf("no-activity rebuild failed: %v", err)
	}
	if data == nil || data.Metrics.Requests != 0 {
		t.Fatalf("expected empty day data, got %+v", data)
	}

	// Historical empty day is now a permanent hit.
	if _, err := m.GetCachedDailyData(context.Background(), day, rebuild); err != nil {
		t.Fatalf("followup get failed: %v", err)
	}
	if got := rebuilds.Load(); got != 1 {
		t.Fatalf("empty day refetched: %d rebuilds", got)
	}
}

func TestLockContentionReturnsUnavailable(t *testing.T) {
	store := newMemStore()
	locker := newMemLocker()
	m := newTestManager(store, locker, Config{})
	fixedClock(m, time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC))
	day := timeutil.NewDay(2025, time.June, 1)

	// Hold the day's lock from "another process".
	release := make(chan struct{})
	held := make(chan struct{})
	go locker.TryWithLock(context.Background(), m.lockKey(day), func(context.Context) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	data, err := m.GetCachedDailyData(context.Background(), day, func(context.Context, timeutil.Day) (*models.EnrichedDayData, error) {
		t.Fatal("loser must not rebuild")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("contention is not an error: %v", err)
	}
	if data != nil {
		t.Fatalf("expected unavailable (nil), got %+v", data)
	}
}

func TestRefreshDaySurfacesFetchErrors(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newMemLocker(), Config{})
	fixedClock(m, time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC))
	day := timeutil.NewDay(2025, time.June, 1)

	upstream := errors.New("gateway 503")
	_, err := m.RefreshDay(context.Background(), day, func(context.Context, timeutil.Day) (*models.EnrichedDayData, error) {
		return nil, upstream
	})
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("want ErrRefreshFailed, got %v", err)
	}
	if !errors.Is(err, upstream) {
		t.Fatalf("upstream cause lost: %v", err)
	}

	record, _ := store.Get(context.Background(), day)
	if record != nil {
		t.Fatalf("failed fetch must not be cached, got %+v", record)
	}
}

func TestCollectRangeSkipsFailingDays(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newMemLocker(), Config{})
	fixedClock(m, time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC))
	start := timeutil.NewDay(2025, time.June, 1)
	end := timeutil.NewDay(2025, time.June, 3)

	bad := timeutil.NewDay(2025, time.June, 2)
	rebuild := func(_ context.Context, d timeutil.Day) (*models.EnrichedDayData, error) {
		if d.Equal(bad) {
			return nil, fmt.Errorf("upstream timeout")
		}
		return testDayData(d, 1), nil
	}

	collected, err := m.CollectRange(context.Background(), start, end, rebuild)
	if err != nil {
		t.Fatalf("range collection should tolerate per-day failures: %v", err)
	}
	if len(collected) != 2 {
		t.Fatalf("want 2 collected days, got %d", len(collected))
	}
	for _, day := range collected {
		if day.Date == bad.String() {
			t.Fatalf("failing day must be excluded, got %s", day.Date)
		}
	}
}

func TestCollectRangeAbortsOnStoreError(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("connection reset")
	m := newTestManager(store, newMemLocker(), Config{})
	start := timeutil.NewDay(2025, time.June, 1)

	_, err := m.CollectRange(context.Background(), start, start.AddDays(2), func(_ context.Context, d timeutil.Day) (*models.EnrichedDayData, error) {
		return testDayData(d, 1), nil
	})
	if err == nil {
		t.Fatal("store errors must abort the range collection")
	}
}

func TestCleanupExpiredDeletesBeyondRetention(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newMemLocker(), Config{RetentionDays: 30})
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	fixedClock(m, now)

	old := timeutil.Today(now).AddDays(-40)
	recent := timeutil.Today(now).AddDays(-5)
	store.Upsert(context.Background(), &models.CacheRecord{Date: old.String(), IsComplete: true})
	store.Upsert(context.Background(), &models.CacheRecord{Date: recent.String(), IsComplete: true})

	deleted, err := m.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("want 1 deleted, got %d", deleted)
	}
	if record, _ := store.Get(context.Background(), recent); record == nil {
		t.Fatal("recent record must survive retention cleanup")
	}
}

func TestCleanupExpiredInvalidatesRecordTier(t *testing.T) {
	store := newMemStore()
	tier := newMemTier()
	m := NewManager(store, newMemLocker(), tier, nil, Config{RetentionDays: 30})
	m.sleep = func(context.Context, time.Duration) {}
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	fixedClock(m, now)

	old := timeutil.Today(now).AddDays(-40)
	recent := timeutil.Today(now).AddDays(-5)
	for _, day := range []timeutil.Day{old, recent} {
		record := &models.CacheRecord{Date: day.String(), IsComplete: true}
		store.Upsert(context.Background(), record)
		tier.Set(context.Background(), record)
	}

	if _, err := m.CleanupExpired(context.Background()); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if tier.Get(context.Background(), old) != nil {
		t.Fatal("deleted day must be evicted from the record tier")
	}
	if tier.Get(context.Background(), recent) == nil {
		t.Fatal("retained day must stay in the record tier")
	}
}

func TestRebuildReportsMetrics(t *testing.T) {
	store := newMemStore()
	sink := newMemMetrics()
	m := NewManager(store, newMemLocker(), nil, sink, Config{})
	m.sleep = func(context.Context, time.Duration) {}
	fixedClock(m, time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC))
	day := timeutil.NewDay(2025, time.June, 1)

	if _, err := m.GetCachedDailyData(context.Background(), day, func(_ context.Context, d timeutil.Day) (*models.EnrichedDayData, error) {
		return testDayData(d, 5), nil
	}); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	if sink.lookups["miss"] != 1 {
		t.Fatalf("want 1 miss lookup, got %d", sink.lookups["miss"])
	}
	if sink.rebuilds != 1 {
		t.Fatalf("want 1 rebuild observation, got %d", sink.rebuilds)
	}
	if sink.aggregations != 1 {
		t.Fatalf("want 1 aggregation observation, got %d", sink.aggregations)
	}

	// The followup hit reports a lookup but no further build work.
	if _, err := m.GetCachedDailyData(context.Background(), day, nil); err != nil {
		t.Fatalf("followup get failed: %v", err)
	}
	if sink.lookups["hit"] != 1 {
		t.Fatalf("want 1 hit lookup, got %d", sink.lookups["hit"])
	}
	if sink.aggregations != 1 {
		t.Fatalf("hit must not re-aggregate, got %d observations", sink.aggregations)
	}
}

package dailycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/usage_insights/internal/lock"
	"github.com/ncecere/usage_insights/internal/models"
	"github.com/ncecere/usage_insights/internal/services/aggregation"
	"github.com/ncecere/usage_insights/internal/timeutil"
)

var (
	// ErrRefreshFailed wraps upstream fetch failures during an explicit
	// single-day refresh.
	ErrRefreshFailed = errors.New("daily refresh failed")
)

// FetchError marks an upstream fetch failure for one day. Range collection
// skips days failing this way; everything else (store read/write errors)
// aborts the whole operation.
type FetchError struct {
	Date string
	Err  error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch day %s: %v", e.Date, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// RebuildFunc fetches and enriches one day of upstream usage. A nil result
// means the day had no activity; an error is fatal for the calling
// operation and is never cached.
type RebuildFunc func(ctx context.Context, day timeutil.Day) (*models.EnrichedDayData, error)

// Store is the durable per-day record store. DeleteBefore returns the days
// it removed so callers can invalidate read tiers keyed by date.
type Store interface {
	Get(ctx context.Context, day timeutil.Day) (*models.CacheRecord, error)
	Upsert(ctx context.Context, record *models.CacheRecord) error
	DeleteBefore(ctx context.Context, cutoff timeutil.Day) ([]timeutil.Day, error)
}

// Locker provides non-blocking cross-process mutual exclusion. acquired is
// false (with a nil error) when the lock is held elsewhere.
type Locker interface {
	TryWithLock(ctx context.Context, key int64, fn func(context.Context) error) (acquired bool, err error)
}

// RecordTier is an optional fast read tier in front of the store.
type RecordTier interface {
	Get(ctx context.Context, day timeutil.Day) *models.CacheRecord
	Set(ctx context.Context, record *models.CacheRecord)
	Invalidate(ctx context.Context, day timeutil.Day)
}

// MetricsSink receives cache observability events. Implementations must be
// safe for concurrent use; a nil sink disables reporting.
type MetricsSink interface {
	RecordCacheLookup(outcome string)
	RecordRebuild(duration time.Duration, complete bool)
	RecordLockContention()
	RecordAggregation(duration time.Duration)
}

// Config tunes cache freshness and coordination behavior.
type Config struct {
	// CurrentDayTTL bounds how long an incomplete (still accumulating)
	// record is served before a rebuild. Default 5m.
	CurrentDayTTL time.Duration
	// GracePeriod is how long after UTC midnight "yesterday" is still
	// treated as current. Default 5m.
	GracePeriod time.Duration
	// LockBackoff is the single fixed wait after losing the rebuild lock
	// before the one cache re-check. Default 100ms.
	LockBackoff time.Duration
	// RetentionDays bounds how far back records are kept. Default 365.
	RetentionDays int
}

func (c Config) withDefaults() Config {
	if c.CurrentDayTTL <= 0 {
		c.CurrentDayTTL = 5 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
	if c.LockBackoff <= 0 {
		c.LockBackoff = 100 * time.Millisecond
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 365
	}
	return c
}

// Manager orchestrates get-or-build over the per-day cache. At most one
// rebuild runs per calendar day across all processes; the advisory lock,
// not an in-process mutex, enforces that.
type Manager struct {
	store   Store
	locker  Locker
	tier    RecordTier
	engine  *aggregation.Engine
	metrics MetricsSink
	cfg     Config

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

func NewManager(store Store, locker Locker, tier RecordTier, metrics MetricsSink, cfg Config) *Manager {
	return &Manager{
		store:   store,
		locker:  locker,
		tier:    tier,
		engine:  aggregation.NewEngine(),
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// GetCachedDailyData returns the cached day, rebuilding on miss when a
// rebuild function is supplied. A (nil, nil) return means the day is
// temporarily unavailable (lock held elsewhere and the cache stayed empty
// after the backoff); callers skip or report, they do not treat it as an
// error.
func (m *Manager) GetCachedDailyData(ctx context.Context, day timeutil.Day, rebuild RebuildFunc) (*models.EnrichedDayData, error) {
	record, err := m.lookup(ctx, day)
	if err != nil {
		return nil, err
	}
	if record != nil && m.isFresh(record) {
		m.recordLookup("hit")
		return record.RawData, nil
	}
	m.recordLookup("miss")

	if rebuild == nil {
		// Read-only mode: report the miss, never build.
		return nil, nil
	}

	var result *models.EnrichedDayData
	acquired, err := m.locker.TryWithLock(ctx, m.lockKey(day), func(ctx context.Context) error {
		// Another process may have finished building while we raced for
		// the lock.
		current, err := m.store.Get(ctx, day)
		if err != nil {
			return err
		}
		if current != nil && m.isFresh(current) {
			result = current.RawData
			return nil
		}
		built, err := m.rebuildAndPersist(ctx, day, rebuild)
		if err != nil {
			return err
		}
		result = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	if acquired {
		return result, nil
	}

	// Lock held elsewhere: wait once, re-check once, then give up on this
	// date for this call.
	m.recordContention()
	m.sleep(ctx, m.cfg.LockBackoff)
	record, err = m.lookup(ctx, day)
	if err != nil {
		return nil, err
	}
	if record != nil {
		return record.RawData, nil
	}
	slog.Debug("day unavailable after lock contention", slog.String("date", day.String()))
	return nil, nil
}

// RefreshDay forces a rebuild of one day, surfacing upstream failures to
// the caller. Records already marked complete are immutable and are
// returned as-is even when a refresh is forced.
func (m *Manager) RefreshDay(ctx context.Context, day timeutil.Day, rebuild RebuildFunc) (*models.EnrichedDayData, error) {
	if rebuild == nil {
		return nil, fmt.Errorf("refresh %s: rebuild function is required", day)
	}
	record, err := m.lookup(ctx, day)
	if err != nil {
		return nil, err
	}
	if record != nil && record.IsComplete {
		return record.RawData, nil
	}

	var result *models.EnrichedDayData
	acquired, err := m.locker.TryWithLock(ctx, m.lockKey(day), func(ctx context.Context) error {
		current, err := m.store.Get(ctx, day)
		if err != nil {
			return err
		}
		if current != nil && current.IsComplete {
			result = current.RawData
			return nil
		}
		built, err := m.rebuildAndPersist(ctx, day, rebuild)
		if err != nil {
			var fetchErr *FetchError
			if errors.As(err, &fetchErr) {
				return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
			}
			return err
		}
		result = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		m.recordContention()
		return nil, fmt.Errorf("%w: %s: rebuild already in progress", ErrRefreshFailed, day)
	}
	return result, nil
}

// CollectRange gathers every day in [start, end]. Per-day fetch failures
// are logged and skipped so the range result is partial rather than failing
// outright; store errors still abort.
func (m *Manager) CollectRange(ctx context.Context, start, end timeutil.Day, rebuild RebuildFunc) ([]models.EnrichedDayData, error) {
	days := timeutil.Range(start, end)
	collected := make([]models.EnrichedDayData, 0, len(days))
	for _, day := range days {
		data, err := m.GetCachedDailyData(ctx, day, rebuild)
		if err != nil {
			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				return nil, err
			}
			slog.Warn("skip day in range collection",
				slog.String("date", day.String()),
				slog.String("error", err.Error()))
			continue
		}
		if data == nil {
			continue
		}
		collected = append(collected, *data)
	}
	return collected, nil
}

// CleanupExpired drops records older than the retention window. Deleted
// days are also evicted from the record tier so a just-read expired day
// cannot outlive its row.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := timeutil.Today(m.now()).AddDays(-m.cfg.RetentionDays)
	deleted, err := m.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if m.tier != nil {
		for _, day := range deleted {
			m.tier.Invalidate(ctx, day)
		}
	}
	if len(deleted) > 0 {
		slog.Info("daily cache retention cleanup",
			slog.String("cutoff", cutoff.String()),
			slog.Int("deleted", len(deleted)))
	}
	return int64(len(deleted)), nil
}

// RunRetentionSweeper blocks running periodic cleanups until ctx ends.
func (m *Manager) RunRetentionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.CleanupExpired(ctx); err != nil {
			slog.Error("daily cache retention sweep", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) lookup(ctx context.Context, day timeutil.Day) (*models.CacheRecord, error) {
	if m.tier != nil {
		if record := m.tier.Get(ctx, day); record != nil {
			return record, nil
		}
	}
	record, err := m.store.Get(ctx, day)
	if err != nil {
		return nil, err
	}
	if record != nil && m.tier != nil {
		m.tier.Set(ctx, record)
	}
	return record, nil
}

func (m *Manager) rebuildAndPersist(ctx context.Context, day timeutil.Day, rebuild RebuildFunc) (*models.EnrichedDayData, error) {
	buildID := uuid.NewString()
	started := m.now()
	slog.Info("rebuilding daily cache",
		slog.String("date", day.String()),
		slog.String("build_id", buildID))

	data, err := rebuild(ctx, day)
	if err != nil {
		return nil, &FetchError{Date: day.String(), Err: err}
	}
	if data == nil {
		// No activity upstream: persist an empty record so the day is not
		// refetched on every read.
		data = &models.EnrichedDayData{Date: day.String()}
	}

	// The completeness decision uses the clock AFTER the fetch returned:
	// a build that started before midnight but finished inside the grace
	// window must still be treated as current.
	complete := !m.isCurrentDayWithGracePeriod(day, m.now())
	record := m.materialize(day, data, complete)
	if err := m.store.Upsert(ctx, record); err != nil {
		return nil, err
	}
	if m.tier != nil {
		m.tier.Set(ctx, record)
	}
	duration := m.now().Sub(started)
	if m.metrics != nil {
		m.metrics.RecordRebuild(duration, complete)
	}
	slog.Info("daily cache rebuilt",
		slog.String("date", day.String()),
		slog.String("build_id", buildID),
		slog.Bool("complete", complete),
		slog.Duration("took", duration))
	return data, nil
}

func (m *Manager) materialize(day timeutil.Day, data *models.EnrichedDayData, complete bool) *models.CacheRecord {
	started := time.Now()
	agg := m.engine.AggregateDailyData([]models.EnrichedDayData{*data}, aggregation.Filters{})
	if m.metrics != nil {
		m.metrics.RecordAggregation(time.Since(started))
	}
	return &models.CacheRecord{
		Date:                 day.String(),
		RawData:              data,
		AggregatedByUser:     agg.ByUser,
		AggregatedByModel:    agg.ByModel,
		AggregatedByProvider: agg.ByProvider,
		TotalMetrics:         agg.TotalMetrics,
		IsComplete:           complete,
		UpdatedAt:            m.now(),
	}
}

// isFresh decides whether a stored record can be served without a rebuild.
// Complete (historical) records never expire; incomplete ones live for the
// configured TTL from their last write.
func (m *Manager) isFresh(record *models.CacheRecord) bool {
	if record.IsComplete {
		return true
	}
	return m.now().Sub(record.UpdatedAt) < m.cfg.CurrentDayTTL
}

// isCurrentDayWithGracePeriod reports whether day must still be treated as
// accumulating. Today always is. Yesterday is, but only within the grace
// window after UTC midnight: a rebuild started just before midnight may
// land just after it, and without the grace window that data would be
// frozen as complete while it was still accumulating when fetched.
func (m *Manager) isCurrentDayWithGracePeriod(day timeutil.Day, now time.Time) bool {
	today := timeutil.Today(now)
	if day.Equal(today) {
		return true
	}
	if !day.Equal(today.AddDays(-1)) {
		return false
	}
	elapsed := time.Duration(timeutil.MinutesSinceMidnightUTC(now)) * time.Minute
	return elapsed <= m.cfg.GracePeriod
}

func (m *Manager) lockKey(day timeutil.Day) int64 {
	return lock.KeyForDay(day.String())
}

func (m *Manager) recordLookup(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordCacheLookup(outcome)
	}
}

func (m *Manager) recordContention() {
	if m.metrics != nil {
		m.metrics.RecordLockContention()
	}
}

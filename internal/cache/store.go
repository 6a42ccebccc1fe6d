package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ncecere/usage_insights/internal/models"
	"github.com/ncecere/usage_insights/internal/timeutil"
)

// PostgresStore persists one CacheRecord per calendar day. Writes are
// whole-record upserts keyed by date, so readers observe either the old or
// the new record, never a torn one.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get returns the record for day, or nil when no record exists.
func (s *PostgresStore) Get(ctx context.Context, day timeutil.Day) (*models.CacheRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("cache store not initialized")
	}

	const query = `
		SELECT raw_data, aggregated_by_user, aggregated_by_model, aggregated_by_provider,
		       total_metrics, is_complete, updated_at
		FROM daily_usage_cache
		WHERE date = $1`

	var (
		rawData      []byte
		byUser       []byte
		byModel      []byte
		byProvider   []byte
		totalMetrics []byte
		isComplete   bool
		updatedAt    pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, query, day.Time()).Scan(
		&rawData, &byUser, &byModel, &byProvider, &totalMetrics, &isComplete, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read daily cache %s: %w", day, err)
	}

	record := &models.CacheRecord{
		Date:       day.String(),
		IsComplete: isComplete,
	}
	if updatedAt.Valid {
		record.UpdatedAt = updatedAt.Time.UTC()
	}
	if err := unmarshalColumn(rawData, &record.RawData); err != nil {
		return nil, fmt.Errorf("decode raw_data for %s: %w", day, err)
	}
	if err := unmarshalColumn(byUser, &record.AggregatedByUser); err != nil {
		return nil, fmt.Errorf("decode aggregated_by_user for %s: %w", day, err)
	}
	if err := unmarshalColumn(byModel, &record.AggregatedByModel); err != nil {
		return nil, fmt.Errorf("decode aggregated_by_model for %s: %w", day, err)
	}
	if err := unmarshalColumn(byProvider, &record.AggregatedByProvider); err != nil {
		return nil, fmt.Errorf("decode aggregated_by_provider for %s: %w", day, err)
	}
	if len(totalMetrics) > 0 {
		if err := json.Unmarshal(totalMetrics, &record.TotalMetrics); err != nil {
			return nil, fmt.Errorf("decode total_metrics for %s: %w", day, err)
		}
	}
	return record, nil
}

// Upsert writes the whole record, replacing any existing row for its date.
func (s *PostgresStore) Upsert(ctx context.Context, record *models.CacheRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("cache store not initialized")
	}
	if record == nil {
		return fmt.Errorf("cache record is required")
	}
	day, err := timeutil.ParseDay(record.Date)
	if err != nil {
		return fmt.Errorf("upsert daily cache: %w", err)
	}

	rawData, err := json.Marshal(record.RawData)
	if err != nil {
		return fmt.Errorf("encode raw_data for %s: %w", day, err)
	}
	byUser, err := json.Marshal(record.AggregatedByUser)
	if err != nil {
		return fmt.Errorf("encode aggregated_by_user for %s: %w", day, err)
	}
	byModel, err := json.Marshal(record.AggregatedByModel)
	if err != nil {
		return fmt.Errorf("encode aggregated_by_model for %s: %w", day, err)
	}
	byProvider, err := json.Marshal(record.AggregatedByProvider)
	if err != nil {
		return fmt.Errorf("encode aggregated_by_provider for %s: %w", day, err)
	}
	totalMetrics, err := json.Marshal(record.TotalMetrics)
	if err != nil {
		return fmt.Errorf("encode total_metrics for %s: %w", day, err)
	}

	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO daily_usage_cache (
			date, raw_data, aggregated_by_user, aggregated_by_model,
			aggregated_by_provider, total_metrics, is_complete, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (date) DO UPDATE SET
			raw_data = EXCLUDED.raw_data,
			aggregated_by_user = EXCLUDED.aggregated_by_user,
			aggregated_by_model = EXCLUDED.aggregated_by_model,
			aggregated_by_provider = EXCLUDED.aggregated_by_provider,
			total_metrics = EXCLUDED.total_metrics,
			is_complete = EXCLUDED.is_complete,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		day.Time(), rawData, byUser, byModel, byProvider, totalMetrics,
		record.IsComplete, pgtype.Timestamptz{Time: updatedAt, Valid: true},
	)
	if err != nil {
		return fmt.Errorf("upsert daily cache %s: %w", day, err)
	}
	return nil
}

// DeleteBefore removes every record older than cutoff and returns the
// deleted days so read tiers keyed by date can be invalidated.
func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff timeutil.Day) ([]timeutil.Day, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("cache store not initialized")
	}
	rows, err := s.pool.Query(ctx,
		"DELETE FROM daily_usage_cache WHERE date < $1 RETURNING date", cutoff.Time())
	if err != nil {
		return nil, fmt.Errorf("delete daily cache before %s: %w", cutoff, err)
	}
	defer rows.Close()

	var deleted []timeutil.Day
	for rows.Next() {
		var date time.Time
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("scan deleted date: %w", err)
		}
		deleted = append(deleted, timeutil.DayOf(date))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delete daily cache before %s: %w", cutoff, err)
	}
	return deleted, nil
}

func unmarshalColumn(data []byte, dest any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dest)
}

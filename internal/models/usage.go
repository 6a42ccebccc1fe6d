package models

import "time"

// UserID identifies a gateway user. Distinct string types keep user, model,
// provider, and key identifiers from being used interchangeably.
type UserID string

// ModelID identifies a model, e.g. "openai/gpt-4".
type ModelID string

// ProviderID identifies an upstream provider, e.g. "openai".
type ProviderID string

// KeyAlias identifies an API key by its human-readable alias.
type KeyAlias string

// Metrics is the unit of accumulation for every breakdown level.
// SuccessfulRequests+FailedRequests may undercount Requests: success/failure
// is reconstructed from the model-level breakdown and is lossy. Likewise
// PromptTokens+CompletionTokens need not equal TotalTokens exactly because
// of upstream rounding.
type Metrics struct {
	Requests           uint64  `json:"requests"`
	TotalTokens        uint64  `json:"total_tokens"`
	PromptTokens       uint64  `json:"prompt_tokens"`
	CompletionTokens   uint64  `json:"completion_tokens"`
	SpendUSD           float64 `json:"spend"`
	SuccessfulRequests uint64  `json:"successful_requests"`
	FailedRequests     uint64  `json:"failed_requests"`
}

// Add accumulates other into m field by field.
func (m *Metrics) Add(other Metrics) {
	m.Requests += other.Requests
	m.TotalTokens += other.TotalTokens
	m.PromptTokens += other.PromptTokens
	m.CompletionTokens += other.CompletionTokens
	m.SpendUSD += other.SpendUSD
	m.SuccessfulRequests += other.SuccessfulRequests
	m.FailedRequests += other.FailedRequests
}

// IsZero reports whether no requests were recorded.
func (m Metrics) IsZero() bool { return m.Requests == 0 }

// SuccessRate returns successful requests as a percentage of all requests.
func (m Metrics) SuccessRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.Requests) * 100
}

// KeyBucket is the innermost breakdown level: one API key's share of a
// user's traffic to one model.
type KeyBucket struct {
	Metrics Metrics `json:"metrics"`
}

// UserModelBucket is one user's traffic to one model, split by API key.
type UserModelBucket struct {
	ModelName ModelID                 `json:"model_name"`
	Metrics   Metrics                 `json:"metrics"`
	APIKeys   map[KeyAlias]*KeyBucket `json:"api_keys,omitempty"`
}

// UserBucket is one user's traffic for a day, split by model.
type UserBucket struct {
	UserID   UserID                       `json:"user_id"`
	Username string                       `json:"username"`
	Email    string                       `json:"email"`
	Role     string                       `json:"role"`
	Metrics  Metrics                      `json:"metrics"`
	Models   map[ModelID]*UserModelBucket `json:"models,omitempty"`
}

// ModelUserBucket is one user's share of a model's traffic.
type ModelUserBucket struct {
	UserID   UserID  `json:"user_id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Metrics  Metrics `json:"metrics"`
}

// ModelBucket is one model's traffic for a day, split by user. Per-key
// detail lives only on the user view; key-filtered recomputation of a model
// bucket walks the matching user buckets instead.
type ModelBucket struct {
	Metrics Metrics                     `json:"metrics"`
	Users   map[UserID]*ModelUserBucket `json:"users,omitempty"`
}

// ProviderBucket is one provider's traffic for a day. Providers carry no
// per-user or per-key detail; see the aggregation engine for the
// consequences under filtering.
type ProviderBucket struct {
	Metrics Metrics `json:"metrics"`
}

// DayBreakdown holds three parallel groupings of the same day's events.
type DayBreakdown struct {
	Models    map[ModelID]*ModelBucket       `json:"models,omitempty"`
	Providers map[ProviderID]*ProviderBucket `json:"providers,omitempty"`
	Users     map[UserID]*UserBucket         `json:"users,omitempty"`
}

// EnrichedDayData is one calendar day's usage, already joined with
// user/API-key identity by the upstream enricher.
type EnrichedDayData struct {
	Date      string       `json:"date"`
	Metrics   Metrics      `json:"metrics"`
	Breakdown DayBreakdown `json:"breakdown"`
}

// CacheRecord is the durable per-day cache entry. Writes are whole-record
// upserts keyed by Date; a record is never partially written.
type CacheRecord struct {
	Date                 string                         `json:"date"`
	RawData              *EnrichedDayData               `json:"raw_data,omitempty"`
	AggregatedByUser     map[UserID]*AggregatedUser     `json:"aggregated_by_user,omitempty"`
	AggregatedByModel    map[ModelID]*AggregatedModel   `json:"aggregated_by_model,omitempty"`
	AggregatedByProvider map[ProviderID]*ProviderBucket `json:"aggregated_by_provider,omitempty"`
	TotalMetrics         Metrics                        `json:"total_metrics"`
	IsComplete           bool                           `json:"is_complete"`
	UpdatedAt            time.Time                      `json:"updated_at"`
}

// AggregatedUser is a user's entry in an aggregate, with per-model detail.
type AggregatedUser struct {
	UserID   UserID                       `json:"user_id"`
	Username string                       `json:"username"`
	Email    string                       `json:"email"`
	Role     string                       `json:"role,omitempty"`
	Metrics  Metrics                      `json:"metrics"`
	Models   map[ModelID]*UserModelBucket `json:"models,omitempty"`
}

// AggregatedModel is a model's entry in an aggregate, with per-user detail.
type AggregatedModel struct {
	ModelName ModelID                     `json:"model_name"`
	Metrics   Metrics                     `json:"metrics"`
	Users     map[UserID]*ModelUserBucket `json:"users,omitempty"`
}

// Period bounds an aggregate, both days inclusive.
type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// AggregatedUsageData is the engine's output: a period-level rollup broken
// down by user, model, and provider. It is ephemeral and never persisted.
type AggregatedUsageData struct {
	Period       Period                         `json:"period"`
	TotalMetrics Metrics                        `json:"total_metrics"`
	SuccessRate  float64                        `json:"success_rate"`
	ByUser       map[UserID]*AggregatedUser     `json:"by_user"`
	ByModel      map[ModelID]*AggregatedModel   `json:"by_model"`
	ByProvider   map[ProviderID]*ProviderBucket `json:"by_provider"`
}

package aggregation

import (
	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_insights/internal/models"
)

// Filters narrows an aggregation along the user → model → API-key
// hierarchy. An empty slice means "no restriction" for that level.
type Filters struct {
	UserIDs   []models.UserID
	ModelIDs  []models.ModelID
	APIKeyIDs []models.KeyAlias
}

func (f Filters) hasUsers() bool  { return len(f.UserIDs) > 0 }
func (f Filters) hasModels() bool { return len(f.ModelIDs) > 0 }
func (f Filters) hasKeys() bool   { return len(f.APIKeyIDs) > 0 }

// IsEmpty reports whether no level is restricted.
func (f Filters) IsEmpty() bool { return !f.hasUsers() && !f.hasModels() && !f.hasKeys() }

type filterSets struct {
	users  map[models.UserID]struct{}
	models map[models.ModelID]struct{}
	keys   map[models.KeyAlias]struct{}
}

func newFilterSets(f Filters) filterSets {
	sets := filterSets{}
	if f.hasUsers() {
		sets.users = make(map[models.UserID]struct{}, len(f.UserIDs))
		for _, id := range f.UserIDs {
			sets.users[id] = struct{}{}
		}
	}
	if f.hasModels() {
		sets.models = make(map[models.ModelID]struct{}, len(f.ModelIDs))
		for _, id := range f.ModelIDs {
			sets.models[id] = struct{}{}
		}
	}
	if f.hasKeys() {
		sets.keys = make(map[models.KeyAlias]struct{}, len(f.APIKeyIDs))
		for _, id := range f.APIKeyIDs {
			sets.keys[id] = struct{}{}
		}
	}
	return sets
}

func (s filterSets) allowUser(id models.UserID) bool {
	if s.users == nil {
		return true
	}
	_, ok := s.users[id]
	return ok
}

func (s filterSets) allowModel(id models.ModelID) bool {
	if s.models == nil {
		return true
	}
	_, ok := s.models[id]
	return ok
}

func (s filterSets) allowKey(id models.KeyAlias) bool {
	if s.keys == nil {
		return true
	}
	_, ok := s.keys[id]
	return ok
}

// spendSum accumulates spend through decimal arithmetic so that period
// totals do not drift across many small float contributions.
type spendSum struct {
	metrics models.Metrics
	spend   decimal.Decimal
}

func (a *spendSum) add(m models.Metrics) {
	spend := a.spend.Add(decimal.NewFromFloat(m.SpendUSD))
	a.metrics.Add(m)
	a.spend = spend
}

func (a *spendSum) total() models.Metrics {
	m := a.metrics
	m.SpendUSD, _ = a.spend.Float64()
	return m
}

// Engine recomputes period aggregates from enriched per-day data under a
// three-level filter hierarchy.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// AggregateDailyData rolls the supplied days up into one period aggregate.
//
// Filter semantics: users outside the user filter are skipped entirely; a
// model filter narrows which of a user's model buckets contribute; an API-key
// filter switches metric selection to the per-key sub-map, the only path
// that reads below model granularity. The model-level view is recomputed
// from its users (and their keys) whenever a user or key filter is active,
// because the pre-aggregated model metrics include traffic the filter
// excludes. Provider totals ignore all filters: provider buckets carry no
// user or key detail, so narrowing them is impossible and the coarse rollup
// is kept as-is.
func (e *Engine) AggregateDailyData(days []models.EnrichedDayData, filters Filters) *models.AggregatedUsageData {
	sets := newFilterSets(filters)

	result := &models.AggregatedUsageData{
		ByUser:     make(map[models.UserID]*models.AggregatedUser),
		ByModel:    make(map[models.ModelID]*models.AggregatedModel),
		ByProvider: make(map[models.ProviderID]*models.ProviderBucket),
	}

	for _, day := range days {
		extendPeriod(&result.Period, day.Date)
		e.accumulateUserView(result, day, sets, filters)
		e.accumulateModelView(result, day, sets, filters)
		e.accumulateProviderView(result, day)
	}

	dropZeroEntries(result)
	result.TotalMetrics = recomputeTotals(result, filters)
	result.SuccessRate = result.TotalMetrics.SuccessRate()
	return result
}

func (e *Engine) accumulateUserView(result *models.AggregatedUsageData, day models.EnrichedDayData, sets filterSets, filters Filters) {
	for userID, bucket := range day.Breakdown.Users {
		if bucket == nil || !sets.allowUser(userID) {
			continue
		}
		entry := result.ByUser[userID]
		if entry == nil {
			entry = &models.AggregatedUser{
				UserID:   userID,
				Username: bucket.Username,
				Email:    bucket.Email,
				Role:     bucket.Role,
				Models:   make(map[models.ModelID]*models.UserModelBucket),
			}
			result.ByUser[userID] = entry
		}

		for modelID, modelBucket := range bucket.Models {
			if modelBucket == nil || !sets.allowModel(modelID) {
				continue
			}
			modelEntry := entry.Models[modelID]
			if modelEntry == nil {
				modelEntry = &models.UserModelBucket{
					ModelName: modelID,
					APIKeys:   make(map[models.KeyAlias]*models.KeyBucket),
				}
				entry.Models[modelID] = modelEntry
			}

			if filters.hasKeys() {
				// Per-key selection: only aliases named by the filter
				// contribute, everything else adds nothing.
				for alias, keyBucket := range modelBucket.APIKeys {
					if keyBucket == nil || !sets.allowKey(alias) {
						continue
					}
					modelEntry.Metrics.Add(keyBucket.Metrics)
					entry.Metrics.Add(keyBucket.Metrics)
					keyEntry := modelEntry.APIKeys[alias]
					if keyEntry == nil {
						keyEntry = &models.KeyBucket{}
						modelEntry.APIKeys[alias] = keyEntry
					}
					keyEntry.Metrics.Add(keyBucket.Metrics)
				}
				continue
			}

			// Fast path: trust the pre-aggregated model bucket and skip
			// the per-key walk entirely.
			modelEntry.Metrics.Add(modelBucket.Metrics)
			entry.Metrics.Add(modelBucket.Metrics)
		}
	}
}

func (e *Engine) accumulateModelView(result *models.AggregatedUsageData, day models.EnrichedDayData, sets filterSets, filters Filters) {
	for modelID, bucket := range day.Breakdown.Models {
		if bucket == nil || !sets.allowModel(modelID) {
			continue
		}
		entry := result.ByModel[modelID]
		if entry == nil {
			entry = &models.AggregatedModel{
				ModelName: modelID,
				Users:     make(map[models.UserID]*models.ModelUserBucket),
			}
			result.ByModel[modelID] = entry
		}

		if !filters.hasUsers() && !filters.hasKeys() {
			entry.Metrics.Add(bucket.Metrics)
			for userID, userShare := range bucket.Users {
				if userShare == nil {
					continue
				}
				addModelUserShare(entry, userID, userShare, userShare.Metrics)
			}
			continue
		}

		// The bucket's own metrics include users and keys the filter
		// excludes, so rebuild the model aggregate from its user shares.
		for userID, userShare := range bucket.Users {
			if userShare == nil || !sets.allowUser(userID) {
				continue
			}
			contribution := userShare.Metrics
			if filters.hasKeys() {
				contribution = keyFilteredUserModelMetrics(day, userID, modelID, sets)
			}
			if contribution.IsZero() {
				continue
			}
			entry.Metrics.Add(contribution)
			addModelUserShare(entry, userID, userShare, contribution)
		}
	}
}

func (e *Engine) accumulateProviderView(result *models.AggregatedUsageData, day models.EnrichedDayData) {
	for providerID, bucket := range day.Breakdown.Providers {
		if bucket == nil {
			continue
		}
		entry := result.ByProvider[providerID]
		if entry == nil {
			entry = &models.ProviderBucket{}
			result.ByProvider[providerID] = entry
		}
		entry.Metrics.Add(bucket.Metrics)
	}
}

// keyFilteredUserModelMetrics sums the filter-selected API keys of one
// user's traffic to one model. Per-key detail lives on the user view, so
// the lookup crosses from the model view into breakdown.users.
func keyFilteredUserModelMetrics(day models.EnrichedDayData, userID models.UserID, modelID models.ModelID, sets filterSets) models.Metrics {
	var sum models.Metrics
	userBucket := day.Breakdown.Users[userID]
	if userBucket == nil {
		return sum
	}
	modelBucket := userBucket.Models[modelID]
	if modelBucket == nil {
		return sum
	}
	for alias, keyBucket := range modelBucket.APIKeys {
		if keyBucket == nil || !sets.allowKey(alias) {
			continue
		}
		sum.Add(keyBucket.Metrics)
	}
	return sum
}

func addModelUserShare(entry *models.AggregatedModel, userID models.UserID, share *models.ModelUserBucket, contribution models.Metrics) {
	userEntry := entry.Users[userID]
	if userEntry == nil {
		userEntry = &models.ModelUserBucket{
			UserID:   userID,
			Username: share.Username,
			Email:    share.Email,
		}
		entry.Users[userID] = userEntry
	}
	userEntry.Metrics.Add(contribution)
}

func extendPeriod(period *models.Period, date string) {
	if date == "" {
		return
	}
	if period.Start == "" || date < period.Start {
		period.Start = date
	}
	if period.End == "" || date > period.End {
		period.End = date
	}
}

// dropZeroEntries removes breakdown entries whose filtered metrics ended up
// empty. Filter exclusion can visit a bucket without any contribution,
// which would otherwise leave phantom zero-valued entries behind.
func dropZeroEntries(result *models.AggregatedUsageData) {
	for userID, entry := range result.ByUser {
		for modelID, modelEntry := range entry.Models {
			if modelEntry.Metrics.IsZero() {
				delete(entry.Models, modelID)
			}
		}
		if entry.Metrics.IsZero() {
			delete(result.ByUser, userID)
		}
	}
	for modelID, entry := range result.ByModel {
		for userID, userEntry := range entry.Users {
			if userEntry.Metrics.IsZero() {
				delete(entry.Users, userID)
			}
		}
		if entry.Metrics.IsZero() {
			delete(result.ByModel, modelID)
		}
	}
}

// recomputeTotals derives the period total in a second pass from the most
// granular view that is guaranteed to reflect the active filters, instead
// of accumulating during the per-day walk.
func recomputeTotals(result *models.AggregatedUsageData, filters Filters) models.Metrics {
	var sum spendSum
	switch {
	case filters.hasKeys() || filters.hasModels():
		for _, entry := range result.ByUser {
			for _, modelEntry := range entry.Models {
				sum.add(modelEntry.Metrics)
			}
		}
	case filters.hasUsers():
		for _, entry := range result.ByUser {
			sum.add(entry.Metrics)
		}
	default:
		// The model view carries the success/failure counts needed for
		// the aggregate success rate.
		for _, entry := range result.ByModel {
			sum.add(entry.Metrics)
		}
	}
	return sum.total()
}

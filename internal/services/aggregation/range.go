package aggregation

import (
	"github.com/ncecere/usage_insights/internal/models"
)

// MergeDayRecords folds already-materialized per-day cache records into a
// period aggregate by summing the stored breakdown maps field by field.
// This is the cheap path for unfiltered period summaries: it never
// re-derives from raw breakdowns and it is NOT filter-aware. Callers that
// need filtering must aggregate raw EnrichedDayData through the engine.
func MergeDayRecords(records []*models.CacheRecord) *models.AggregatedUsageData {
	result := &models.AggregatedUsageData{
		ByUser:     make(map[models.UserID]*models.AggregatedUser),
		ByModel:    make(map[models.ModelID]*models.AggregatedModel),
		ByProvider: make(map[models.ProviderID]*models.ProviderBucket),
	}

	var total spendSum
	for _, record := range records {
		if record == nil {
			continue
		}
		extendPeriod(&result.Period, record.Date)
		total.add(record.TotalMetrics)
		mergeUserAggregates(result.ByUser, record.AggregatedByUser)
		mergeModelAggregates(result.ByModel, record.AggregatedByModel)
		mergeProviderAggregates(result.ByProvider, record.AggregatedByProvider)
	}

	result.TotalMetrics = total.total()
	result.SuccessRate = result.TotalMetrics.SuccessRate()
	return result
}

func mergeUserAggregates(dest map[models.UserID]*models.AggregatedUser, src map[models.UserID]*models.AggregatedUser) {
	for userID, entry := range src {
		if entry == nil {
			continue
		}
		target := dest[userID]
		if target == nil {
			target = &models.AggregatedUser{
				UserID:   userID,
				Username: entry.Username,
				Email:    entry.Email,
				Role:     entry.Role,
				Models:   make(map[models.ModelID]*models.UserModelBucket),
			}
			dest[userID] = target
		}
		target.Metrics.Add(entry.Metrics)
		for modelID, modelEntry := range entry.Models {
			if modelEntry == nil {
				continue
			}
			targetModel := target.Models[modelID]
			if targetModel == nil {
				targetModel = &models.UserModelBucket{
					ModelName: modelID,
					APIKeys:   make(map[models.KeyAlias]*models.KeyBucket),
				}
				target.Models[modelID] = targetModel
			}
			targetModel.Metrics.Add(modelEntry.Metrics)
			for alias, keyEntry := range modelEntry.APIKeys {
				if keyEntry == nil {
					continue
				}
				targetKey := targetModel.APIKeys[alias]
				if targetKey == nil {
					targetKey = &models.KeyBucket{}
					targetModel.APIKeys[alias] = targetKey
				}
				targetKey.Metrics.Add(keyEntry.Metrics)
			}
		}
	}
}

func mergeModelAggregates(dest map[models.ModelID]*models.AggregatedModel, src map[models.ModelID]*models.AggregatedModel) {
	for modelID, entry := range src {
		if entry == nil {
			continue
		}
		target := dest[modelID]
		if target == nil {
			target = &models.AggregatedModel{
				ModelName: modelID,
				Users:     make(map[models.UserID]*models.ModelUserBucket),
			}
			dest[modelID] = target
		}
		target.Metrics.Add(entry.Metrics)
		for userID, userEntry := range entry.Users {
			if userEntry == nil {
				continue
			}
			targetUser := target.Users[userID]
			if targetUser == nil {
				targetUser = &models.ModelUserBucket{
					UserID:   userID,
					Username: userEntry.Username,
					Email:    userEntry.Email,
				}
				target.Users[userID] = targetUser
			}
			targetUser.Metrics.Add(userEntry.Metrics)
		}
	}
}

func mergeProviderAggregates(dest map[models.ProviderID]*models.ProviderBucket, src map[models.ProviderID]*models.ProviderBucket) {
	for providerID, entry := range src {
		if entry == nil {
			continue
		}
		target := dest[providerID]
		if target == nil {
			target = &models.ProviderBucket{}
			dest[providerID] = target
		}
		target.Metrics.Add(entry.Metrics)
	}
}

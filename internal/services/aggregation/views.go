package aggregation

import (
	"sort"

	"github.com/ncecere/usage_insights/internal/models"
)

const topShareLimit = 5

// ModelShare is a model's slice of a user's period usage.
type ModelShare struct {
	Model   models.ModelID `json:"model"`
	Metrics models.Metrics `json:"metrics"`
}

// UserShare is a user's slice of a model's period usage.
type UserShare struct {
	UserID   models.UserID  `json:"user_id"`
	Username string         `json:"username"`
	Email    string         `json:"email"`
	Metrics  models.Metrics `json:"metrics"`
}

// UserUsageView is one user's period rollup with their heaviest models.
type UserUsageView struct {
	UserID      models.UserID  `json:"user_id"`
	Username    string         `json:"username"`
	Email       string         `json:"email"`
	Role        string         `json:"role,omitempty"`
	Metrics     models.Metrics `json:"metrics"`
	SuccessRate float64        `json:"success_rate"`
	TopModels   []ModelShare   `json:"top_models"`
}

// ModelUsageView is one model's period rollup with its heaviest users.
type ModelUsageView struct {
	Model       models.ModelID `json:"model"`
	Metrics     models.Metrics `json:"metrics"`
	SuccessRate float64        `json:"success_rate"`
	TopUsers    []UserShare    `json:"top_users"`
}

// ProviderUsageView is one provider's period rollup.
type ProviderUsageView struct {
	Provider models.ProviderID `json:"provider"`
	Metrics  models.Metrics    `json:"metrics"`
}

// AggregateByUser is an unfiltered aggregation reshaped as a per-user list,
// heaviest spender first. Tie order between equal spends follows map
// iteration and is unspecified.
func (e *Engine) AggregateByUser(days []models.EnrichedDayData) []UserUsageView {
	agg := e.AggregateDailyData(days, Filters{})
	views := make([]UserUsageView, 0, len(agg.ByUser))
	for _, entry := range agg.ByUser {
		view := UserUsageView{
			UserID:      entry.UserID,
			Username:    entry.Username,
			Email:       entry.Email,
			Role:        entry.Role,
			Metrics:     entry.Metrics,
			SuccessRate: entry.Metrics.SuccessRate(),
			TopModels:   make([]ModelShare, 0, len(entry.Models)),
		}
		for modelID, modelEntry := range entry.Models {
			view.TopModels = append(view.TopModels, ModelShare{Model: modelID, Metrics: modelEntry.Metrics})
		}
		sort.Slice(view.TopModels, func(i, j int) bool {
			return view.TopModels[i].Metrics.SpendUSD > view.TopModels[j].Metrics.SpendUSD
		})
		if len(view.TopModels) > topShareLimit {
			view.TopModels = view.TopModels[:topShareLimit]
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Metrics.SpendUSD > views[j].Metrics.SpendUSD
	})
	return views
}

// AggregateByModel is an unfiltered aggregation reshaped as a per-model
// list, heaviest spender first.
func (e *Engine) AggregateByModel(days []models.EnrichedDayData) []ModelUsageView {
	agg := e.AggregateDailyData(days, Filters{})
	views := make([]ModelUsageView, 0, len(agg.ByModel))
	for modelID, entry := range agg.ByModel {
		view := ModelUsageView{
			Model:       modelID,
			Metrics:     entry.Metrics,
			SuccessRate: entry.Metrics.SuccessRate(),
			TopUsers:    make([]UserShare, 0, len(entry.Users)),
		}
		for userID, userEntry := range entry.Users {
			view.TopUsers = append(view.TopUsers, UserShare{
				UserID:   userID,
				Username: userEntry.Username,
				Email:    userEntry.Email,
				Metrics:  userEntry.Metrics,
			})
		}
		sort.Slice(view.TopUsers, func(i, j int) bool {
			return view.TopUsers[i].Metrics.SpendUSD > view.TopUsers[j].Metrics.SpendUSD
		})
		if len(view.TopUsers) > topShareLimit {
			view.TopUsers = view.TopUsers[:topShareLimit]
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Metrics.SpendUSD > views[j].Metrics.SpendUSD
	})
	return views
}

// AggregateByProvider is an unfiltered aggregation reshaped as a
// per-provider list, heaviest spender first.
func (e *Engine) AggregateByProvider(days []models.EnrichedDayData) []ProviderUsageView {
	agg := e.AggregateDailyData(days, Filters{})
	views := make([]ProviderUsageView, 0, len(agg.ByProvider))
	for providerID, entry := range agg.ByProvider {
		views = append(views, ProviderUsageView{Provider: providerID, Metrics: entry.Metrics})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Metrics.SpendUSD > views[j].Metrics.SpendUSD
	})
	return views
}

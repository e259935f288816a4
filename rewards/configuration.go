/*
configuration.go - Admin-managed rate configurations and seasonal promotions

PURPOSE:
  CRUD for the two rule sets the calculator reads, plus the two lookups the
  calculator needs: which configuration is active, and which season applies
  on a given day.

ACTIVATION RULES:
  Configurations:
    - Saving a configuration with IsActive set deactivates every other one
      in the same store write, so at most one is active after any save.
    - If the store still holds several active rows (imported data, manual
      edits), the most recently updated wins, then the lowest ID.

  Seasons:
    - Overlapping active seasons are allowed.
    - For a given day the season with the latest StartDate applies, then
      the most recently updated, then the lowest ID.

  Validation runs before any write. A rejected save leaves the store as it was.
*/
package rewards

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// IDFunc generates record identifiers.
type IDFunc func() string

func NewID() string { return uuid.NewString() }

type ConfigurationManager struct {
	configs ConfigurationStore
	seasons SeasonStore
	clock   Clock
	newID   IDFunc
}

func NewConfigurationManager(configs ConfigurationStore, seasons SeasonStore, clock Clock) *ConfigurationManager {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ConfigurationManager{configs: configs, seasons: seasons, clock: clock, newID: NewID}
}

// =============================================================================
// RATE CONFIGURATIONS
// =============================================================================

// CreateConfiguration validates and stores cfg. An empty ID is generated.
func (m *ConfigurationManager) CreateConfiguration(ctx context.Context, actor Actor, cfg RateConfiguration) (*RateConfiguration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if cfg.ID == "" {
		cfg.ID = ConfigurationID(m.newID())
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.CategoryMultipliers = cfg.CategoryMultipliers.Clone()
	cfg.CreatedBy = actor.ID
	cfg.UpdatedBy = actor.ID
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := m.configs.InsertConfiguration(ctx, cfg, cfg.IsActive); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigurationManager) GetConfiguration(ctx context.Context, id ConfigurationID) (*RateConfiguration, error) {
	return m.configs.GetConfiguration(ctx, id)
}

// ListConfigurations returns active configurations first, then the most
// recently updated.
func (m *ConfigurationManager) ListConfigurations(ctx context.Context) ([]RateConfiguration, error) {
	all, err := m.configs.ListConfigurations(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].IsActive != all[j].IsActive {
			return all[i].IsActive
		}
		return configurationPrecedes(all[i], all[j])
	})
	return all, nil
}

// UpdateConfiguration replaces the configuration with id. CreatedAt and
// CreatedBy are preserved.
func (m *ConfigurationManager) UpdateConfiguration(ctx context.Context, actor Actor, id ConfigurationID, cfg RateConfiguration) (*RateConfiguration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	existing, err := m.configs.GetConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg.ID = id
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.CategoryMultipliers = cfg.CategoryMultipliers.Clone()
	cfg.CreatedBy = existing.CreatedBy
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedBy = actor.ID
	cfg.UpdatedAt = m.clock.Now()

	if err := m.configs.ReplaceConfiguration(ctx, cfg, cfg.IsActive); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigurationManager) DeleteConfiguration(ctx context.Context, id ConfigurationID) error {
	return m.configs.DeleteConfiguration(ctx, id)
}

// ActiveConfiguration returns the configuration the calculator should use,
// or ErrNoActiveConfiguration.
func (m *ConfigurationManager) ActiveConfiguration(ctx context.Context) (*RateConfiguration, error) {
	all, err := m.configs.ListConfigurations(ctx)
	if err != nil {
		return nil, err
	}
	var best *RateConfiguration
	for i := range all {
		if !all[i].IsActive {
			continue
		}
		if best == nil || configurationPrecedes(all[i], *best) {
			best = &all[i]
		}
	}
	if best == nil {
		return nil, ErrNoActiveConfiguration
	}
	return best, nil
}

// configurationPrecedes orders by UpdatedAt descending, then ID ascending.
func configurationPrecedes(a, b RateConfiguration) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// =============================================================================
// SEASONAL PROMOTIONS
// =============================================================================

func (m *ConfigurationManager) CreateSeason(ctx context.Context, season SeasonalPromotion) (*SeasonalPromotion, error) {
	if err := season.Validate(); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if season.ID == "" {
		season.ID = SeasonID(m.newID())
	}
	season.Name = strings.TrimSpace(season.Name)
	season.CreatedAt = now
	season.UpdatedAt = now

	if err := m.seasons.InsertSeason(ctx, season); err != nil {
		return nil, err
	}
	return &season, nil
}

func (m *ConfigurationManager) GetSeason(ctx context.Context, id SeasonID) (*SeasonalPromotion, error) {
	return m.seasons.GetSeason(ctx, id)
}

// ListSeasons returns seasons ordered by StartDate, latest first.
func (m *ConfigurationManager) ListSeasons(ctx context.Context) ([]SeasonalPromotion, error) {
	all, err := m.seasons.ListSeasons(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return seasonPrecedes(all[i], all[j]) })
	return all, nil
}

func (m *ConfigurationManager) UpdateSeason(ctx context.Context, id SeasonID, season SeasonalPromotion) (*SeasonalPromotion, error) {
	if err := season.Validate(); err != nil {
		return nil, err
	}
	existing, err := m.seasons.GetSeason(ctx, id)
	if err != nil {
		return nil, err
	}
	season.ID = id
	season.Name = strings.TrimSpace(season.Name)
	season.CreatedAt = existing.CreatedAt
	season.UpdatedAt = m.clock.Now()

	if err := m.seasons.ReplaceSeason(ctx, season); err != nil {
		return nil, err
	}
	return &season, nil
}

func (m *ConfigurationManager) DeleteSeason(ctx context.Context, id SeasonID) error {
	return m.seasons.DeleteSeason(ctx, id)
}

// ApplicableSeason returns the season that applies on day, or nil.
func (m *ConfigurationManager) ApplicableSeason(ctx context.Context, day Date) (*SeasonalPromotion, error) {
	all, err := m.seasons.ListSeasons(ctx)
	if err != nil {
		return nil, err
	}
	var best *SeasonalPromotion
	for i := range all {
		if !all[i].AppliesOn(day) {
			continue
		}
		if best == nil || seasonPrecedes(all[i], *best) {
			best = &all[i]
		}
	}
	return best, nil
}

// DeactivateExpiredSeasons switches off active seasons that ended before
// today. It returns the deactivated seasons. The list only nominates
// candidates; the store re-checks each against the current row, so an edit
// made after the list (an extended EndDate) is never overwritten.
func (m *ConfigurationManager) DeactivateExpiredSeasons(ctx context.Context, today Date) ([]SeasonalPromotion, error) {
	all, err := m.seasons.ListSeasons(ctx)
	if err != nil {
		return nil, err
	}
	var expired []SeasonalPromotion
	for _, s := range all {
		if !s.IsActive || !s.EndDate.Before(today) {
			continue
		}
		now := m.clock.Now()
		ok, err := m.seasons.DeactivateSeason(ctx, s.ID, today, now)
		if err != nil {
			return expired, err
		}
		if !ok {
			continue
		}
		s.IsActive = false
		s.UpdatedAt = now
		expired = append(expired, s)
	}
	return expired, nil
}

// seasonPrecedes orders by StartDate descending, UpdatedAt descending, ID ascending.
func seasonPrecedes(a, b SeasonalPromotion) bool {
	if !a.StartDate.Equal(b.StartDate) {
		return a.StartDate.After(b.StartDate)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

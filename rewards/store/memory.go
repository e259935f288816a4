// Package store provides an in-memory rewards.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carepoint/rewards-engine/rewards"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps a separate log per patient so appends for different patients
// never contend. The top-level lock only guards the patient map.
type Memory struct {
	mu       sync.RWMutex
	patients map[rewards.PatientID]*patientLog

	rulesMu sync.RWMutex
	configs map[rewards.ConfigurationID]rewards.RateConfiguration
	seasons map[rewards.SeasonID]rewards.SeasonalPromotion

	cardsMu     sync.RWMutex
	cards       map[rewards.PatientID]rewards.RewardsCard
	cardNumbers map[string]rewards.PatientID
}

type patientLog struct {
	mu      sync.RWMutex
	grants  []rewards.PointsGrant // append order
	balance int64
}

func NewMemory() *Memory {
	return &Memory{
		patients:    make(map[rewards.PatientID]*patientLog),
		configs:     make(map[rewards.ConfigurationID]rewards.RateConfiguration),
		seasons:     make(map[rewards.SeasonID]rewards.SeasonalPromotion),
		cards:       make(map[rewards.PatientID]rewards.RewardsCard),
		cardNumbers: make(map[string]rewards.PatientID),
	}
}

// =============================================================================
// GRANTS - Append-only
// =============================================================================

func (m *Memory) log(patientID rewards.PatientID, create bool) *patientLog {
	m.mu.RLock()
	pl := m.patients[patientID]
	m.mu.RUnlock()
	if pl != nil || !create {
		return pl
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if pl = m.patients[patientID]; pl == nil {
		pl = &patientLog{}
		m.patients[patientID] = pl
	}
	return pl
}

// AppendGrant adds the grant and updates the cached balance under the same
// lock, so readers see both or neither.
func (m *Memory) AppendGrant(_ context.Context, grant rewards.PointsGrant) error {
	pl := m.log(grant.PatientID, true)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.grants = append(pl.grants, grant)
	pl.balance += grant.Points
	return nil
}

func (m *Memory) ListGrants(_ context.Context, patientID rewards.PatientID) ([]rewards.PointsGrant, error) {
	pl := m.log(patientID, false)
	if pl == nil {
		return []rewards.PointsGrant{}, nil
	}
	pl.mu.RLock()
	out := make([]rewards.PointsGrant, len(pl.grants))
	for i, g := range pl.grants {
		out[len(pl.grants)-1-i] = g
	}
	pl.mu.RUnlock()

	// Newest first; equal timestamps keep reverse insertion order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	return out, nil
}

func (m *Memory) SumPoints(_ context.Context, patientID rewards.PatientID) (int64, error) {
	pl := m.log(patientID, false)
	if pl == nil {
		return 0, nil
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.balance, nil
}

func (m *Memory) FindGrantBySource(_ context.Context, patientID rewards.PatientID, sourceID string) (*rewards.PointsGrant, error) {
	if sourceID == "" {
		return nil, nil
	}
	pl := m.log(patientID, false)
	if pl == nil {
		return nil, nil
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	for i := range pl.grants {
		if pl.grants[i].SourceID == sourceID {
			g := pl.grants[i]
			return &g, nil
		}
	}
	return nil, nil
}

func (m *Memory) TopEarners(_ context.Context, limit int) ([]rewards.PatientTotal, error) {
	m.mu.RLock()
	totals := make([]rewards.PatientTotal, 0, len(m.patients))
	for id, pl := range m.patients {
		pl.mu.RLock()
		totals = append(totals, rewards.PatientTotal{PatientID: id, Points: pl.balance, Grants: len(pl.grants)})
		pl.mu.RUnlock()
	}
	m.mu.RUnlock()

	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Points != totals[j].Points {
			return totals[i].Points > totals[j].Points
		}
		return totals[i].PatientID < totals[j].PatientID
	})
	if limit > 0 && len(totals) > limit {
		totals = totals[:limit]
	}
	return totals, nil
}

// =============================================================================
// RATE CONFIGURATIONS
// =============================================================================

func (m *Memory) InsertConfiguration(_ context.Context, cfg rewards.RateConfiguration, deactivateOthers bool) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	if _, ok := m.configs[cfg.ID]; ok {
		return &rewards.ValidationError{Field: "id", Reason: "configuration " + string(cfg.ID) + " already exists"}
	}
	m.saveConfigLocked(cfg, deactivateOthers)
	return nil
}

func (m *Memory) ReplaceConfiguration(_ context.Context, cfg rewards.RateConfiguration, deactivateOthers bool) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	if _, ok := m.configs[cfg.ID]; !ok {
		return &rewards.NotFoundError{Kind: "configuration", ID: string(cfg.ID)}
	}
	m.saveConfigLocked(cfg, deactivateOthers)
	return nil
}

func (m *Memory) saveConfigLocked(cfg rewards.RateConfiguration, deactivateOthers bool) {
	if cfg.IsActive && deactivateOthers {
		for id, other := range m.configs {
			if id != cfg.ID && other.IsActive {
				other.IsActive = false
				m.configs[id] = other
			}
		}
	}
	cfg.CategoryMultipliers = cfg.CategoryMultipliers.Clone()
	m.configs[cfg.ID] = cfg
}

func (m *Memory) GetConfiguration(_ context.Context, id rewards.ConfigurationID) (*rewards.RateConfiguration, error) {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, &rewards.NotFoundError{Kind: "configuration", ID: string(id)}
	}
	cfg.CategoryMultipliers = cfg.CategoryMultipliers.Clone()
	return &cfg, nil
}

func (m *Memory) ListConfigurations(_ context.Context) ([]rewards.RateConfiguration, error) {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()
	out := make([]rewards.RateConfiguration, 0, len(m.configs))
	for _, cfg := range m.configs {
		cfg.CategoryMultipliers = cfg.CategoryMultipliers.Clone()
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteConfiguration(_ context.Context, id rewards.ConfigurationID) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	if _, ok := m.configs[id]; !ok {
		return &rewards.NotFoundError{Kind: "configuration", ID: string(id)}
	}
	delete(m.configs, id)
	return nil
}

// =============================================================================
// SEASONAL PROMOTIONS
// =============================================================================

func (m *Memory) InsertSeason(_ context.Context, season rewards.SeasonalPromotion) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	if _, ok := m.seasons[season.ID]; ok {
		return &rewards.ValidationError{Field: "id", Reason: "season " + string(season.ID) + " already exists"}
	}
	m.seasons[season.ID] = season
	return nil
}

func (m *Memory) ReplaceSeason(_ context.Context, season rewards.SeasonalPromotion) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	if _, ok := m.seasons[season.ID]; !ok {
		return &rewards.NotFoundError{Kind: "season", ID: string(season.ID)}
	}
	m.seasons[season.ID] = season
	return nil
}

func (m *Memory) DeactivateSeason(_ context.Context, id rewards.SeasonID, endedBefore rewards.Date, at time.Time) (bool, error) {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	s, ok := m.seasons[id]
	if !ok || !s.IsActive || !s.EndDate.Before(endedBefore) {
		return false, nil
	}
	s.IsActive = false
	s.UpdatedAt = at
	m.seasons[id] = s
	return true, nil
}

func (m *Memory) GetSeason(_ context.Context, id rewards.SeasonID) (*rewards.SeasonalPromotion, error) {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()
	s, ok := m.seasons[id]
	if !ok {
		return nil, &rewards.NotFoundError{Kind: "season", ID: string(id)}
	}
	return &s, nil
}

func (m *Memory) ListSeasons(_ context.Context) ([]rewards.SeasonalPromotion, error) {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()
	out := make([]rewards.SeasonalPromotion, 0, len(m.seasons))
	for _, s := range m.seasons {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteSeason(_ context.Context, id rewards.SeasonID) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	if _, ok := m.seasons[id]; !ok {
		return &rewards.NotFoundError{Kind: "season", ID: string(id)}
	}
	delete(m.seasons, id)
	return nil
}

// =============================================================================
// CARDS
// =============================================================================

func (m *Memory) InsertCard(_ context.Context, card rewards.RewardsCard) error {
	m.cardsMu.Lock()
	defer m.cardsMu.Unlock()
	if _, ok := m.cards[card.PatientID]; ok {
		return rewards.ErrDuplicateCard
	}
	if _, ok := m.cardNumbers[card.CardNumber]; ok {
		return rewards.ErrCardNumberTaken
	}
	m.cards[card.PatientID] = card
	m.cardNumbers[card.CardNumber] = card.PatientID
	return nil
}

func (m *Memory) GetCardByPatient(_ context.Context, patientID rewards.PatientID) (*rewards.RewardsCard, error) {
	m.cardsMu.RLock()
	defer m.cardsMu.RUnlock()
	card, ok := m.cards[patientID]
	if !ok {
		return nil, nil
	}
	return &card, nil
}

func (m *Memory) CardNumberExists(_ context.Context, number string) (bool, error) {
	m.cardsMu.RLock()
	defer m.cardsMu.RUnlock()
	_, ok := m.cardNumbers[number]
	return ok, nil
}

// Reset clears all data (for demo scenarios).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	m.patients = make(map[rewards.PatientID]*patientLog)
	m.mu.Unlock()

	m.rulesMu.Lock()
	m.configs = make(map[rewards.ConfigurationID]rewards.RateConfiguration)
	m.seasons = make(map[rewards.SeasonID]rewards.SeasonalPromotion)
	m.rulesMu.Unlock()

	m.cardsMu.Lock()
	m.cards = make(map[rewards.PatientID]rewards.RewardsCard)
	m.cardNumbers = make(map[string]rewards.PatientID)
	m.cardsMu.Unlock()
	return nil
}

var _ rewards.Store = (*Memory)(nil)

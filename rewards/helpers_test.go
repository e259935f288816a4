package rewards_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/rewards-engine/rewards"
	"github.com/carepoint/rewards-engine/rewards/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var admin = rewards.Actor{ID: "admin-1", Role: rewards.RoleAdmin}

func date(year int, month time.Month, day int) rewards.Date {
	return rewards.NewDate(year, month, day)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stepClock advances by one minute on every reading, so records saved in
// sequence get distinct timestamps.
type stepClock struct {
	mu sync.Mutex
	at time.Time
}

func newStepClock(start time.Time) *stepClock {
	return &stepClock{at: start}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.at
	c.at = c.at.Add(time.Minute)
	return now
}

type fixture struct {
	store       *store.Memory
	clock       rewards.Clock
	rules       *rewards.ConfigurationManager
	calculator  *rewards.PointsCalculator
	ledger      *rewards.Ledger
	coordinator *rewards.Coordinator
}

// newFixture wires the components over a memory store. The clock starts on
// 2025-03-15 at noon UTC.
func newFixture(t *testing.T, opts ...rewards.CoordinatorOption) *fixture {
	t.Helper()
	s := store.NewMemory()
	clock := newStepClock(time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC))
	rules := rewards.NewConfigurationManager(s, s, clock)
	calculator := rewards.NewPointsCalculator(rules, clock)
	ledger := rewards.NewLedger(s, clock, nil).WithCards(s)
	return &fixture{
		store:       s,
		clock:       clock,
		rules:       rules,
		calculator:  calculator,
		ledger:      ledger,
		coordinator: rewards.NewCoordinator(calculator, ledger, zerolog.Nop(), opts...),
	}
}

func (f *fixture) seedDefaults(t *testing.T) {
	t.Helper()
	created, err := rewards.SeedDefaults(context.Background(), f.rules)
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) createConfiguration(t *testing.T, cfg rewards.RateConfiguration) *rewards.RateConfiguration {
	t.Helper()
	created, err := f.rules.CreateConfiguration(context.Background(), admin, cfg)
	require.NoError(t, err)
	return created
}

func (f *fixture) createSeason(t *testing.T, season rewards.SeasonalPromotion) *rewards.SeasonalPromotion {
	t.Helper()
	created, err := f.rules.CreateSeason(context.Background(), season)
	require.NoError(t, err)
	return created
}

func wellnessRates() rewards.RateConfiguration {
	return rewards.RateConfiguration{
		ID:       "wellness",
		Name:     "Wellness rates",
		BaseRate: decimal.NewFromInt(10),
		CategoryMultipliers: rewards.CategoryMultipliers{
			"Supplements": dec("1.5"),
			"Services":    dec("0.5"),
		},
		IsActive: true,
	}
}

func springSeason() rewards.SeasonalPromotion {
	return rewards.SeasonalPromotion{
		ID:         "spring",
		Name:       "Spring Double Points",
		StartDate:  date(2025, time.March, 1),
		EndDate:    date(2025, time.March, 31),
		Multiplier: decimal.NewFromInt(2),
		IsActive:   true,
	}
}

func productOrder(patient rewards.PatientID, sourceID, total string) rewards.TransactionEvent {
	return rewards.TransactionEvent{
		PatientID:       patient,
		SourceID:        sourceID,
		Kind:            rewards.KindProduct,
		PriceTotal:      dec(total),
		TransactionDate: date(2025, time.March, 15),
	}
}

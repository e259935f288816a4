package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/rewards-engine/rewards"
	"github.com/carepoint/rewards-engine/rewards/store"
)

var noon = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

func TestMemory_ListGrantsNewestFirst(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.AppendGrant(ctx, rewards.PointsGrant{ID: "old", PatientID: "p", Points: 1, Date: noon}))
	require.NoError(t, m.AppendGrant(ctx, rewards.PointsGrant{ID: "new", PatientID: "p", Points: 2, Date: noon.Add(time.Hour)}))
	require.NoError(t, m.AppendGrant(ctx, rewards.PointsGrant{ID: "same-time", PatientID: "p", Points: 3, Date: noon.Add(time.Hour)}))
	// Appended late but dated earlier.
	require.NoError(t, m.AppendGrant(ctx, rewards.PointsGrant{ID: "backdated", PatientID: "p", Points: 4, Date: noon.Add(-time.Hour)}))

	list, err := m.ListGrants(ctx, "p")

	require.NoError(t, err)
	ids := make([]rewards.GrantID, len(list))
	for i, g := range list {
		ids[i] = g.ID
	}
	assert.Equal(t, []rewards.GrantID{"same-time", "new", "old", "backdated"}, ids)
}

func TestMemory_BalanceMatchesGrants(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			points := int64(10)
			if i%4 == 0 {
				points = -5
			}
			assert.NoError(t, m.AppendGrant(ctx, rewards.PointsGrant{PatientID: "p", Points: points, Date: noon}))
		}(i)
	}
	wg.Wait()

	list, err := m.ListGrants(ctx, "p")
	require.NoError(t, err)
	var sum int64
	for _, g := range list {
		sum += g.Points
	}
	balance, err := m.SumPoints(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
	assert.Equal(t, int64(75*10-25*5), balance)
}

func TestMemory_ConfigurationsAreCopied(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	cfg := rewards.RateConfiguration{
		ID:                  "a",
		Name:                "A",
		BaseRate:            decimal.NewFromInt(10),
		CategoryMultipliers: rewards.CategoryMultipliers{"Supplements": decimal.RequireFromString("1.5")},
		IsActive:            true,
	}
	require.NoError(t, m.InsertConfiguration(ctx, cfg, true))

	cfg.CategoryMultipliers["Supplements"] = decimal.NewFromInt(9)
	got, err := m.GetConfiguration(ctx, "a")
	require.NoError(t, err)
	got.CategoryMultipliers["Services"] = decimal.NewFromInt(9)

	again, err := m.GetConfiguration(ctx, "a")
	require.NoError(t, err)
	assert.True(t, again.CategoryMultipliers["Supplements"].Equal(decimal.RequireFromString("1.5")))
	assert.NotContains(t, again.CategoryMultipliers, "Services")
}

func TestMemory_ConfigurationErrors(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	cfg := rewards.RateConfiguration{ID: "a", Name: "A", BaseRate: decimal.NewFromInt(10)}
	require.NoError(t, m.InsertConfiguration(ctx, cfg, false))

	assert.ErrorIs(t, m.InsertConfiguration(ctx, cfg, false), rewards.ErrInvalidInput)
	cfg.ID = "missing"
	assert.True(t, rewards.IsNotFound(m.ReplaceConfiguration(ctx, cfg, false)))
	assert.True(t, rewards.IsNotFound(m.DeleteConfiguration(ctx, "missing")))
	_, err := m.GetConfiguration(ctx, "missing")
	assert.True(t, rewards.IsNotFound(err))
}

func TestMemory_Cards(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	card := rewards.RewardsCard{ID: "c1", PatientID: "p", CardNumber: "1234-5678-9012-3456"}
	require.NoError(t, m.InsertCard(ctx, card))

	assert.ErrorIs(t, m.InsertCard(ctx, rewards.RewardsCard{ID: "c2", PatientID: "p", CardNumber: "0000-0000-0000-0000"}), rewards.ErrDuplicateCard)
	assert.ErrorIs(t, m.InsertCard(ctx, rewards.RewardsCard{ID: "c3", PatientID: "q", CardNumber: card.CardNumber}), rewards.ErrCardNumberTaken)

	exists, err := m.CardNumberExists(ctx, "0000-0000-0000-0000")
	require.NoError(t, err)
	assert.False(t, exists, "rejected card must not reserve its number")
}

func TestMemory_Reset(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.AppendGrant(ctx, rewards.PointsGrant{PatientID: "p", Points: 5, Date: noon}))
	require.NoError(t, m.InsertCard(ctx, rewards.RewardsCard{ID: "c1", PatientID: "p", CardNumber: "1"}))
	require.NoError(t, m.InsertSeason(ctx, rewards.SeasonalPromotion{ID: "s"}))

	require.NoError(t, m.Reset(ctx))

	balance, err := m.SumPoints(ctx, "p")
	require.NoError(t, err)
	assert.Zero(t, balance)
	card, err := m.GetCardByPatient(ctx, "p")
	require.NoError(t, err)
	assert.Nil(t, card)
	seasons, err := m.ListSeasons(ctx)
	require.NoError(t, err)
	assert.Empty(t, seasons)
	top, err := m.TopEarners(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, top)
}

package rewards_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/rewards-engine/rewards"
)

func TestLedger_BalanceIsSumOfHistory(t *testing.T) {
	// GIVEN: Earned points, a manual deduction and a redemption
	// WHEN: Reading balance and history
	// THEN: Balance equals the sum of the history, negatives included
	f := newFixture(t)
	ctx := context.Background()
	patient := rewards.PatientID("patient-1")

	inputs := []rewards.GrantInput{
		{PatientID: patient, Points: 459, Description: "Order", SourceID: "order-1"},
		{PatientID: patient, Points: 500, Description: "Referral bonus", Kind: rewards.GrantAdjustment, CreatedBy: "clinic-1"},
		{PatientID: patient, Points: -120, Description: "Correction", CreatedBy: "admin-1"},
	}
	for _, in := range inputs {
		_, err := f.ledger.AppendGrant(ctx, in)
		require.NoError(t, err)
	}
	_, err := f.ledger.Redeem(ctx, patient, 300, "", rewards.Actor{ID: string(patient), Role: rewards.RolePatient})
	require.NoError(t, err)

	balance, err := f.ledger.Balance(ctx, patient)
	require.NoError(t, err)
	history, err := f.ledger.History(ctx, patient)
	require.NoError(t, err)

	var sum int64
	for _, g := range history {
		sum += g.Points
	}
	assert.Equal(t, int64(539), balance)
	assert.Equal(t, sum, balance)
	assert.Len(t, history, 4)
}

func TestLedger_DefaultKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	earned, err := f.ledger.AppendGrant(ctx, rewards.GrantInput{PatientID: "p", Points: 10})
	require.NoError(t, err)
	assert.Equal(t, rewards.GrantEarned, earned.Kind)

	deducted, err := f.ledger.AppendGrant(ctx, rewards.GrantInput{PatientID: "p", Points: -10})
	require.NoError(t, err)
	assert.Equal(t, rewards.GrantAdjustment, deducted.Kind)

	assert.NotEmpty(t, earned.ID)
	assert.NotEqual(t, earned.ID, deducted.ID)
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := f.ledger.AppendGrant(ctx, rewards.GrantInput{PatientID: "p", Points: int64(i), Description: fmt.Sprintf("grant %d", i)})
		require.NoError(t, err)
	}

	history, err := f.ledger.History(ctx, "p")

	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "grant 3", history[0].Description)
	assert.Equal(t, "grant 1", history[2].Description)
	assert.True(t, history[0].Date.After(history[2].Date))
}

func TestLedger_UnknownPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	balance, err := f.ledger.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, balance)

	history, err := f.ledger.History(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestLedger_RequiresPatient(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.AppendGrant(context.Background(), rewards.GrantInput{Points: 10})

	assert.ErrorIs(t, err, rewards.ErrInvalidInput)
}

func TestLedger_RedeemAllowsNegativeBalance(t *testing.T) {
	// GIVEN: A patient with 100 points
	// WHEN: Redeeming 250
	// THEN: The redemption is recorded and the balance is -150
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.AppendGrant(ctx, rewards.GrantInput{PatientID: "p", Points: 100})
	require.NoError(t, err)

	grant, err := f.ledger.Redeem(ctx, "p", 250, "", rewards.Actor{ID: "p", Role: rewards.RolePatient})

	require.NoError(t, err)
	assert.Equal(t, int64(-250), grant.Points)
	assert.Equal(t, rewards.GrantRedeemed, grant.Kind)
	assert.Equal(t, "Redeemed 250 points", grant.Description)
	assert.Equal(t, "p", grant.CreatedBy)

	balance, err := f.ledger.Balance(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(-150), balance)
}

func TestLedger_RedeemRejectsNonPositive(t *testing.T) {
	f := newFixture(t)

	for _, points := range []int64{0, -5} {
		_, err := f.ledger.Redeem(context.Background(), "p", points, "", rewards.SystemActor)
		assert.ErrorIs(t, err, rewards.ErrInvalidInput)
	}
}

func TestLedger_DateFromContextClock(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, time.December, 31, 23, 0, 0, 0, time.UTC)
	ctx := rewards.WithClock(context.Background(), rewards.FixedClock{At: at})

	grant, err := f.ledger.AppendGrant(ctx, rewards.GrantInput{PatientID: "p", Points: 1})

	require.NoError(t, err)
	assert.True(t, grant.Date.Equal(at))
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	// GIVEN: 50 concurrent appends of 10 points for one patient
	// THEN: No update is lost
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.AppendGrant(ctx, rewards.GrantInput{PatientID: "p", Points: 10})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := f.ledger.Balance(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
	history, err := f.ledger.History(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, history, 50)
}

func TestLedger_TopEarners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for patient, points := range map[rewards.PatientID]int64{"ava": 300, "ben": 900, "cleo": 600} {
		_, err := f.ledger.AppendGrant(ctx, rewards.GrantInput{PatientID: patient, Points: points})
		require.NoError(t, err)
	}

	top, err := f.ledger.TopEarners(ctx, 2)

	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, rewards.PatientID("ben"), top[0].PatientID)
	assert.Equal(t, int64(900), top[0].Points)
	assert.Equal(t, rewards.PatientID("cleo"), top[1].PatientID)
}

func TestLedger_Summary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.AppendGrant(ctx, rewards.GrantInput{PatientID: "p", Points: 800})
	require.NoError(t, err)
	_, err = f.ledger.AppendGrant(ctx, rewards.GrantInput{PatientID: "p", Points: -50, Kind: rewards.GrantAdjustment})
	require.NoError(t, err)
	_, err = f.ledger.Redeem(ctx, "p", 300, "", rewards.SystemActor)
	require.NoError(t, err)

	s, err := f.ledger.Summary(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(450), s.Balance)
	assert.Equal(t, int64(800), s.Earned)
	assert.Equal(t, int64(300), s.Redeemed)
	assert.Len(t, s.History, 3)
	assert.Nil(t, s.Card)

	issuer := rewards.NewCardIssuer(f.store, f.clock)
	card, err := issuer.RequestCard(ctx, "p")
	require.NoError(t, err)

	s, err = f.ledger.Summary(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, s.Card)
	assert.Equal(t, card.CardNumber, s.Card.CardNumber)
}

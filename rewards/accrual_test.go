package rewards_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/rewards-engine/rewards"
	"github.com/carepoint/rewards-engine/rewards/store"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

// flakyGrants fails the first `failures` appends. With commitFirst set the
// failing appends are written before the error is reported.
type flakyGrants struct {
	*store.Memory
	mu          sync.Mutex
	failures    int
	failWith    error
	commitFirst bool
	calls       int
}

func (s *flakyGrants) AppendGrant(ctx context.Context, grant rewards.PointsGrant) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if !fail {
		return s.Memory.AppendGrant(ctx, grant)
	}
	if s.commitFirst {
		if err := s.Memory.AppendGrant(ctx, grant); err != nil {
			return err
		}
	}
	return s.failWith
}

type countingRecorder struct {
	mu       sync.Mutex
	statuses map[rewards.AccrualStatus]int
	kinds    map[rewards.TransactionKind]int
	points   int64
	retries  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		statuses: make(map[rewards.AccrualStatus]int),
		kinds:    make(map[rewards.TransactionKind]int),
	}
}

func (r *countingRecorder) ObserveAccrual(kind rewards.TransactionKind, status rewards.AccrualStatus, points int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[status]++
	r.kinds[kind]++
	r.points += points
}

func (r *countingRecorder) ObserveAppendRetry(rewards.TransactionKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

var fastRetry = rewards.RetryPolicy{MaxTries: 4, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

// newFlakyCoordinator builds a coordinator whose ledger writes through grants.
func newFlakyCoordinator(t *testing.T, grants *flakyGrants, rec rewards.Recorder) (*rewards.Coordinator, *rewards.Ledger) {
	t.Helper()
	clock := rewards.FixedClock{At: time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)}
	rules := rewards.NewConfigurationManager(grants.Memory, grants.Memory, clock)
	_, err := rewards.SeedDefaults(context.Background(), rules)
	require.NoError(t, err)
	ledger := rewards.NewLedger(grants, clock, nil)
	coord := rewards.NewCoordinator(rewards.NewPointsCalculator(rules, clock), ledger, zerolog.Nop(),
		rewards.WithRecorder(rec), rewards.WithRetryPolicy(fastRetry))
	return coord, ledger
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestAccrual_ProductOrder(t *testing.T) {
	// GIVEN: Default earn rates
	// WHEN: A $45.99 product order completes
	// THEN: 459 points are granted with the order as source
	f := newFixture(t)
	f.seedDefaults(t)
	ctx := context.Background()

	res, err := f.coordinator.OnTransactionCompleted(ctx, productOrder("patient-1", "order-1", "45.99"))

	require.NoError(t, err)
	require.Equal(t, rewards.StatusGranted, res.Status)
	assert.Equal(t, int64(459), res.Grant.Points)
	assert.Equal(t, "order-1", res.Grant.SourceID)
	assert.Equal(t, rewards.GrantEarned, res.Grant.Kind)
	assert.Equal(t, rewards.SystemActor.ID, res.Grant.CreatedBy)
	assert.Equal(t, "Order of 1 product", res.Grant.Description)
	require.NotNil(t, res.Calculation)
	assert.Equal(t, int64(459), res.Calculation.Points)
}

func TestAccrual_RedeliveryIsIdempotent(t *testing.T) {
	// GIVEN: An order already accrued
	// WHEN: The same completion event arrives again
	// THEN: Duplicate, balance unchanged, one grant in history
	f := newFixture(t)
	f.seedDefaults(t)
	ctx := context.Background()
	ev := productOrder("patient-1", "order-1", "45.99")

	first, err := f.coordinator.OnTransactionCompleted(ctx, ev)
	require.NoError(t, err)
	second, err := f.coordinator.OnTransactionCompleted(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, rewards.StatusDuplicate, second.Status)
	assert.Equal(t, first.Grant.ID, second.Grant.ID)
	balance, err := f.ledger.Balance(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, int64(459), balance)
	history, err := f.ledger.History(ctx, "patient-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAccrual_ConcurrentRedeliveries(t *testing.T) {
	// GIVEN: 20 concurrent deliveries of the same event
	// THEN: Exactly one grant
	f := newFixture(t)
	f.seedDefaults(t)
	ctx := context.Background()
	ev := productOrder("patient-1", "order-1", "45.99")

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coordinator.OnTransactionCompleted(ctx, ev)
			assert.NoError(t, err)
			if res.Status == rewards.StatusGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	balance, err := f.ledger.Balance(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, int64(459), balance)
}

func TestAccrual_SameSourceDifferentPatients(t *testing.T) {
	f := newFixture(t)
	f.seedDefaults(t)
	ctx := context.Background()

	for _, p := range []rewards.PatientID{"a", "b"} {
		res, err := f.coordinator.OnTransactionCompleted(ctx, productOrder(p, "order-1", "10"))
		require.NoError(t, err)
		assert.Equal(t, rewards.StatusGranted, res.Status)
	}
}

func TestAccrual_LineItemsAndSeason(t *testing.T) {
	// GIVEN: Supplements x1.5 and a x2 season
	// WHEN: An order of two $20 supplements and one $5 unlisted item
	// THEN: 1200 + 100 = 1300 points
	f := newFixture(t)
	f.createConfiguration(t, wellnessRates())
	f.createSeason(t, springSeason())

	res, err := f.coordinator.OnTransactionCompleted(context.Background(), rewards.TransactionEvent{
		PatientID: "patient-1",
		SourceID:  "order-2",
		Kind:      rewards.KindProduct,
		LineItems: []rewards.LineItem{
			{Name: "Vitamin D3", Price: decimal.NewFromInt(20), Quantity: 2, Category: "Supplements"},
			{Name: "Tote bag", Price: decimal.NewFromInt(5), Quantity: 1},
		},
		TransactionDate: date(2025, time.March, 15),
	})

	require.NoError(t, err)
	require.Equal(t, rewards.StatusGranted, res.Status)
	assert.Equal(t, int64(1300), res.Grant.Points)
	assert.Equal(t, "Order of 2 products", res.Grant.Description, "one count per line, not per unit")
}

func TestAccrual_ZeroPricedLineDoesNotVoidOrder(t *testing.T) {
	// GIVEN: Default earn rates
	// WHEN: An order of a $50 item and a free sample completes
	// THEN: The free line adds nothing and the order earns floor(50 * 10)
	f := newFixture(t)
	f.seedDefaults(t)
	ctx := context.Background()

	res, err := f.coordinator.OnTransactionCompleted(ctx, rewards.TransactionEvent{
		PatientID:  "patient-1",
		SourceID:   "order-7",
		Kind:       rewards.KindProduct,
		PriceTotal: decimal.NewFromInt(50),
		LineItems: []rewards.LineItem{
			{Name: "Blood pressure cuff", Price: decimal.NewFromInt(50), Quantity: 1},
			{Name: "Sample sunscreen", Price: decimal.Zero, Quantity: 1},
		},
		TransactionDate: date(2025, time.March, 15),
	})

	require.NoError(t, err)
	require.Equal(t, rewards.StatusGranted, res.Status, "err: %v", res.Err)
	assert.Equal(t, int64(500), res.Grant.Points)
	assert.Equal(t, "Order of 2 products", res.Grant.Description)
	balance, err := f.ledger.Balance(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestAccrual_InvalidLineItems(t *testing.T) {
	f := newFixture(t)
	f.seedDefaults(t)

	tests := []struct {
		name  string
		items []rewards.LineItem
	}{
		{"negative price", []rewards.LineItem{
			{Price: decimal.NewFromInt(50), Quantity: 1},
			{Price: decimal.NewFromInt(-5), Quantity: 1},
		}},
		{"zero quantity", []rewards.LineItem{
			{Price: decimal.NewFromInt(50), Quantity: 1},
			{Price: decimal.Zero, Quantity: 0},
		}},
		{"every line free", []rewards.LineItem{
			{Price: decimal.Zero, Quantity: 1},
			{Price: decimal.Zero, Quantity: 2},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.coordinator.OnTransactionCompleted(context.Background(), rewards.TransactionEvent{
				PatientID:       "patient-1",
				SourceID:        "order-" + tt.name,
				Kind:            rewards.KindProduct,
				LineItems:       tt.items,
				TransactionDate: date(2025, time.March, 15),
			})

			require.NoError(t, err)
			assert.Equal(t, rewards.StatusSkipped, res.Status)
			assert.ErrorIs(t, res.Err, rewards.ErrInvalidInput)
		})
	}
}

func TestAccrual_Prescription(t *testing.T) {
	f := newFixture(t)
	f.seedDefaults(t)

	res, err := f.coordinator.OnTransactionCompleted(context.Background(), rewards.TransactionEvent{
		PatientID:       "patient-1",
		SourceID:        "rx-1",
		Kind:            rewards.KindPrescription,
		PriceTotal:      decimal.NewFromInt(30),
		TransactionDate: date(2025, time.March, 15),
	})

	require.NoError(t, err)
	require.Equal(t, rewards.StatusGranted, res.Status)
	assert.Equal(t, int64(300), res.Grant.Points)
	assert.Equal(t, "Prescription medication order", res.Grant.Description)
}

func TestAccrual_CalculationFailureDoesNotPropagate(t *testing.T) {
	// GIVEN: No active configuration
	// WHEN: An order completes
	// THEN: Skipped with the cause attached, no error, no grant
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coordinator.OnTransactionCompleted(ctx, productOrder("patient-1", "order-1", "45.99"))

	require.NoError(t, err)
	assert.Equal(t, rewards.StatusSkipped, res.Status)
	assert.ErrorIs(t, res.Err, rewards.ErrNoActiveConfiguration)
	assert.Nil(t, res.Grant)
	history, err := f.ledger.History(ctx, "patient-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAccrual_InvalidEvents(t *testing.T) {
	f := newFixture(t)
	f.seedDefaults(t)

	tests := []struct {
		name   string
		mutate func(*rewards.TransactionEvent)
	}{
		{"missing patient", func(ev *rewards.TransactionEvent) { ev.PatientID = "" }},
		{"missing source", func(ev *rewards.TransactionEvent) { ev.SourceID = " " }},
		{"unknown kind", func(ev *rewards.TransactionEvent) { ev.Kind = "gift-card" }},
		{"zero price", func(ev *rewards.TransactionEvent) { ev.PriceTotal = decimal.Zero }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := productOrder("patient-1", "order-1", "45.99")
			tt.mutate(&ev)

			res, err := f.coordinator.OnTransactionCompleted(context.Background(), ev)

			require.NoError(t, err)
			assert.Equal(t, rewards.StatusSkipped, res.Status)
			assert.ErrorIs(t, res.Err, rewards.ErrInvalidInput)
		})
	}
}

func TestAccrual_RejectedKindsShareOneMetricLabel(t *testing.T) {
	// GIVEN: A recorder watching the coordinator
	// WHEN: Events with made-up kinds are rejected
	// THEN: They are all counted under the fixed invalid kind
	rec := newCountingRecorder()
	f := newFixture(t, rewards.WithRecorder(rec))
	f.seedDefaults(t)
	ctx := context.Background()

	for i, kind := range []rewards.TransactionKind{"gift-card", "x-1", "x-2"} {
		ev := productOrder("patient-1", fmt.Sprintf("order-%d", i), "10")
		ev.Kind = kind
		res, err := f.coordinator.OnTransactionCompleted(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, rewards.StatusSkipped, res.Status)
	}
	_, err := f.coordinator.OnTransactionCompleted(ctx, productOrder("patient-1", "order-ok", "10"))
	require.NoError(t, err)

	assert.Equal(t, map[rewards.TransactionKind]int{rewards.KindInvalid: 3, rewards.KindProduct: 1}, rec.kinds)
	assert.Equal(t, 3, rec.statuses[rewards.StatusSkipped])
	assert.Equal(t, 1, rec.statuses[rewards.StatusGranted])
}

func TestAccrual_NothingEarned(t *testing.T) {
	// GIVEN: Base rate 1
	// WHEN: A $0.50 order
	// THEN: floor(0.5) = 0, nothing is appended
	f := newFixture(t)
	f.createConfiguration(t, rewards.RateConfiguration{ID: "one", Name: "One", BaseRate: decimal.NewFromInt(1), IsActive: true})
	ctx := context.Background()

	res, err := f.coordinator.OnTransactionCompleted(ctx, productOrder("patient-1", "order-1", "0.50"))

	require.NoError(t, err)
	assert.Equal(t, rewards.StatusNothingEarned, res.Status)
	history, err := f.ledger.History(ctx, "patient-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

// =============================================================================
// RETRIES
// =============================================================================

func TestAccrual_RetriesTransientAppendFailures(t *testing.T) {
	// GIVEN: A store that is unavailable for the first two appends
	// WHEN: An order completes
	// THEN: The third attempt succeeds and two retries are observed
	grants := &flakyGrants{Memory: store.NewMemory(), failures: 2, failWith: fmt.Errorf("disk busy: %w", rewards.ErrStoreUnavailable)}
	rec := newCountingRecorder()
	coord, ledger := newFlakyCoordinator(t, grants, rec)
	ctx := context.Background()

	res, err := coord.OnTransactionCompleted(ctx, productOrder("patient-1", "order-1", "45.99"))

	require.NoError(t, err)
	assert.Equal(t, rewards.StatusGranted, res.Status)
	assert.Equal(t, 2, rec.retries)
	assert.Equal(t, 1, rec.statuses[rewards.StatusGranted])
	assert.Equal(t, int64(459), rec.points)
	balance, err := ledger.Balance(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, int64(459), balance)
}

func TestAccrual_RetryDoesNotDuplicateCommittedAppend(t *testing.T) {
	// GIVEN: An append that commits but reports failure
	// WHEN: The coordinator retries
	// THEN: It finds the committed grant instead of appending again
	grants := &flakyGrants{Memory: store.NewMemory(), failures: 1, failWith: rewards.ErrStoreUnavailable, commitFirst: true}
	coord, ledger := newFlakyCoordinator(t, grants, nil)
	ctx := context.Background()

	res, err := coord.OnTransactionCompleted(ctx, productOrder("patient-1", "order-1", "45.99"))

	require.NoError(t, err)
	assert.Equal(t, rewards.StatusGranted, res.Status)
	history, err := ledger.History(ctx, "patient-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1, grants.calls)
}

func TestAccrual_FailsAfterRetries(t *testing.T) {
	// GIVEN: A store that never recovers
	// THEN: StatusFailed and the error is returned
	grants := &flakyGrants{Memory: store.NewMemory(), failures: 100, failWith: rewards.ErrStoreUnavailable}
	rec := newCountingRecorder()
	coord, _ := newFlakyCoordinator(t, grants, rec)

	res, err := coord.OnTransactionCompleted(context.Background(), productOrder("patient-1", "order-1", "45.99"))

	require.ErrorIs(t, err, rewards.ErrStoreUnavailable)
	assert.Equal(t, rewards.StatusFailed, res.Status)
	assert.Equal(t, int(fastRetry.MaxTries), grants.calls)
	assert.Equal(t, int(fastRetry.MaxTries)-1, rec.retries)
	assert.Equal(t, 1, rec.statuses[rewards.StatusFailed])
}

func TestAccrual_PermanentErrorsAreNotRetried(t *testing.T) {
	grants := &flakyGrants{Memory: store.NewMemory(), failures: 100, failWith: &rewards.ValidationError{Field: "id", Reason: "duplicate"}}
	coord, _ := newFlakyCoordinator(t, grants, nil)

	res, err := coord.OnTransactionCompleted(context.Background(), productOrder("patient-1", "order-1", "45.99"))

	require.Error(t, err)
	var verr *rewards.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, rewards.StatusFailed, res.Status)
	assert.Equal(t, 1, grants.calls)
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

func TestAppointmentTransition_Qualifies(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{"pending", "confirmed", true},
		{"", "confirmed", true},
		{"pending", "completed", true},
		{"cancelled", "Confirmed", true},
		{"confirmed", "completed", false},
		{"confirmed", "confirmed", false},
		{"pending", "cancelled", false},
		{"confirmed", "cancelled", false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			tr := rewards.AppointmentTransition{FromStatus: tt.from, ToStatus: tt.to}
			assert.Equal(t, tt.want, tr.Qualifies())
		})
	}
}

func TestAccrual_AppointmentLifecycle(t *testing.T) {
	// GIVEN: Default earn rates and an $80 appointment
	// WHEN: It goes pending -> confirmed -> completed, and the confirmation
	//       is delivered twice
	// THEN: 400 points once
	f := newFixture(t)
	f.seedDefaults(t)
	ctx := context.Background()
	transition := func(from, to string) rewards.AppointmentTransition {
		return rewards.AppointmentTransition{
			AppointmentID: "appt-1",
			PatientID:     "patient-1",
			FromStatus:    from,
			ToStatus:      to,
			ServiceName:   "Annual physical",
			Price:         decimal.NewFromInt(80),
			Date:          date(2025, time.March, 15),
		}
	}

	confirmed, err := f.coordinator.OnAppointmentStatusChanged(ctx, transition("pending", "confirmed"))
	require.NoError(t, err)
	require.Equal(t, rewards.StatusGranted, confirmed.Status)
	assert.Equal(t, int64(400), confirmed.Grant.Points)
	assert.Equal(t, "appt-1", confirmed.Grant.SourceID)
	assert.Equal(t, "Appointment: Annual physical", confirmed.Grant.Description)

	again, err := f.coordinator.OnAppointmentStatusChanged(ctx, transition("pending", "confirmed"))
	require.NoError(t, err)
	assert.Equal(t, rewards.StatusDuplicate, again.Status)

	completed, err := f.coordinator.OnAppointmentStatusChanged(ctx, transition("confirmed", "completed"))
	require.NoError(t, err)
	assert.Equal(t, rewards.StatusNotQualifying, completed.Status)

	balance, err := f.ledger.Balance(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)
}

func TestAccrual_AppointmentCategoryOverride(t *testing.T) {
	// GIVEN: Wellness rates with Services x0.5
	// WHEN: A telehealth appointment with its own category
	// THEN: The base rate applies, not the Services multiplier
	f := newFixture(t)
	f.createConfiguration(t, wellnessRates())

	res, err := f.coordinator.OnAppointmentStatusChanged(context.Background(), rewards.AppointmentTransition{
		AppointmentID: "appt-2",
		PatientID:     "patient-1",
		FromStatus:    "pending",
		ToStatus:      "confirmed",
		Price:         decimal.NewFromInt(40),
		Category:      "Telehealth",
		Date:          date(2025, time.April, 2),
	})

	require.NoError(t, err)
	require.Equal(t, rewards.StatusGranted, res.Status)
	assert.Equal(t, int64(400), res.Grant.Points)
	assert.Equal(t, "Appointment", res.Grant.Description)
}

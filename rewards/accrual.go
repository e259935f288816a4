/*
accrual.go - Exactly-once points accrual for completed transactions

PURPOSE:
  The Coordinator turns a completed order, prescription order or confirmed
  appointment into exactly one ledger grant.

FLOW (per event):
  1. Lock the patient (different patients never contend)
  2. FindBySource(patient, sourceID): already granted -> StatusDuplicate
  3. CalculateItems through the active configuration and season
  4. AppendGrant, retried with exponential backoff on transient errors.
     Each attempt re-checks FindBySource, so an append that succeeded but
     reported failure is not repeated.

FAILURE POLICY:
  Rewards are best-effort. A calculation failure is logged and reported in
  AccrualResult (StatusSkipped, Err set) with a nil error, so the order or
  appointment that triggered it is never failed by rewards. Only an append
  that still fails after all retries comes back as an error, because a lost
  grant is a real loss for the patient.

APPOINTMENTS:
  Points are granted on the transition INTO confirmed or completed from any
  other status. confirmed -> completed does not grant again, and neither
  does any later status change.
*/
package rewards

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RESULT
// =============================================================================

type AccrualStatus string

const (
	StatusGranted       AccrualStatus = "granted"
	StatusDuplicate     AccrualStatus = "duplicate"      // Already granted for this source
	StatusSkipped       AccrualStatus = "skipped"        // Calculation failed, see Err
	StatusNothingEarned AccrualStatus = "nothing_earned" // Calculated 0 points
	StatusNotQualifying AccrualStatus = "not_qualifying" // Appointment transition that earns nothing
	StatusFailed        AccrualStatus = "failed"         // Append failed after retries
)

// KindInvalid is the kind reported to the Recorder for events rejected
// before their kind was checked, so callers cannot mint metric labels.
const KindInvalid TransactionKind = "invalid"

type AccrualResult struct {
	Status      AccrualStatus
	Grant       *PointsGrant
	Calculation *ItemsCalculation
	Err         error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

type itemsCalculator interface {
	CalculateItems(ctx context.Context, items []LineItem, date Date) (ItemsCalculation, error)
}

type grantLedger interface {
	FindBySource(ctx context.Context, patientID PatientID, sourceID string) (*PointsGrant, error)
	AppendGrant(ctx context.Context, in GrantInput) (*PointsGrant, error)
}

// Recorder observes accrual outcomes. The metrics package implements it.
type Recorder interface {
	ObserveAccrual(kind TransactionKind, status AccrualStatus, points int64)
	ObserveAppendRetry(kind TransactionKind)
}

type noopRecorder struct{}

func (noopRecorder) ObserveAccrual(TransactionKind, AccrualStatus, int64) {}
func (noopRecorder) ObserveAppendRetry(TransactionKind)                   {}

// RetryPolicy bounds the backoff used for ledger appends.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        5,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	calculator itemsCalculator
	ledger     grantLedger
	logger     zerolog.Logger
	recorder   Recorder
	retry      RetryPolicy
	locks      *keyedMutex
}

type CoordinatorOption func(*Coordinator)

func WithRecorder(r Recorder) CoordinatorOption {
	return func(c *Coordinator) {
		if r != nil {
			c.recorder = r
		}
	}
}

func WithRetryPolicy(p RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) {
		if p.MaxTries == 0 {
			p.MaxTries = 1
		}
		c.retry = p
	}
}

func NewCoordinator(calculator itemsCalculator, ledger grantLedger, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		calculator: calculator,
		ledger:     ledger,
		logger:     logger.With().Str("component", "accrual").Logger(),
		recorder:   noopRecorder{},
		retry:      DefaultRetryPolicy,
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnTransactionCompleted grants points for ev at most once per
// (PatientID, SourceID). The returned error is non-nil only when the
// ledger append failed after every retry.
func (c *Coordinator) OnTransactionCompleted(ctx context.Context, ev TransactionEvent) (AccrualResult, error) {
	log := c.logger.With().
		Str("patient_id", string(ev.PatientID)).
		Str("source_id", ev.SourceID).
		Str("kind", string(ev.Kind)).
		Logger()

	if err := validateEvent(ev); err != nil {
		log.Warn().Err(err).Msg("rejected completion event")
		c.recorder.ObserveAccrual(KindInvalid, StatusSkipped, 0)
		return AccrualResult{Status: StatusSkipped, Err: err}, nil
	}

	unlock := c.locks.Lock(ev.PatientID)
	defer unlock()

	existing, err := c.ledger.FindBySource(ctx, ev.PatientID, ev.SourceID)
	if err != nil {
		// The append loop re-checks; a failed pre-check is not fatal.
		log.Warn().Err(err).Msg("source lookup failed")
	}
	if existing != nil {
		log.Debug().Str("grant_id", string(existing.ID)).Msg("duplicate completion event")
		c.recorder.ObserveAccrual(ev.Kind, StatusDuplicate, 0)
		return AccrualResult{Status: StatusDuplicate, Grant: existing}, nil
	}

	calc, err := c.calculator.CalculateItems(ctx, ev.Items(), ev.TransactionDate)
	if err != nil {
		log.Error().Err(err).Msg("points calculation failed, transaction unaffected")
		c.recorder.ObserveAccrual(ev.Kind, StatusSkipped, 0)
		return AccrualResult{Status: StatusSkipped, Err: err}, nil
	}
	if calc.Points == 0 {
		c.recorder.ObserveAccrual(ev.Kind, StatusNothingEarned, 0)
		return AccrualResult{Status: StatusNothingEarned, Calculation: &calc}, nil
	}

	input := GrantInput{
		PatientID:   ev.PatientID,
		Points:      calc.Points,
		Description: grantDescription(ev),
		SourceID:    ev.SourceID,
		Kind:        GrantEarned,
		CreatedBy:   SystemActor.ID,
	}

	// A grant found on the first attempt was written by someone else since
	// the pre-check. On later attempts it is our own append that reported
	// failure after committing.
	attempt, duplicate := 0, false
	grant, err := backoff.Retry(ctx, func() (*PointsGrant, error) {
		attempt++
		found, err := c.ledger.FindBySource(ctx, ev.PatientID, ev.SourceID)
		if err != nil {
			return nil, retryable(err)
		}
		if found != nil {
			duplicate = attempt == 1
			return found, nil
		}
		g, err := c.ledger.AppendGrant(ctx, input)
		if err != nil {
			return nil, retryable(err)
		}
		return g, nil
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.recorder.ObserveAppendRetry(ev.Kind)
			log.Warn().Err(err).Dur("retry_in", next).Msg("ledger append failed, retrying")
		}),
	)
	if err != nil {
		log.Error().Err(err).Int64("points", calc.Points).Msg("ledger append failed, grant lost")
		c.recorder.ObserveAccrual(ev.Kind, StatusFailed, 0)
		return AccrualResult{Status: StatusFailed, Calculation: &calc, Err: err}, err
	}
	if duplicate {
		c.recorder.ObserveAccrual(ev.Kind, StatusDuplicate, 0)
		return AccrualResult{Status: StatusDuplicate, Grant: grant}, nil
	}

	log.Info().Int64("points", grant.Points).Str("grant_id", string(grant.ID)).Msg("points granted")
	c.recorder.ObserveAccrual(ev.Kind, StatusGranted, grant.Points)
	return AccrualResult{Status: StatusGranted, Grant: grant, Calculation: &calc}, nil
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		b.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		b.MaxInterval = c.retry.MaxInterval
	}
	return b
}

func retryable(err error) error {
	if IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func validateEvent(ev TransactionEvent) error {
	if strings.TrimSpace(string(ev.PatientID)) == "" {
		return &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if strings.TrimSpace(ev.SourceID) == "" {
		return &ValidationError{Field: "source_id", Reason: "is required"}
	}
	if !ev.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown transaction kind %q", ev.Kind)}
	}
	return nil
}

func grantDescription(ev TransactionEvent) string {
	if ev.Description != "" {
		return ev.Description
	}
	switch ev.Kind {
	case KindPrescription:
		return "Prescription medication order"
	case KindService:
		return "Appointment"
	default:
		n := len(ev.LineItems)
		if n == 0 {
			n = 1
		}
		if n == 1 {
			return "Order of 1 product"
		}
		return fmt.Sprintf("Order of %d products", n)
	}
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const (
	AppointmentConfirmed = "confirmed"
	AppointmentCompleted = "completed"
)

// AppointmentTransition is a status change of a booked appointment.
type AppointmentTransition struct {
	AppointmentID string
	PatientID     PatientID
	FromStatus    string
	ToStatus      string
	ServiceName   string
	Price         decimal.Decimal
	Category      string
	Date          Date
}

func qualifyingStatus(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == AppointmentConfirmed || s == AppointmentCompleted
}

// Qualifies reports whether the transition earns points.
func (t AppointmentTransition) Qualifies() bool {
	return qualifyingStatus(t.ToStatus) && !qualifyingStatus(t.FromStatus)
}

// OnAppointmentStatusChanged grants service points when t enters a
// qualifying status. The appointment ID is the grant's source.
func (c *Coordinator) OnAppointmentStatusChanged(ctx context.Context, t AppointmentTransition) (AccrualResult, error) {
	if !t.Qualifies() {
		c.logger.Debug().
			Str("appointment_id", t.AppointmentID).
			Str("from", t.FromStatus).
			Str("to", t.ToStatus).
			Msg("appointment transition does not earn points")
		return AccrualResult{Status: StatusNotQualifying}, nil
	}
	description := "Appointment"
	if t.ServiceName != "" {
		description = "Appointment: " + t.ServiceName
	}
	return c.OnTransactionCompleted(ctx, TransactionEvent{
		PatientID:       t.PatientID,
		SourceID:        t.AppointmentID,
		Kind:            KindService,
		PriceTotal:      t.Price,
		Category:        t.Category,
		TransactionDate: t.Date,
		Description:     description,
	})
}

// =============================================================================
// KEYED MUTEX - Per-patient serialization
// =============================================================================

type keyedMutex struct {
	mu    sync.Mutex
	locks map[PatientID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[PatientID]*refMutex)}
}

// Lock blocks until key is held and returns the matching unlock.
func (k *keyedMutex) Lock(key PatientID) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

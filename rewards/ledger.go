/*
ledger.go - Append-only points log

PURPOSE:
  The ledger is the source of truth for every patient balance. A balance is
  the sum of the patient's grants; it is never stored separately from them.

INVARIANTS:
  1. APPEND-ONLY: grants are never updated or deleted
  2. Balance(p) == sum(History(p).Points), including negative grants
  3. Any integer amount is accepted, balances may go negative
  4. No deduplication here. Callers that need exactly-once (the accrual
     coordinator) check FindBySource first.

CORRECTIONS:
  A wrong grant is corrected with an opposite adjustment. Both stay in the
  history.

SEE ALSO:
  - accrual.go: exactly-once accrual on top of the ledger
  - store.go: GrantStore contract
*/
package rewards

import (
	"context"
	"fmt"
	"strings"
)

// GrantInput is the caller-supplied part of a grant.
type GrantInput struct {
	PatientID   PatientID
	Points      int64
	Description string
	SourceID    string
	Kind        GrantKind
	CreatedBy   string
}

type Ledger struct {
	grants GrantStore
	cards  CardStore
	clock  Clock
	newID  IDFunc
}

func NewLedger(grants GrantStore, clock Clock, ids IDFunc) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	if ids == nil {
		ids = NewID
	}
	return &Ledger{grants: grants, clock: clock, newID: ids}
}

// WithCards lets Summary include the patient's rewards card.
func (l *Ledger) WithCards(cards CardStore) *Ledger {
	l.cards = cards
	return l
}

// AppendGrant records a grant. Only PatientID is required.
func (l *Ledger) AppendGrant(ctx context.Context, in GrantInput) (*PointsGrant, error) {
	if strings.TrimSpace(string(in.PatientID)) == "" {
		return nil, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	kind := in.Kind
	if kind == "" {
		kind = GrantEarned
		if in.Points < 0 {
			kind = GrantAdjustment
		}
	}
	grant := PointsGrant{
		ID:          GrantID(l.newID()),
		PatientID:   in.PatientID,
		Points:      in.Points,
		Description: in.Description,
		SourceID:    in.SourceID,
		Kind:        kind,
		CreatedBy:   in.CreatedBy,
		Date:        clockFrom(ctx, l.clock).Now(),
	}
	if err := l.grants.AppendGrant(ctx, grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// Balance returns the sum of the patient's grants, 0 when there are none.
func (l *Ledger) Balance(ctx context.Context, patientID PatientID) (int64, error) {
	return l.grants.SumPoints(ctx, patientID)
}

// History returns the patient's grants, newest first.
func (l *Ledger) History(ctx context.Context, patientID PatientID) ([]PointsGrant, error) {
	grants, err := l.grants.ListGrants(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []PointsGrant{}
	}
	return grants, nil
}

func (l *Ledger) FindBySource(ctx context.Context, patientID PatientID, sourceID string) (*PointsGrant, error) {
	return l.grants.FindGrantBySource(ctx, patientID, sourceID)
}

// Redeem spends points. It does not check the balance.
func (l *Ledger) Redeem(ctx context.Context, patientID PatientID, points int64, description string, actor Actor) (*PointsGrant, error) {
	if points <= 0 {
		return nil, &ValidationError{Field: "points", Reason: "must be greater than zero"}
	}
	if description == "" {
		description = fmt.Sprintf("Redeemed %d points", points)
	}
	return l.AppendGrant(ctx, GrantInput{
		PatientID:   patientID,
		Points:      -points,
		Description: description,
		Kind:        GrantRedeemed,
		CreatedBy:   actor.ID,
	})
}

func (l *Ledger) TopEarners(ctx context.Context, limit int) ([]PatientTotal, error) {
	if limit <= 0 {
		limit = 10
	}
	return l.grants.TopEarners(ctx, limit)
}

// =============================================================================
// SUMMARY - The patient rewards view
// =============================================================================

type Summary struct {
	PatientID PatientID
	Balance   int64
	Earned    int64 // sum of positive grants
	Redeemed  int64 // sum of redemptions, as a positive number
	History   []PointsGrant
	Card      *RewardsCard
}

// Summary computes balance and totals from a single history read, so the
// figures are consistent with each other.
func (l *Ledger) Summary(ctx context.Context, patientID PatientID) (*Summary, error) {
	history, err := l.History(ctx, patientID)
	if err != nil {
		return nil, err
	}
	s := &Summary{PatientID: patientID, History: history}
	for _, g := range history {
		s.Balance += g.Points
		switch {
		case g.Kind == GrantRedeemed:
			s.Redeemed -= g.Points
		case g.Points > 0:
			s.Earned += g.Points
		}
	}
	if l.cards != nil {
		card, err := l.cards.GetCardByPatient(ctx, patientID)
		if err != nil {
			return nil, err
		}
		s.Card = card
	}
	return s, nil
}

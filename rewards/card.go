package rewards

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// =============================================================================
// CARD ISSUER - One rewards card per patient
// =============================================================================

const DefaultCardAttempts = 10

type CardIssuer struct {
	store       CardStore
	clock       Clock
	random      io.Reader
	maxAttempts int
	newID       IDFunc
	logger      zerolog.Logger
}

type CardOption func(*CardIssuer)

// WithCardRandom replaces the entropy source used for card numbers.
func WithCardRandom(r io.Reader) CardOption {
	return func(ci *CardIssuer) { ci.random = r }
}

func WithMaxAttempts(n int) CardOption {
	return func(ci *CardIssuer) {
		if n > 0 {
			ci.maxAttempts = n
		}
	}
}

func WithCardLogger(l zerolog.Logger) CardOption {
	return func(ci *CardIssuer) { ci.logger = l }
}

func NewCardIssuer(store CardStore, clock Clock, opts ...CardOption) *CardIssuer {
	if clock == nil {
		clock = SystemClock{}
	}
	ci := &CardIssuer{
		store:       store,
		clock:       clock,
		random:      rand.Reader,
		maxAttempts: DefaultCardAttempts,
		newID:       NewID,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(ci)
	}
	return ci
}

// RequestCard returns the patient's card, issuing one on first request.
// Repeated and concurrent requests for the same patient return the same card.
func (ci *CardIssuer) RequestCard(ctx context.Context, patientID PatientID) (*RewardsCard, error) {
	if strings.TrimSpace(string(patientID)) == "" {
		return nil, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	existing, err := ci.store.GetCardByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := ci.clock.Now()
	for attempt := 1; attempt <= ci.maxAttempts; attempt++ {
		number, err := generateCardNumber(ci.random)
		if err != nil {
			return nil, err
		}
		taken, err := ci.store.CardNumberExists(ctx, number)
		if err != nil {
			return nil, err
		}
		if taken {
			ci.logger.Debug().Int("attempt", attempt).Msg("card number collision")
			continue
		}

		card := RewardsCard{
			ID:         CardID(ci.newID()),
			PatientID:  patientID,
			CardNumber: number,
			IssuedDate: DateOf(now),
			Status:     CardActive,
			CreatedAt:  now,
		}
		err = ci.store.InsertCard(ctx, card)
		switch {
		case err == nil:
			ci.logger.Info().Str("patient_id", string(patientID)).Msg("rewards card issued")
			return &card, nil
		case errors.Is(err, ErrDuplicateCard):
			// Lost a race with a concurrent request for the same patient.
			return ci.store.GetCardByPatient(ctx, patientID)
		case errors.Is(err, ErrCardNumberTaken):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrCardNumbersExhausted
}

// GetCard returns the patient's card or a NotFoundError.
func (ci *CardIssuer) GetCard(ctx context.Context, patientID PatientID) (*RewardsCard, error) {
	card, err := ci.store.GetCardByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, &NotFoundError{Kind: "card", ID: string(patientID)}
	}
	return card, nil
}

// generateCardNumber draws 16 uniform digits from r as NNNN-NNNN-NNNN-NNNN.
// Bytes >= 250 are rejected so every digit is equally likely.
func generateCardNumber(r io.Reader) (string, error) {
	var b strings.Builder
	b.Grow(19)
	buf := make([]byte, 1)
	for n := 0; n < 16; {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		if buf[0] >= 250 {
			continue
		}
		if n > 0 && n%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte('0' + buf[0]%10)
		n++
	}
	return b.String(), nil
}

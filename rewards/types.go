/*
Package rewards is the loyalty points engine for the clinic marketplace.

PURPOSE:
  Patients earn points when they buy products, order prescription
  medication, or complete a clinic appointment. This package decides how
  many points a priced transaction is worth and records every grant in an
  append-only ledger. Everything else in the marketplace (routing, auth,
  checkout) calls into this package; nothing here calls back out.

KEY CONCEPTS IN THIS FILE (types.go):
  - RateConfiguration: admin-defined base rate + per-category multipliers
  - SeasonalPromotion: time-bounded multiplier layered on a configuration
  - PointsGrant: one immutable ledger entry (positive or negative)
  - RewardsCard: the single loyalty card issued to a patient
  - TransactionEvent: a completed order/appointment handed to the coordinator

DESIGN PRINCIPLES:
  1. Immutability: grants are never edited, corrections are new grants
  2. Precision: prices and rates use decimal.Decimal, points are whole numbers
  3. One engine: the fixed earn rules are a seeded RateConfiguration
  4. Storage-agnostic: persistence sits behind the interfaces in store.go

DATA FLOW:
  TransactionEvent -> Coordinator -> PointsCalculator -> Ledger.AppendGrant

SEE ALSO:
  - calculator.go: points computation
  - ledger.go: grant log and balances
  - accrual.go: exactly-once accrual per transaction
  - card.go: loyalty card issuance
*/
package rewards

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type GrantID string
type ConfigurationID string
type SeasonID string
type CardID string

// =============================================================================
// ACTOR - Already-authenticated caller
// =============================================================================

// Actor identifies who is calling. Permission checks happen in the auth
// layer before the core is reached; the core only records the identity.
type Actor struct {
	ID   string
	Role string
}

const (
	RoleAdmin   = "admin"
	RoleClinic  = "clinic"
	RolePatient = "patient"
	RoleSystem  = "system"
)

// SystemActor is used for seeding and other unattended writes.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// =============================================================================
// RATE CONFIGURATION
// =============================================================================

var (
	one                   = decimal.NewFromInt(1)
	MinCategoryMultiplier = decimal.RequireFromString("0.1")
)

// CategoryMultipliers maps a product category (case-sensitive) to the
// multiplier applied on top of the base rate.
type CategoryMultipliers map[string]decimal.Decimal

// Multiplier returns the multiplier for category, or 1 when the category is
// empty or not configured.
func (m CategoryMultipliers) Multiplier(category string) decimal.Decimal {
	if category == "" {
		return one
	}
	if v, ok := m[category]; ok {
		return v
	}
	return one
}

// Categories returns the configured category names in sorted order.
func (m CategoryMultipliers) Categories() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m CategoryMultipliers) Clone() CategoryMultipliers {
	out := make(CategoryMultipliers, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m CategoryMultipliers) Validate() error {
	for _, name := range m.Categories() {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: "category_multipliers", Reason: "category name must not be empty"}
		}
		if m[name].LessThan(MinCategoryMultiplier) {
			return &ValidationError{
				Field:  "category_multipliers." + name,
				Reason: "multiplier must be at least " + MinCategoryMultiplier.String(),
			}
		}
	}
	return nil
}

// RateConfiguration is a named ruleset governing point calculation.
// Only configurations with IsActive set are eligible for use.
type RateConfiguration struct {
	ID                  ConfigurationID
	Name                string
	Description         string
	BaseRate            decimal.Decimal // points per unit of currency
	CategoryMultipliers CategoryMultipliers
	IsActive            bool

	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c RateConfiguration) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !c.BaseRate.IsPositive() {
		return &ValidationError{Field: "base_rate", Reason: "must be greater than zero"}
	}
	return c.CategoryMultipliers.Validate()
}

// =============================================================================
// SEASONAL PROMOTION
// =============================================================================

// SeasonalPromotion multiplies points for transactions dated inside
// [StartDate, EndDate], both ends inclusive, while IsActive is set.
type SeasonalPromotion struct {
	ID          SeasonID
	Name        string
	Description string
	StartDate   Date
	EndDate     Date
	Multiplier  decimal.Decimal
	IsActive    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s SeasonalPromotion) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if s.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "is required"}
	}
	if s.EndDate.IsZero() {
		return &ValidationError{Field: "end_date", Reason: "is required"}
	}
	if s.StartDate.After(s.EndDate) {
		return &RangeError{Start: s.StartDate, End: s.EndDate}
	}
	if !s.Multiplier.IsPositive() {
		return &ValidationError{Field: "multiplier", Reason: "must be greater than zero"}
	}
	return nil
}

// AppliesOn reports whether the season is active and d falls inside its range.
func (s SeasonalPromotion) AppliesOn(d Date) bool {
	return s.IsActive && d.Between(s.StartDate, s.EndDate)
}

// =============================================================================
// POINTS GRANT - Immutable ledger entry
// =============================================================================

type GrantKind string

const (
	GrantEarned     GrantKind = "earned"     // Accrued from a transaction
	GrantRedeemed   GrantKind = "redeemed"   // Spent by the patient
	GrantAdjustment GrantKind = "adjustment" // Manual correction by clinic/admin
)

// PointsGrant is one entry in a patient's ledger. Points may be negative.
// SourceID names the order/appointment/clinic that triggered the grant and
// is empty for manual adjustments.
type PointsGrant struct {
	ID          GrantID
	PatientID   PatientID
	Points      int64
	Description string
	SourceID    string
	Kind        GrantKind
	CreatedBy   string
	Date        time.Time
}

// PatientTotal is a per-patient aggregate used for reporting.
type PatientTotal struct {
	PatientID PatientID
	Points    int64
	Grants    int
}

// =============================================================================
// REWARDS CARD
// =============================================================================

type CardStatus string

const (
	CardActive   CardStatus = "active"
	CardInactive CardStatus = "inactive"
	CardExpired  CardStatus = "expired"
)

type RewardsCard struct {
	ID         CardID
	PatientID  PatientID
	CardNumber string // NNNN-NNNN-NNNN-NNNN
	IssuedDate Date
	Status     CardStatus
	CreatedAt  time.Time
}

// =============================================================================
// TRANSACTIONS - Inbound completion events
// =============================================================================

type TransactionKind string

const (
	KindProduct      TransactionKind = "product"
	KindService      TransactionKind = "service"
	KindPrescription TransactionKind = "prescription"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindProduct, KindService, KindPrescription:
		return true
	}
	return false
}

// DefaultCategory is the category used for line items that carry none.
// Services map onto the ServicesCategory multiplier of the default
// configuration; products and prescriptions use the base rate as is.
func (k TransactionKind) DefaultCategory() string {
	if k == KindService {
		return ServicesCategory
	}
	return ""
}

// LineItem is one priced line of an order.
type LineItem struct {
	Name     string
	Price    decimal.Decimal // unit price
	Quantity int
	Category string
}

// TransactionEvent describes a completed order, prescription order or
// confirmed appointment. SourceID must be stable across redeliveries.
type TransactionEvent struct {
	PatientID       PatientID
	SourceID        string
	Kind            TransactionKind
	PriceTotal      decimal.Decimal
	LineItems       []LineItem
	Category        string
	TransactionDate Date
	Description     string
}

// Items returns the line items to price. An event without line items is
// priced as a single line of PriceTotal.
func (e TransactionEvent) Items() []LineItem {
	fallback := e.Category
	if fallback == "" {
		fallback = e.Kind.DefaultCategory()
	}
	if len(e.LineItems) == 0 {
		return []LineItem{{Price: e.PriceTotal, Quantity: 1, Category: fallback}}
	}
	items := make([]LineItem, len(e.LineItems))
	for i, li := range e.LineItems {
		if li.Category == "" {
			li.Category = fallback
		}
		items[i] = li
	}
	return items
}

/*
calculator.go - Points computation

FORMULA:
  basePoints = price * baseRate
  raw        = basePoints * seasonalMultiplier * categoryMultiplier * quantity
  points     = floor(raw)

  All arithmetic is decimal. The fractional remainder is discarded, never
  rounded up: 10.3 * 5 = 51.5 -> 51.

EXAMPLE:
  baseRate 10, {"Supplements": 1.5}, season x2.0
  price $20.00, quantity 2, category "Supplements"
  basePoints = 200, raw = 200 * 2.0 * 1.5 * 2 = 1200, points = 1200

MULTI-LINE ORDERS:
  CalculateItems sums the raw points of every line and floors once, so an
  order behaves like floor(total * rate) rather than losing a fraction of a
  point per line.
*/
package rewards

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

const NoSeasonLabel = "No active season"

// CalculationInput is one priced line to evaluate.
type CalculationInput struct {
	Price    decimal.Decimal
	Quantity int
	Category string
	Date     Date
}

// Breakdown explains a calculation for display and audit.
type Breakdown struct {
	ConfigurationID    ConfigurationID
	BaseRate           decimal.Decimal
	Price              decimal.Decimal
	BasePoints         decimal.Decimal
	Season             string
	SeasonID           SeasonID
	SeasonalMultiplier decimal.Decimal
	Category           string
	CategoryMultiplier decimal.Decimal
	Quantity           int
	Formula            string
}

type Calculation struct {
	Points    int64
	Raw       decimal.Decimal
	Breakdown Breakdown
}

// Calculate prices one line against cfg and an optional season. The season
// is only applied when it is active and in.Date falls inside its range.
func Calculate(cfg RateConfiguration, season *SeasonalPromotion, in CalculationInput) (Calculation, error) {
	if !in.Price.IsPositive() {
		return Calculation{}, &ValidationError{Field: "price", Reason: "must be greater than zero"}
	}
	if in.Quantity <= 0 {
		return Calculation{}, &ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}

	seasonLabel := NoSeasonLabel
	seasonMult := one
	var seasonID SeasonID
	if season != nil && season.AppliesOn(in.Date) {
		seasonMult = season.Multiplier
		seasonID = season.ID
		seasonLabel = fmt.Sprintf("%s (multiplier: %sx)", season.Name, season.Multiplier.String())
	}

	catMult := cfg.CategoryMultipliers.Multiplier(in.Category)
	category := in.Category
	if category == "" {
		category = "Unknown"
	}

	base := in.Price.Mul(cfg.BaseRate)
	raw := base.Mul(seasonMult).Mul(catMult).Mul(decimal.NewFromInt(int64(in.Quantity)))
	points := raw.Floor().IntPart()

	return Calculation{
		Points: points,
		Raw:    raw,
		Breakdown: Breakdown{
			ConfigurationID:    cfg.ID,
			BaseRate:           cfg.BaseRate,
			Price:              in.Price,
			BasePoints:         base,
			Season:             seasonLabel,
			SeasonID:           seasonID,
			SeasonalMultiplier: seasonMult,
			Category:           category,
			CategoryMultiplier: catMult,
			Quantity:           in.Quantity,
			Formula: fmt.Sprintf("(%s × %s) × %s × %s × %d = %d",
				in.Price.String(), cfg.BaseRate.String(), seasonMult.String(), catMult.String(), in.Quantity, points),
		},
	}, nil
}

// =============================================================================
// POINTS CALCULATOR - Resolves rules, then calls Calculate
// =============================================================================

// RuleSource resolves the active configuration and applicable season.
// *ConfigurationManager implements it.
type RuleSource interface {
	ActiveConfiguration(ctx context.Context) (*RateConfiguration, error)
	ApplicableSeason(ctx context.Context, day Date) (*SeasonalPromotion, error)
}

type PointsCalculator struct {
	rules RuleSource
	clock Clock
}

func NewPointsCalculator(rules RuleSource, clock Clock) *PointsCalculator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PointsCalculator{rules: rules, clock: clock}
}

// Calculate prices a single line. A zero date means today. No side effects.
func (c *PointsCalculator) Calculate(ctx context.Context, price decimal.Decimal, quantity int, category string, date Date) (Calculation, error) {
	if date.IsZero() {
		date = Today(clockFrom(ctx, c.clock))
	}
	cfg, season, err := c.resolve(ctx, date)
	if err != nil {
		return Calculation{}, err
	}
	return Calculate(*cfg, season, CalculationInput{Price: price, Quantity: quantity, Category: category, Date: date})
}

// ItemsCalculation is the result of pricing several lines at once.
type ItemsCalculation struct {
	Points int64
	Raw    decimal.Decimal
	Lines  []Calculation
}

// CalculateItems prices every line under the same rules and floors the sum
// of raw points once. Zero-priced lines (free samples, fully discounted
// items) contribute nothing; at least one line must carry a price.
func (c *PointsCalculator) CalculateItems(ctx context.Context, items []LineItem, date Date) (ItemsCalculation, error) {
	if len(items) == 0 {
		return ItemsCalculation{}, &ValidationError{Field: "line_items", Reason: "must not be empty"}
	}
	if date.IsZero() {
		date = Today(clockFrom(ctx, c.clock))
	}
	cfg, season, err := c.resolve(ctx, date)
	if err != nil {
		return ItemsCalculation{}, err
	}

	result := ItemsCalculation{Raw: decimal.Zero, Lines: make([]Calculation, 0, len(items))}
	for _, item := range items {
		if item.Quantity <= 0 {
			return ItemsCalculation{}, &ValidationError{Field: "quantity", Reason: "must be greater than zero"}
		}
		if item.Price.IsNegative() {
			return ItemsCalculation{}, &ValidationError{Field: "price", Reason: "must not be negative"}
		}
		if item.Price.IsZero() {
			continue
		}
		calc, err := Calculate(*cfg, season, CalculationInput{
			Price:    item.Price,
			Quantity: item.Quantity,
			Category: item.Category,
			Date:     date,
		})
		if err != nil {
			return ItemsCalculation{}, err
		}
		result.Raw = result.Raw.Add(calc.Raw)
		result.Lines = append(result.Lines, calc)
	}
	if len(result.Lines) == 0 {
		return ItemsCalculation{}, &ValidationError{Field: "price", Reason: "must be greater than zero"}
	}
	result.Points = result.Raw.Floor().IntPart()
	return result, nil
}

func (c *PointsCalculator) resolve(ctx context.Context, date Date) (*RateConfiguration, *SeasonalPromotion, error) {
	cfg, err := c.rules.ActiveConfiguration(ctx)
	if err != nil {
		return nil, nil, err
	}
	season, err := c.rules.ApplicableSeason(ctx, date)
	if err != nil {
		return nil, nil, err
	}
	return cfg, season, nil
}

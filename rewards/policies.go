/*
policies.go - Built-in earn rules

PURPOSE:
  The marketplace launched with fixed earn rules: 10 points per dollar on
  product and prescription orders, 5 points per dollar on confirmed
  appointments. Those rules are expressed here as an ordinary
  RateConfiguration, so there is only one calculation path.

DEFAULT CONFIGURATION:
  id "default-earn-rates", base rate 10, {"Services": 0.5}

  product $45.99       -> floor(45.99 * 10)       = 459
  prescription $30.00  -> floor(30.00 * 10)       = 300
  service $80.00       -> floor(80.00 * 10 * 0.5) = 400

  Service events carry no category of their own; TransactionKind.DefaultCategory
  maps them onto "Services".

PARTNER SHOPS:
  Stores outside the marketplace where patients can spend points. The list
  ships with the program; PartnerShops returns a fresh copy each call.

EXAMPLE:
  mgr := rewards.NewConfigurationManager(store, store, clock)
  created, err := rewards.SeedDefaults(ctx, mgr)
*/
package rewards

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

const (
	DefaultConfigurationID ConfigurationID = "default-earn-rates"
	ServicesCategory                       = "Services"
)

// DefaultConfiguration returns the seeded configuration reproducing the
// fixed earn rules.
func DefaultConfiguration() RateConfiguration {
	return RateConfiguration{
		ID:          DefaultConfigurationID,
		Name:        "Default earn rates",
		Description: "10 points per dollar on orders and prescriptions, 5 points per dollar on services",
		BaseRate:    decimal.NewFromInt(10),
		CategoryMultipliers: CategoryMultipliers{
			ServicesCategory: decimal.RequireFromString("0.5"),
		},
		IsActive: true,
	}
}

// SeedDefaults creates DefaultConfiguration when the store holds no
// configuration at all. It reports whether anything was created.
func SeedDefaults(ctx context.Context, mgr *ConfigurationManager) (bool, error) {
	existing, err := mgr.ListConfigurations(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	if _, err := mgr.CreateConfiguration(ctx, SystemActor, DefaultConfiguration()); err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// EARN RATES - Patient-facing program summary
// =============================================================================

// EarnRates describes the program as shown to patients.
type EarnRates struct {
	ProductsPerDollar   int64
	ServicesPerDollar   int64
	ReferralBonus       int64
	PointsPerRedemption int64
	RedemptionValue     decimal.Decimal
	ActiveConfiguration ConfigurationID
	ActiveSeason        string
	SeasonMultiplier    decimal.Decimal
}

const (
	ReferralBonusPoints = 500
	PointsPerDollarOff  = 100
)

// ProgramEarnRates summarizes the rates in effect today. Per-dollar rates
// come from the active configuration; when none is active the launch rates
// are reported.
func ProgramEarnRates(ctx context.Context, rules RuleSource, clock Clock) (EarnRates, error) {
	rates := EarnRates{
		ProductsPerDollar:   10,
		ServicesPerDollar:   5,
		ReferralBonus:       ReferralBonusPoints,
		PointsPerRedemption: PointsPerDollarOff,
		RedemptionValue:     one,
		ActiveSeason:        NoSeasonLabel,
		SeasonMultiplier:    one,
	}

	cfg, err := rules.ActiveConfiguration(ctx)
	switch {
	case err == nil:
		rates.ActiveConfiguration = cfg.ID
		rates.ProductsPerDollar = cfg.BaseRate.Floor().IntPart()
		rates.ServicesPerDollar = cfg.BaseRate.Mul(cfg.CategoryMultipliers.Multiplier(ServicesCategory)).Floor().IntPart()
	case !errors.Is(err, ErrNoActiveConfiguration):
		return EarnRates{}, err
	}

	season, err := rules.ApplicableSeason(ctx, Today(clock))
	if err != nil {
		return EarnRates{}, err
	}
	if season != nil {
		rates.ActiveSeason = season.Name
		rates.SeasonMultiplier = season.Multiplier
	}
	return rates, nil
}

// =============================================================================
// PARTNER SHOPS
// =============================================================================

type PartnerShop struct {
	ID          string
	Name        string
	Description string
	Location    string
	Categories  []string
	Website     string
}

var partnerShops = []PartnerShop{
	{
		ID:          "partner1",
		Name:        "HealthMart Pharmacy",
		Description: "A complete pharmacy with prescription and OTC medications",
		Location:    "Multiple locations citywide",
		Categories:  []string{"Pharmacy", "Health Products"},
		Website:     "https://example.com/healthmart",
	},
	{
		ID:          "partner2",
		Name:        "Wellness Nutrition",
		Description: "Specialty store for nutritional supplements and health foods",
		Location:    "Downtown & Eastside",
		Categories:  []string{"Nutrition", "Supplements"},
		Website:     "https://example.com/wellness",
	},
	{
		ID:          "partner3",
		Name:        "MediEquip Store",
		Description: "Medical equipment and mobility aids for home care",
		Location:    "Southside Medical District",
		Categories:  []string{"Medical Equipment", "Home Care"},
		Website:     "https://example.com/mediequip",
	},
}

// PartnerShops lists the shops that accept reward points.
func PartnerShops() []PartnerShop {
	out := make([]PartnerShop, len(partnerShops))
	for i, p := range partnerShops {
		p.Categories = append([]string(nil), p.Categories...)
		out[i] = p
	}
	return out
}

/*
Package factory converts JSON rule definitions into rewards types.

PURPOSE:
  Rate configurations and seasonal promotions are authored as JSON by the
  admin UI, stored as JSON by the SQLite store (category rules column), and
  loaded as JSON by demo scenarios. This package is the single place that
  JSON shape is defined and validated.

JSON SCHEMA:
  Rate configuration:
  {
    "id": "spring-rates",
    "name": "Spring rates",
    "base_rate": 10,
    "category_rules": {"Supplements": 1.5, "Skincare": "1.25"},
    "is_active": true
  }

  Seasonal promotion:
  {
    "name": "Summer Double Points",
    "start_date": "2025-06-01",
    "end_date": "2025-08-31",
    "multiplier": 2.0,
    "is_active": true
  }

  Rule set (scenarios, seed files):
  {"configurations": [...], "seasons": [...]}

NUMBERS:
  Category rules and rates accept JSON numbers or numeric strings; older
  rows store multipliers as strings. Output always uses strings so no
  precision is lost.

USAGE:
  f := factory.NewRuleFactory()
  cfg, err := f.ParseConfiguration(jsonString)
  season, err := f.ParseSeason(jsonString)

SEE ALSO:
  - rewards/policies.go: the built-in default configuration
  - store/sqlite/sqlite.go: category_rules column
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/carepoint/rewards-engine/rewards"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ConfigurationJSON is the JSON representation of a rate configuration.
type ConfigurationJSON struct {
	ID            string                     `json:"id,omitempty"`
	Name          string                     `json:"name"`
	Description   string                     `json:"description,omitempty"`
	BaseRate      decimal.Decimal            `json:"base_rate"`
	CategoryRules map[string]decimal.Decimal `json:"category_rules,omitempty"`
	IsActive      *bool                      `json:"is_active,omitempty"` // Defaults to true
}

// SeasonJSON is the JSON representation of a seasonal promotion.
type SeasonJSON struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	StartDate   rewards.Date    `json:"start_date"`
	EndDate     rewards.Date    `json:"end_date"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	IsActive    *bool           `json:"is_active,omitempty"` // Defaults to true
}

// RuleSetJSON bundles configurations and seasons.
type RuleSetJSON struct {
	Configurations []ConfigurationJSON `json:"configurations"`
	Seasons        []SeasonJSON        `json:"seasons"`
}

// RuleSet is a parsed and validated RuleSetJSON.
type RuleSet struct {
	Configurations []rewards.RateConfiguration
	Seasons        []rewards.SeasonalPromotion
}

// =============================================================================
// RULE FACTORY
// =============================================================================

type RuleFactory struct{}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

func (f *RuleFactory) ParseConfiguration(data string) (rewards.RateConfiguration, error) {
	var cj ConfigurationJSON
	if err := decode(data, &cj); err != nil {
		return rewards.RateConfiguration{}, err
	}
	return f.FromConfigurationJSON(cj)
}

// FromConfigurationJSON converts and validates an already decoded definition.
func (f *RuleFactory) FromConfigurationJSON(cj ConfigurationJSON) (rewards.RateConfiguration, error) {
	cfg := rewards.RateConfiguration{
		ID:                  rewards.ConfigurationID(strings.TrimSpace(cj.ID)),
		Name:                strings.TrimSpace(cj.Name),
		Description:         cj.Description,
		BaseRate:            cj.BaseRate,
		CategoryMultipliers: rewards.CategoryMultipliers(cj.CategoryRules).Clone(),
		IsActive:            boolOr(cj.IsActive, true),
	}
	if err := cfg.Validate(); err != nil {
		return rewards.RateConfiguration{}, err
	}
	return cfg, nil
}

func (f *RuleFactory) ParseSeason(data string) (rewards.SeasonalPromotion, error) {
	var sj SeasonJSON
	if err := decode(data, &sj); err != nil {
		return rewards.SeasonalPromotion{}, err
	}
	return f.FromSeasonJSON(sj)
}

func (f *RuleFactory) FromSeasonJSON(sj SeasonJSON) (rewards.SeasonalPromotion, error) {
	season := rewards.SeasonalPromotion{
		ID:          rewards.SeasonID(strings.TrimSpace(sj.ID)),
		Name:        strings.TrimSpace(sj.Name),
		Description: sj.Description,
		StartDate:   sj.StartDate,
		EndDate:     sj.EndDate,
		Multiplier:  sj.Multiplier,
		IsActive:    boolOr(sj.IsActive, true),
	}
	if err := season.Validate(); err != nil {
		return rewards.SeasonalPromotion{}, err
	}
	return season, nil
}

// ParseRuleSet parses a bundle. The first invalid entry fails the whole set.
func (f *RuleFactory) ParseRuleSet(data string) (RuleSet, error) {
	var rj RuleSetJSON
	if err := decode(data, &rj); err != nil {
		return RuleSet{}, err
	}
	var rs RuleSet
	for i, cj := range rj.Configurations {
		cfg, err := f.FromConfigurationJSON(cj)
		if err != nil {
			return RuleSet{}, fmt.Errorf("configurations[%d]: %w", i, err)
		}
		rs.Configurations = append(rs.Configurations, cfg)
	}
	for i, sj := range rj.Seasons {
		season, err := f.FromSeasonJSON(sj)
		if err != nil {
			return RuleSet{}, fmt.Errorf("seasons[%d]: %w", i, err)
		}
		rs.Seasons = append(rs.Seasons, season)
	}
	return rs, nil
}

// =============================================================================
// ENCODING
// =============================================================================

func ConfigurationToJSON(cfg rewards.RateConfiguration) ConfigurationJSON {
	active := cfg.IsActive
	return ConfigurationJSON{
		ID:            string(cfg.ID),
		Name:          cfg.Name,
		Description:   cfg.Description,
		BaseRate:      cfg.BaseRate,
		CategoryRules: cfg.CategoryMultipliers.Clone(),
		IsActive:      &active,
	}
}

func SeasonToJSON(s rewards.SeasonalPromotion) SeasonJSON {
	active := s.IsActive
	return SeasonJSON{
		ID:          string(s.ID),
		Name:        s.Name,
		Description: s.Description,
		StartDate:   s.StartDate,
		EndDate:     s.EndDate,
		Multiplier:  s.Multiplier,
		IsActive:    &active,
	}
}

// EncodeCategoryRules renders multipliers as a JSON object with string values.
func EncodeCategoryRules(m rewards.CategoryMultipliers) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]decimal.Decimal(m))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeCategoryRules parses a JSON object whose values are numbers or
// numeric strings. Empty input yields an empty map.
func DecodeCategoryRules(s string) (rewards.CategoryMultipliers, error) {
	out := rewards.CategoryMultipliers{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), (*map[string]decimal.Decimal)(&out)); err != nil {
		return nil, fmt.Errorf("%w: category rules: %v", rewards.ErrInvalidInput, err)
	}
	return out, nil
}

func decode(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", rewards.ErrInvalidInput, err)
	}
	return nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

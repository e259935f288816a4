/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types in the
  rewards package carry no JSON tags; everything the wire sees is here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

NUMBERS:
  Prices, rates and multipliers are decimals. Requests accept JSON numbers
  or numeric strings; responses render them as strings. Points are integers.

DATES:
  Calendar days are "YYYY-MM-DD". Grant timestamps are RFC3339.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/configuration.go: ConfigurationJSON and SeasonJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/carepoint/rewards-engine/factory"
	"github.com/carepoint/rewards-engine/rewards"
)

// =============================================================================
// PROGRAM INFO & CALCULATOR
// =============================================================================

type EarnRatesDTO struct {
	Products int64 `json:"products"`
	Services int64 `json:"services"`
	Referral int64 `json:"referral"`
}

type RedemptionRateDTO struct {
	Points int64           `json:"points"`
	Value  decimal.Decimal `json:"value"`
}

// RewardsInfoDTO describes the program as shown to patients.
type RewardsInfoDTO struct {
	EarnRates           EarnRatesDTO      `json:"earn_rates"`
	RedemptionRate      RedemptionRateDTO `json:"redemption_rate"`
	ActiveConfiguration string            `json:"active_configuration,omitempty"`
	ActiveSeason        string            `json:"active_season"`
	SeasonMultiplier    decimal.Decimal   `json:"season_multiplier"`
	PartnerShops        []PartnerShopDTO  `json:"partner_shops"`
}

type PartnerShopDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Categories  []string `json:"categories"`
	Website     string   `json:"website,omitempty"`
}

type CalculateRequest struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Category string          `json:"category,omitempty"`
	Date     rewards.Date    `json:"date,omitempty"`
}

type BreakdownDTO struct {
	ConfigurationID    string          `json:"configuration_id"`
	BaseRate           decimal.Decimal `json:"base_rate"`
	Price              decimal.Decimal `json:"price"`
	BasePoints         decimal.Decimal `json:"base_points"`
	Season             string          `json:"season"`
	SeasonalMultiplier decimal.Decimal `json:"seasonal_multiplier"`
	Category           string          `json:"category"`
	CategoryMultiplier decimal.Decimal `json:"category_multiplier"`
	Quantity           int             `json:"quantity"`
	Calculation        string          `json:"calculation"`
}

type CalculationDTO struct {
	Points    int64        `json:"points"`
	Breakdown BreakdownDTO `json:"breakdown"`
}

// =============================================================================
// ADMIN - CONFIGURATIONS & SEASONS
// =============================================================================

// ConfigurationDTO is a stored configuration with its audit fields.
type ConfigurationDTO struct {
	factory.ConfigurationJSON
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SeasonDTO struct {
	factory.SeasonJSON
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TopEarnerDTO struct {
	PatientID string `json:"patient_id"`
	Points    int64  `json:"points"`
	Grants    int    `json:"grants"`
}

// =============================================================================
// COMPLETION EVENTS
// =============================================================================

type LineItemDTO struct {
	Name     string          `json:"name,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Category string          `json:"category,omitempty"`
}

// TransactionCompletedRequest is sent by checkout when an order or
// prescription order is finalized.
type TransactionCompletedRequest struct {
	PatientID       string          `json:"patient_id"`
	SourceID        string          `json:"source_id"`
	Kind            string          `json:"kind"`
	PriceTotal      decimal.Decimal `json:"price_total"`
	LineItems       []LineItemDTO   `json:"line_items,omitempty"`
	Category        string          `json:"category,omitempty"`
	TransactionDate rewards.Date    `json:"transaction_date,omitempty"`
	Description     string          `json:"description,omitempty"`
}

// AppointmentStatusRequest is sent by scheduling on every status change.
type AppointmentStatusRequest struct {
	PatientID   string          `json:"patient_id"`
	FromStatus  string          `json:"from_status"`
	ToStatus    string          `json:"to_status"`
	ServiceName string          `json:"service_name,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category,omitempty"`
	Date        rewards.Date    `json:"date,omitempty"`
}

type AccrualResultDTO struct {
	Status string    `json:"status"`
	Points int64     `json:"points"`
	Grant  *GrantDTO `json:"grant,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// =============================================================================
// PATIENT LEDGER & CARD
// =============================================================================

type GrantDTO struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	Points      int64     `json:"points"`
	Description string    `json:"description"`
	SourceID    string    `json:"source_id,omitempty"`
	Type        string    `json:"type"`
	CreatedBy   string    `json:"created_by,omitempty"`
	Date        time.Time `json:"date"`
}

type BalanceDTO struct {
	PatientID string `json:"patient_id"`
	Balance   int64  `json:"balance"`
}

// RewardsSummaryDTO is the patient rewards page.
type RewardsSummaryDTO struct {
	PatientID     string     `json:"patient_id"`
	Balance       int64      `json:"balance"`
	TotalEarned   int64      `json:"total_earned"`
	TotalRedeemed int64      `json:"total_redeemed"`
	History       []GrantDTO `json:"history"`
	Card          *CardDTO   `json:"card,omitempty"`
}

// AddPointsRequest is a manual grant (positive) or deduction (negative).
type AddPointsRequest struct {
	Points      int64  `json:"points"`
	Description string `json:"description"`
	SourceID    string `json:"source_id,omitempty"`
}

type RedeemRequest struct {
	Points      int64  `json:"points"`
	Description string `json:"description,omitempty"`
}

type CardDTO struct {
	ID         string       `json:"id"`
	PatientID  string       `json:"patient_id"`
	CardNumber string       `json:"card_number"`
	IssuedDate rewards.Date `json:"issued_date"`
	Status     string       `json:"status"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCalculationDTO(c rewards.Calculation) CalculationDTO {
	b := c.Breakdown
	return CalculationDTO{
		Points: c.Points,
		Breakdown: BreakdownDTO{
			ConfigurationID:    string(b.ConfigurationID),
			BaseRate:           b.BaseRate,
			Price:              b.Price,
			BasePoints:         b.BasePoints,
			Season:             b.Season,
			SeasonalMultiplier: b.SeasonalMultiplier,
			Category:           b.Category,
			CategoryMultiplier: b.CategoryMultiplier,
			Quantity:           b.Quantity,
			Calculation:        b.Formula,
		},
	}
}

func toConfigurationDTO(cfg rewards.RateConfiguration) ConfigurationDTO {
	return ConfigurationDTO{
		ConfigurationJSON: factory.ConfigurationToJSON(cfg),
		CreatedBy:         cfg.CreatedBy,
		UpdatedBy:         cfg.UpdatedBy,
		CreatedAt:         cfg.CreatedAt,
		UpdatedAt:         cfg.UpdatedAt,
	}
}

func toSeasonDTO(s rewards.SeasonalPromotion) SeasonDTO {
	return SeasonDTO{
		SeasonJSON: factory.SeasonToJSON(s),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func toGrantDTO(g rewards.PointsGrant) GrantDTO {
	return GrantDTO{
		ID:          string(g.ID),
		PatientID:   string(g.PatientID),
		Points:      g.Points,
		Description: g.Description,
		SourceID:    g.SourceID,
		Type:        string(g.Kind),
		CreatedBy:   g.CreatedBy,
		Date:        g.Date,
	}
}

func toGrantDTOs(grants []rewards.PointsGrant) []GrantDTO {
	out := make([]GrantDTO, len(grants))
	for i, g := range grants {
		out[i] = toGrantDTO(g)
	}
	return out
}

func toCardDTO(c *rewards.RewardsCard) *CardDTO {
	if c == nil {
		return nil
	}
	return &CardDTO{
		ID:         string(c.ID),
		PatientID:  string(c.PatientID),
		CardNumber: c.CardNumber,
		IssuedDate: c.IssuedDate,
		Status:     string(c.Status),
	}
}

func toAccrualResultDTO(res rewards.AccrualResult) AccrualResultDTO {
	dto := AccrualResultDTO{Status: string(res.Status)}
	if res.Grant != nil {
		g := toGrantDTO(*res.Grant)
		dto.Grant = &g
		dto.Points = res.Grant.Points
	}
	if res.Err != nil {
		dto.Error = res.Err.Error()
	}
	return dto
}

func (li LineItemDTO) toLineItem() rewards.LineItem {
	return rewards.LineItem{Name: li.Name, Price: li.Price, Quantity: li.Quantity, Category: li.Category}
}

func toPartnerShopDTOs(shops []rewards.PartnerShop) []PartnerShopDTO {
	out := make([]PartnerShopDTO, len(shops))
	for i, p := range shops {
		out[i] = PartnerShopDTO{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Location:    p.Location,
			Categories:  p.Categories,
			Website:     p.Website,
		}
	}
	return out
}

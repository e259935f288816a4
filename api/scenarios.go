/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic
  rewards data for demos and UI development. Each scenario goes through the
  same code paths production traffic does: rules through the factory and
  configuration manager, points through the accrual coordinator.

AVAILABLE SCENARIOS:
  launch-rates:       Default 10/5 points per dollar, an order and an appointment
  seasonal-promotion: Category multipliers and a double-points season over today
  loyal-patient:      Earned points, a clinic bonus, a redemption and a card

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create rules from JSON via the factory
 3. Replay completion events through the coordinator
 4. Optionally add manual grants, redemptions and cards

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "seasonal-promotion"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Other handlers
  - factory/configuration.go: JSON rule definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/carepoint/rewards-engine/rewards"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioLoader func(h *Handler, ctx context.Context) error

type scenario struct {
	ScenarioDTO
	load scenarioLoader
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "launch-rates",
			Name:        "Launch Rates",
			Description: "Default earn rates: a $45.99 product order and an $80 confirmed appointment",
		},
		load: (*Handler).loadLaunchRatesScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "seasonal-promotion",
			Name:        "Seasonal Promotion",
			Description: "Supplements x1.5 with a double-points season running today",
		},
		load: (*Handler).loadSeasonalPromotionScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "loyal-patient",
			Name:        "Loyal Patient",
			Description: "Orders, a clinic bonus, a redemption and an issued rewards card",
		},
		load: (*Handler).loadLoyalPatientScenario,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := s.load(h, ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = s.ID
	h.Logger.Info().Str("scenario", s.ID).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadLaunchRatesScenario(ctx context.Context) error {
	if _, err := rewards.SeedDefaults(ctx, h.Rules); err != nil {
		return err
	}
	today := rewards.Today(h.clock)

	// 45.99 * 10 = 459
	if err := h.accrue(ctx, rewards.TransactionEvent{
		PatientID:       "patient-ava",
		SourceID:        "order-1001",
		Kind:            rewards.KindProduct,
		PriceTotal:      decimal.RequireFromString("45.99"),
		TransactionDate: today,
	}); err != nil {
		return err
	}

	// 80 * 10 * 0.5 = 400
	_, err := h.Coordinator.OnAppointmentStatusChanged(ctx, rewards.AppointmentTransition{
		AppointmentID: "appt-2001",
		PatientID:     "patient-ava",
		FromStatus:    "pending",
		ToStatus:      rewards.AppointmentConfirmed,
		ServiceName:   "Annual physical",
		Price:         decimal.NewFromInt(80),
		Date:          today,
	})
	return err
}

func (h *Handler) loadSeasonalPromotionScenario(ctx context.Context) error {
	today := rewards.Today(h.clock)
	rules := fmt.Sprintf(`{
		"configurations": [
			{
				"id": "wellness-rates",
				"name": "Wellness rates",
				"base_rate": 10,
				"category_rules": {"Supplements": 1.5, "Services": 0.5, "Skincare": "1.25"}
			}
		],
		"seasons": [
			{
				"id": "double-points",
				"name": "Double Points Month",
				"start_date": %q,
				"end_date": %q,
				"multiplier": 2
			}
		]
	}`, today.AddDays(-14).String(), today.AddDays(14).String())

	if err := h.createRuleSet(ctx, rules); err != nil {
		return err
	}

	// 20 * 10 * 2 * 1.5 * 2 = 1200
	return h.accrue(ctx, rewards.TransactionEvent{
		PatientID: "patient-ben",
		SourceID:  "order-3001",
		Kind:      rewards.KindProduct,
		LineItems: []rewards.LineItem{
			{Name: "Vitamin D3", Price: decimal.NewFromInt(20), Quantity: 2, Category: "Supplements"},
		},
		TransactionDate: today,
	})
}

func (h *Handler) loadLoyalPatientScenario(ctx context.Context) error {
	if _, err := rewards.SeedDefaults(ctx, h.Rules); err != nil {
		return err
	}
	today := rewards.Today(h.clock)
	patient := rewards.PatientID("patient-cleo")

	orders := []struct {
		id    string
		kind  rewards.TransactionKind
		total string
		days  int
	}{
		{"order-4001", rewards.KindProduct, "120.00", -60},
		{"rx-4002", rewards.KindPrescription, "35.50", -30},
		{"order-4003", rewards.KindProduct, "64.25", -7},
	}
	for _, o := range orders {
		if err := h.accrue(ctx, rewards.TransactionEvent{
			PatientID:       patient,
			SourceID:        o.id,
			Kind:            o.kind,
			PriceTotal:      decimal.RequireFromString(o.total),
			TransactionDate: today.AddDays(o.days),
		}); err != nil {
			return err
		}
	}

	clinic := rewards.Actor{ID: "clinic-harbor", Role: rewards.RoleClinic}
	if _, err := h.Ledger.AppendGrant(ctx, rewards.GrantInput{
		PatientID:   patient,
		Points:      rewards.ReferralBonusPoints,
		Description: "Referral bonus",
		Kind:        rewards.GrantAdjustment,
		CreatedBy:   clinic.ID,
	}); err != nil {
		return err
	}
	if _, err := h.Ledger.Redeem(ctx, patient, 1000, "Redeemed $10 off", rewards.Actor{ID: string(patient), Role: rewards.RolePatient}); err != nil {
		return err
	}
	_, err := h.Cards.RequestCard(ctx, patient)
	return err
}

func (h *Handler) createRuleSet(ctx context.Context, jsonStr string) error {
	rs, err := h.RuleFactory.ParseRuleSet(jsonStr)
	if err != nil {
		return err
	}
	for _, cfg := range rs.Configurations {
		if _, err := h.Rules.CreateConfiguration(ctx, rewards.SystemActor, cfg); err != nil {
			return err
		}
	}
	for _, s := range rs.Seasons {
		if _, err := h.Rules.CreateSeason(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// accrue replays an event and treats anything but a grant as a failure.
func (h *Handler) accrue(ctx context.Context, ev rewards.TransactionEvent) error {
	res, err := h.Coordinator.OnTransactionCompleted(ctx, ev)
	if err != nil {
		return err
	}
	if res.Status != rewards.StatusGranted {
		return fmt.Errorf("event %s: %s: %v", ev.SourceID, res.Status, res.Err)
	}
	return nil
}

/*
handlers.go - HTTP API handlers for the rewards engine

PURPOSE:
  Exposes the rewards engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the rewards package.

ENDPOINTS:
  Program:
    GET    /api/rewards/info                   Earn and redemption rates
    GET    /api/rewards/partners               Partner shops accepting points
    POST   /api/rewards/calculate              Points preview (no side effects)

  Admin:
    GET    /api/admin/configurations           List rate configurations
    POST   /api/admin/configurations           Create configuration
    GET    /api/admin/configurations/{id}      Get configuration
    PUT    /api/admin/configurations/{id}      Replace configuration
    DELETE /api/admin/configurations/{id}      Delete configuration
    (same five for /api/admin/seasons)
    GET    /api/admin/top-earners              Highest balances
    GET    /api/admin/partner-shops            Partner shops

  Events:
    POST   /api/transactions/completed         Order / prescription finalized
    POST   /api/appointments/{id}/status       Appointment status changed

  Patients:
    GET    /api/patients/{id}/rewards          Balance, totals, history, card
    GET    /api/patients/{id}/balance          Balance only
    GET    /api/patients/{id}/history          Grants, newest first
    POST   /api/patients/{id}/points           Manual grant or deduction
    POST   /api/patients/{id}/redemptions      Spend points
    GET    /api/patients/{id}/card             Get card
    POST   /api/patients/{id}/card             Request card (idempotent)

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call the rewards package
  4. Serialize response
  5. Map errors to status codes (writeDomainError)

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401/403: Missing or insufficient actor
  - 404: Resource not found
  - 409: No active configuration, card conflicts
  - 500: Internal errors

  Completion events always answer 200 with the accrual outcome unless the
  ledger append itself failed: a rewards problem must not fail checkout.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/carepoint/rewards-engine/factory"
	"github.com/carepoint/rewards-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API needs from persistence.
type Store interface {
	rewards.Store
	Reset(ctx context.Context) error
}

// Options tune the components the handler builds.
type Options struct {
	Clock        rewards.Clock
	Recorder     rewards.Recorder
	Retry        rewards.RetryPolicy
	CardAttempts int
	CardRandom   io.Reader
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       Store
	Rules       *rewards.ConfigurationManager
	Calculator  *rewards.PointsCalculator
	Ledger      *rewards.Ledger
	Coordinator *rewards.Coordinator
	Cards       *rewards.CardIssuer
	RuleFactory *factory.RuleFactory
	Logger      zerolog.Logger

	clock rewards.Clock

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler wires the rewards components on top of store.
func NewHandler(store Store, logger zerolog.Logger, opts Options) *Handler {
	clock := opts.Clock
	if clock == nil {
		clock = rewards.SystemClock{}
	}

	rules := rewards.NewConfigurationManager(store, store, clock)
	calculator := rewards.NewPointsCalculator(rules, clock)
	ledger := rewards.NewLedger(store, clock, nil).WithCards(store)

	coordOpts := []rewards.CoordinatorOption{rewards.WithRecorder(opts.Recorder)}
	if opts.Retry.MaxTries > 0 {
		coordOpts = append(coordOpts, rewards.WithRetryPolicy(opts.Retry))
	}

	cardOpts := []rewards.CardOption{
		rewards.WithMaxAttempts(opts.CardAttempts),
		rewards.WithCardLogger(logger.With().Str("component", "cards").Logger()),
	}
	if opts.CardRandom != nil {
		cardOpts = append(cardOpts, rewards.WithCardRandom(opts.CardRandom))
	}

	return &Handler{
		Store:       store,
		Rules:       rules,
		Calculator:  calculator,
		Ledger:      ledger,
		Coordinator: rewards.NewCoordinator(calculator, ledger, logger, coordOpts...),
		Cards:       rewards.NewCardIssuer(store, clock, cardOpts...),
		RuleFactory: factory.NewRuleFactory(),
		Logger:      logger.With().Str("component", "api").Logger(),
		clock:       clock,
	}
}

// =============================================================================
// PROGRAM HANDLERS
// =============================================================================

// GetRewardsInfo returns the earn and redemption rates in effect today.
func (h *Handler) GetRewardsInfo(w http.ResponseWriter, r *http.Request) {
	rates, err := rewards.ProgramEarnRates(r.Context(), h.Rules, h.clock)
	if err != nil {
		h.writeDomainError(w, "Failed to load earn rates", err)
		return
	}
	writeJSON(w, http.StatusOK, RewardsInfoDTO{
		EarnRates: EarnRatesDTO{
			Products: rates.ProductsPerDollar,
			Services: rates.ServicesPerDollar,
			Referral: rates.ReferralBonus,
		},
		RedemptionRate: RedemptionRateDTO{
			Points: rates.PointsPerRedemption,
			Value:  rates.RedemptionValue,
		},
		ActiveConfiguration: string(rates.ActiveConfiguration),
		ActiveSeason:        rates.ActiveSeason,
		SeasonMultiplier:    rates.SeasonMultiplier,
		PartnerShops:        toPartnerShopDTOs(rewards.PartnerShops()),
	})
}

// ListPartnerShops returns the shops where points can be redeemed.
// GET /api/rewards/partners, GET /api/admin/partner-shops
func (h *Handler) ListPartnerShops(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPartnerShopDTOs(rewards.PartnerShops()))
}

// CalculatePoints previews a calculation without touching the ledger.
func (h *Handler) CalculatePoints(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	calc, err := h.Calculator.Calculate(r.Context(), req.Price, req.Quantity, req.Category, req.Date)
	if err != nil {
		h.writeDomainError(w, "Failed to calculate points", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(calc))
}

// =============================================================================
// CONFIGURATION HANDLERS
// =============================================================================

func (h *Handler) ListConfigurations(w http.ResponseWriter, r *http.Request) {
	configs, err := h.Rules.ListConfigurations(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list configurations", err)
		return
	}
	dtos := make([]ConfigurationDTO, len(configs))
	for i, c := range configs {
		dtos[i] = toConfigurationDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateConfiguration(w http.ResponseWriter, r *http.Request) {
	var req factory.ConfigurationJSON
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := h.RuleFactory.FromConfigurationJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid configuration", err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	created, err := h.Rules.CreateConfiguration(r.Context(), actor, cfg)
	if err != nil {
		h.writeDomainError(w, "Failed to create configuration", err)
		return
	}
	writeJSON(w, http.StatusCreated, toConfigurationDTO(*created))
}

func (h *Handler) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Rules.GetConfiguration(r.Context(), rewards.ConfigurationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigurationDTO(*cfg))
}

func (h *Handler) UpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	var req factory.ConfigurationJSON
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := h.RuleFactory.FromConfigurationJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid configuration", err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	updated, err := h.Rules.UpdateConfiguration(r.Context(), actor, rewards.ConfigurationID(chi.URLParam(r, "id")), cfg)
	if err != nil {
		h.writeDomainError(w, "Failed to update configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigurationDTO(*updated))
}

func (h *Handler) DeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	if err := h.Rules.DeleteConfiguration(r.Context(), rewards.ConfigurationID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, "Failed to delete configuration", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SEASON HANDLERS
// =============================================================================

func (h *Handler) ListSeasons(w http.ResponseWriter, r *http.Request) {
	seasons, err := h.Rules.ListSeasons(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list seasons", err)
		return
	}
	dtos := make([]SeasonDTO, len(seasons))
	for i, s := range seasons {
		dtos[i] = toSeasonDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateSeason(w http.ResponseWriter, r *http.Request) {
	var req factory.SeasonJSON
	if !decodeBody(w, r, &req) {
		return
	}
	season, err := h.RuleFactory.FromSeasonJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid season", err)
		return
	}
	created, err := h.Rules.CreateSeason(r.Context(), season)
	if err != nil {
		h.writeDomainError(w, "Failed to create season", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSeasonDTO(*created))
}

func (h *Handler) GetSeason(w http.ResponseWriter, r *http.Request) {
	season, err := h.Rules.GetSeason(r.Context(), rewards.SeasonID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get season", err)
		return
	}
	writeJSON(w, http.StatusOK, toSeasonDTO(*season))
}

func (h *Handler) UpdateSeason(w http.ResponseWriter, r *http.Request) {
	var req factory.SeasonJSON
	if !decodeBody(w, r, &req) {
		return
	}
	season, err := h.RuleFactory.FromSeasonJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid season", err)
		return
	}
	updated, err := h.Rules.UpdateSeason(r.Context(), rewards.SeasonID(chi.URLParam(r, "id")), season)
	if err != nil {
		h.writeDomainError(w, "Failed to update season", err)
		return
	}
	writeJSON(w, http.StatusOK, toSeasonDTO(*updated))
}

func (h *Handler) DeleteSeason(w http.ResponseWriter, r *http.Request) {
	if err := h.Rules.DeleteSeason(r.Context(), rewards.SeasonID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, "Failed to delete season", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TopEarners lists the patients with the highest balances.
// GET /api/admin/top-earners?limit=N
func (h *Handler) TopEarners(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100", err)
			return
		}
		limit = n
	}
	totals, err := h.Ledger.TopEarners(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, "Failed to load top earners", err)
		return
	}
	dtos := make([]TopEarnerDTO, len(totals))
	for i, t := range totals {
		dtos[i] = TopEarnerDTO{PatientID: string(t.PatientID), Points: t.Points, Grants: t.Grants}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// TransactionCompleted accrues points for a finalized order.
// POST /api/transactions/completed
func (h *Handler) TransactionCompleted(w http.ResponseWriter, r *http.Request) {
	var req TransactionCompletedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev := rewards.TransactionEvent{
		PatientID:       rewards.PatientID(req.PatientID),
		SourceID:        req.SourceID,
		Kind:            rewards.TransactionKind(req.Kind),
		PriceTotal:      req.PriceTotal,
		Category:        req.Category,
		TransactionDate: req.TransactionDate,
		Description:     req.Description,
	}
	for _, li := range req.LineItems {
		ev.LineItems = append(ev.LineItems, li.toLineItem())
	}

	res, err := h.Coordinator.OnTransactionCompleted(r.Context(), ev)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to record points", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccrualResultDTO(res))
}

// AppointmentStatusChanged accrues service points on confirmation.
// POST /api/appointments/{id}/status
func (h *Handler) AppointmentStatusChanged(w http.ResponseWriter, r *http.Request) {
	var req AppointmentStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Coordinator.OnAppointmentStatusChanged(r.Context(), rewards.AppointmentTransition{
		AppointmentID: chi.URLParam(r, "id"),
		PatientID:     rewards.PatientID(req.PatientID),
		FromStatus:    req.FromStatus,
		ToStatus:      req.ToStatus,
		ServiceName:   req.ServiceName,
		Price:         req.Price,
		Category:      req.Category,
		Date:          req.Date,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to record points", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccrualResultDTO(res))
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

func (h *Handler) GetRewardsSummary(w http.ResponseWriter, r *http.Request) {
	_, patientID, ok := authorizePatient(w, r)
	if !ok {
		return
	}
	s, err := h.Ledger.Summary(r.Context(), patientID)
	if err != nil {
		h.writeDomainError(w, "Failed to load rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, RewardsSummaryDTO{
		PatientID:     string(patientID),
		Balance:       s.Balance,
		TotalEarned:   s.Earned,
		TotalRedeemed: s.Redeemed,
		History:       toGrantDTOs(s.History),
		Card:          toCardDTO(s.Card),
	})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	_, patientID, ok := authorizePatient(w, r)
	if !ok {
		return
	}
	balance, err := h.Ledger.Balance(r.Context(), patientID)
	if err != nil {
		h.writeDomainError(w, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{PatientID: string(patientID), Balance: balance})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	_, patientID, ok := authorizePatient(w, r)
	if !ok {
		return
	}
	history, err := h.Ledger.History(r.Context(), patientID)
	if err != nil {
		h.writeDomainError(w, "Failed to load history", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTOs(history))
}

// AddPoints records a manual grant or deduction by a clinic or admin.
// POST /api/patients/{id}/points
func (h *Handler) AddPoints(w http.ResponseWriter, r *http.Request) {
	actor, patientID, ok := authorizePatient(w, r)
	if !ok {
		return
	}
	var req AddPointsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Points == 0 {
		writeError(w, http.StatusBadRequest, "points must not be zero", nil)
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required", nil)
		return
	}
	grant, err := h.Ledger.AppendGrant(r.Context(), rewards.GrantInput{
		PatientID:   patientID,
		Points:      req.Points,
		Description: req.Description,
		SourceID:    req.SourceID,
		Kind:        rewards.GrantAdjustment,
		CreatedBy:   actor.ID,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to add points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantDTO(*grant))
}

// Redeem spends points. Balances may go negative.
// POST /api/patients/{id}/redemptions
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	actor, patientID, ok := authorizePatient(w, r)
	if !ok {
		return
	}
	var req RedeemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	grant, err := h.Ledger.Redeem(r.Context(), patientID, req.Points, req.Description, actor)
	if err != nil {
		h.writeDomainError(w, "Failed to redeem points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantDTO(*grant))
}

func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	_, patientID, ok := authorizePatient(w, r)
	if !ok {
		return
	}
	card, err := h.Cards.GetCard(r.Context(), patientID)
	if err != nil {
		h.writeDomainError(w, "Failed to get card", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

// RequestCard issues the patient's card, or returns the existing one.
// POST /api/patients/{id}/card
func (h *Handler) RequestCard(w http.ResponseWriter, r *http.Request) {
	_, patientID, ok := authorizePatient(w, r)
	if !ok {
		return
	}
	card, err := h.Cards.RequestCard(r.Context(), patientID)
	if err != nil {
		h.writeDomainError(w, "Failed to issue card", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps rewards errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case rewards.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case rewards.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, rewards.ErrUnauthorized):
		writeError(w, http.StatusForbidden, message, err)
	case errors.Is(err, rewards.ErrNoActiveConfiguration),
		errors.Is(err, rewards.ErrDuplicateCard),
		errors.Is(err, rewards.ErrCardNumberTaken):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.Logger.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

/*
scheduler.go - Automated seasonal promotion housekeeping

PURPOSE:
  Periodically switches off seasonal promotions whose end date has passed,
  so the admin season list only shows promotions that can still apply.
  Calculations never depend on it: an expired season does not apply
  whether or not it has been swept.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Stop waits for an in-flight sweep to finish

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  sweeper := NewSeasonSweeper(handler.Rules, clock, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - rewards/configuration.go: DeactivateExpiredSeasons
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carepoint/rewards-engine/rewards"
)

// SeasonSweeper deactivates expired seasons in the background.
type SeasonSweeper struct {
	Rules         *rewards.ConfigurationManager
	CheckInterval time.Duration
	Enabled       bool

	clock  rewards.Clock
	logger zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSeasonSweeper creates a new sweeper.
func NewSeasonSweeper(rules *rewards.ConfigurationManager, clock rewards.Clock, logger zerolog.Logger) *SeasonSweeper {
	if clock == nil {
		clock = rewards.SystemClock{}
	}
	return &SeasonSweeper{
		Rules:         rules,
		CheckInterval: time.Hour,
		Enabled:       true,
		clock:         clock,
		logger:        logger.With().Str("component", "season-sweeper").Logger(),
	}
}

// Start begins the sweeper.
func (s *SeasonSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger.Info().Dur("interval", s.CheckInterval).Msg("started")
}

// Stop stops the sweeper.
func (s *SeasonSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info().Msg("stopped")
	}
}

func (s *SeasonSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-stop:
			return
		}
	}
}

// Sweep runs one pass and returns how many seasons were deactivated.
func (s *SeasonSweeper) Sweep(ctx context.Context) int {
	today := rewards.Today(s.clock)
	expired, err := s.Rules.DeactivateExpiredSeasons(ctx, today)
	for _, season := range expired {
		s.logger.Info().
			Str("season_id", string(season.ID)).
			Str("end_date", season.EndDate.String()).
			Msg("deactivated expired season")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("season sweep failed")
	}
	return len(expired)
}

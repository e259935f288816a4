/*
Package sqlite provides a SQLite-backed rewards.Store.

PURPOSE:
  Durable storage for rate configurations, seasonal promotions, the points
  ledger and rewards cards. The same schema ports to PostgreSQL with minor
  dialect changes.

APPEND-ONLY ENFORCEMENT:
  - There is no UPDATE or DELETE statement against points_grants
  - Corrections are new grants (adjustments)

KEY TABLES:
  rate_configurations: admin rule sets, category_rules as a JSON object
  seasonal_promotions: dated multipliers
  points_grants:       immutable ledger
  rewards_cards:       one card per patient, unique card numbers

INDEXES:
  - idx_grants_patient_created: history and balance (hot path)
  - idx_grants_patient_source: exactly-once accrual lookups

ORDERING:
  created_at is stored in a fixed-width UTC layout so text order is time
  order. seq breaks ties in insertion order.

CONCURRENCY:
  sync.RWMutex serializes writers. Activating a configuration deactivates
  the others and writes the row in one SQL transaction.

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - rewards/store.go: interface definitions
  - rewards/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/carepoint/rewards-engine/factory"
	"github.com/carepoint/rewards-engine/rewards"
)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements rewards.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rate_configurations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		base_rate TEXT NOT NULL,
		category_rules TEXT NOT NULL DEFAULT '{}',
		is_active INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		updated_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_configurations_active
		ON rate_configurations(is_active, updated_at);

	CREATE TABLE IF NOT EXISTS seasonal_promotions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		multiplier TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_seasons_dates
		ON seasonal_promotions(start_date, end_date);

	-- Points ledger (append-only)
	CREATE TABLE IF NOT EXISTS points_grants (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		points INTEGER NOT NULL,
		description TEXT,
		source_id TEXT,
		kind TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grants_patient_created
		ON points_grants(patient_id, created_at);

	CREATE INDEX IF NOT EXISTS idx_grants_patient_source
		ON points_grants(patient_id, source_id);

	CREATE TABLE IF NOT EXISTS rewards_cards (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL UNIQUE,
		card_number TEXT NOT NULL UNIQUE,
		issued_date TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// RATE CONFIGURATIONS
// =============================================================================

const configColumns = `id, name, description, base_rate, category_rules, is_active,
	created_by, updated_by, created_at, updated_at`

func (s *Store) InsertConfiguration(ctx context.Context, cfg rewards.RateConfiguration, deactivateOthers bool) error {
	rules, err := factory.EncodeCategoryRules(cfg.CategoryMultipliers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deactivate(ctx, tx, cfg, deactivateOthers); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rate_configurations (`+configColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cfg.ID, cfg.Name, nullString(cfg.Description), cfg.BaseRate.String(), rules,
			boolInt(cfg.IsActive), nullString(cfg.CreatedBy), nullString(cfg.UpdatedBy),
			formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt),
		)
		if isUniqueConstraintError(err) {
			return &rewards.ValidationError{Field: "id", Reason: "configuration " + string(cfg.ID) + " already exists"}
		}
		return err
	})
}

func (s *Store) ReplaceConfiguration(ctx context.Context, cfg rewards.RateConfiguration, deactivateOthers bool) error {
	rules, err := factory.EncodeCategoryRules(cfg.CategoryMultipliers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rate_configurations SET
				name = ?, description = ?, base_rate = ?, category_rules = ?, is_active = ?,
				updated_by = ?, updated_at = ?
			WHERE id = ?`,
			cfg.Name, nullString(cfg.Description), cfg.BaseRate.String(), rules, boolInt(cfg.IsActive),
			nullString(cfg.UpdatedBy), formatTime(cfg.UpdatedAt), cfg.ID,
		)
		if err != nil {
			return err
		}
		if err := requireRow(res, "configuration", string(cfg.ID)); err != nil {
			return err
		}
		return deactivate(ctx, tx, cfg, deactivateOthers)
	})
}

func deactivate(ctx context.Context, db execer, cfg rewards.RateConfiguration, deactivateOthers bool) error {
	if !cfg.IsActive || !deactivateOthers {
		return nil
	}
	_, err := db.ExecContext(ctx,
		"UPDATE rate_configurations SET is_active = 0 WHERE id != ? AND is_active = 1", cfg.ID)
	return err
}

func (s *Store) GetConfiguration(ctx context.Context, id rewards.ConfigurationID) (*rewards.RateConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+configColumns+" FROM rate_configurations WHERE id = ?", id)
	cfg, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rewards.NotFoundError{Kind: "configuration", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) ListConfigurations(ctx context.Context) ([]rewards.RateConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+configColumns+" FROM rate_configurations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rewards.RateConfiguration
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *Store) DeleteConfiguration(ctx context.Context, id rewards.ConfigurationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM rate_configurations WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res, "configuration", string(id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConfiguration(row scanner) (rewards.RateConfiguration, error) {
	var (
		cfg                  rewards.RateConfiguration
		description          sql.NullString
		createdBy, updatedBy sql.NullString
		baseRate, rules      string
		active               int
		createdAt, updatedAt string
	)
	if err := row.Scan(&cfg.ID, &cfg.Name, &description, &baseRate, &rules, &active,
		&createdBy, &updatedBy, &createdAt, &updatedAt); err != nil {
		return rewards.RateConfiguration{}, err
	}

	rate, err := decimal.NewFromString(baseRate)
	if err != nil {
		return rewards.RateConfiguration{}, fmt.Errorf("configuration %s: base_rate: %w", cfg.ID, err)
	}
	multipliers, err := factory.DecodeCategoryRules(rules)
	if err != nil {
		return rewards.RateConfiguration{}, fmt.Errorf("configuration %s: %w", cfg.ID, err)
	}

	cfg.Description = description.String
	cfg.BaseRate = rate
	cfg.CategoryMultipliers = multipliers
	cfg.IsActive = active != 0
	cfg.CreatedBy = createdBy.String
	cfg.UpdatedBy = updatedBy.String
	cfg.CreatedAt = parseTime(createdAt)
	cfg.UpdatedAt = parseTime(updatedAt)
	return cfg, nil
}

// =============================================================================
// SEASONAL PROMOTIONS
// =============================================================================

const seasonColumns = `id, name, description, start_date, end_date, multiplier, is_active,
	created_at, updated_at`

func (s *Store) InsertSeason(ctx context.Context, season rewards.SeasonalPromotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seasonal_promotions (`+seasonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		season.ID, season.Name, nullString(season.Description),
		season.StartDate.String(), season.EndDate.String(), season.Multiplier.String(),
		boolInt(season.IsActive), formatTime(season.CreatedAt), formatTime(season.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return &rewards.ValidationError{Field: "id", Reason: "season " + string(season.ID) + " already exists"}
	}
	return err
}

func (s *Store) ReplaceSeason(ctx context.Context, season rewards.SeasonalPromotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE seasonal_promotions SET
			name = ?, description = ?, start_date = ?, end_date = ?, multiplier = ?,
			is_active = ?, updated_at = ?
		WHERE id = ?`,
		season.Name, nullString(season.Description), season.StartDate.String(), season.EndDate.String(),
		season.Multiplier.String(), boolInt(season.IsActive), formatTime(season.UpdatedAt), season.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "season", string(season.ID))
}

// DeactivateSeason switches off an expired season without touching the
// columns an admin may have edited since it was read.
func (s *Store) DeactivateSeason(ctx context.Context, id rewards.SeasonID, endedBefore rewards.Date, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE seasonal_promotions SET is_active = 0, updated_at = ?
		WHERE id = ? AND is_active = 1 AND end_date < ?`,
		formatTime(at), id, endedBefore.String(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetSeason(ctx context.Context, id rewards.SeasonID) (*rewards.SeasonalPromotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+seasonColumns+" FROM seasonal_promotions WHERE id = ?", id)
	season, err := scanSeason(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rewards.NotFoundError{Kind: "season", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &season, nil
}

func (s *Store) ListSeasons(ctx context.Context) ([]rewards.SeasonalPromotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+seasonColumns+" FROM seasonal_promotions ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rewards.SeasonalPromotion
	for rows.Next() {
		season, err := scanSeason(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, season)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSeason(ctx context.Context, id rewards.SeasonID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM seasonal_promotions WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res, "season", string(id))
}

func scanSeason(row scanner) (rewards.SeasonalPromotion, error) {
	var (
		season               rewards.SeasonalPromotion
		description          sql.NullString
		start, end           string
		multiplier           string
		active               int
		createdAt, updatedAt string
	)
	if err := row.Scan(&season.ID, &season.Name, &description, &start, &end, &multiplier, &active,
		&createdAt, &updatedAt); err != nil {
		return rewards.SeasonalPromotion{}, err
	}

	var err error
	if season.StartDate, err = rewards.ParseDate(start); err != nil {
		return rewards.SeasonalPromotion{}, fmt.Errorf("season %s: %w", season.ID, err)
	}
	if season.EndDate, err = rewards.ParseDate(end); err != nil {
		return rewards.SeasonalPromotion{}, fmt.Errorf("season %s: %w", season.ID, err)
	}
	if season.Multiplier, err = decimal.NewFromString(multiplier); err != nil {
		return rewards.SeasonalPromotion{}, fmt.Errorf("season %s: multiplier: %w", season.ID, err)
	}
	season.Description = description.String
	season.IsActive = active != 0
	season.CreatedAt = parseTime(createdAt)
	season.UpdatedAt = parseTime(updatedAt)
	return season, nil
}

// =============================================================================
// POINTS LEDGER (append-only)
// =============================================================================

const grantColumns = "id, patient_id, points, description, source_id, kind, created_by, created_at"

// AppendGrant inserts a grant. This is the only statement that writes
// points_grants.
func (s *Store) AppendGrant(ctx context.Context, g rewards.PointsGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO points_grants (`+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.PatientID, g.Points, nullString(g.Description), nullString(g.SourceID),
		g.Kind, nullString(g.CreatedBy), formatTime(g.Date),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &rewards.ValidationError{Field: "id", Reason: "grant " + string(g.ID) + " already exists"}
		}
		if isBusyError(err) {
			return fmt.Errorf("%w: %v", rewards.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("failed to append grant: %w", err)
	}
	return nil
}

func (s *Store) ListGrants(ctx context.Context, patientID rewards.PatientID) ([]rewards.PointsGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+grantColumns+" FROM points_grants WHERE patient_id = ? ORDER BY created_at DESC, seq DESC",
		patientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []rewards.PointsGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) SumPoints(ctx context.Context, patientID rewards.PatientID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(points), 0) FROM points_grants WHERE patient_id = ?", patientID,
	).Scan(&total)
	return total, err
}

func (s *Store) FindGrantBySource(ctx context.Context, patientID rewards.PatientID, sourceID string) (*rewards.PointsGrant, error) {
	if sourceID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+grantColumns+" FROM points_grants WHERE patient_id = ? AND source_id = ? ORDER BY seq LIMIT 1",
		patientID, sourceID,
	)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) TopEarners(ctx context.Context, limit int) ([]rewards.PatientTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT patient_id, SUM(points) AS total, COUNT(*)
		FROM points_grants
		GROUP BY patient_id
		ORDER BY total DESC, patient_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []rewards.PatientTotal{}
	for rows.Next() {
		var t rewards.PatientTotal
		if err := rows.Scan(&t.PatientID, &t.Points, &t.Grants); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanGrant(row scanner) (rewards.PointsGrant, error) {
	var (
		g                                rewards.PointsGrant
		description, sourceID, createdBy sql.NullString
		createdAt                        string
	)
	if err := row.Scan(&g.ID, &g.PatientID, &g.Points, &description, &sourceID, &g.Kind, &createdBy, &createdAt); err != nil {
		return rewards.PointsGrant{}, err
	}
	g.Description = description.String
	g.SourceID = sourceID.String
	g.CreatedBy = createdBy.String
	g.Date = parseTime(createdAt)
	return g, nil
}

// =============================================================================
// REWARDS CARDS
// =============================================================================

func (s *Store) InsertCard(ctx context.Context, card rewards.RewardsCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rewards_cards (id, patient_id, card_number, issued_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		card.ID, card.PatientID, card.CardNumber, card.IssuedDate.String(), card.Status, formatTime(card.CreatedAt),
	)
	if err != nil && isUniqueConstraintError(err) {
		if strings.Contains(err.Error(), "rewards_cards.patient_id") {
			return rewards.ErrDuplicateCard
		}
		if strings.Contains(err.Error(), "rewards_cards.card_number") {
			return rewards.ErrCardNumberTaken
		}
	}
	return err
}

func (s *Store) GetCardByPatient(ctx context.Context, patientID rewards.PatientID) (*rewards.RewardsCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		card              rewards.RewardsCard
		issued, createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, patient_id, card_number, issued_date, status, created_at FROM rewards_cards WHERE patient_id = ?",
		patientID,
	).Scan(&card.ID, &card.PatientID, &card.CardNumber, &issued, &card.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if card.IssuedDate, err = rewards.ParseDate(issued); err != nil {
		return nil, err
	}
	card.CreatedAt = parseTime(createdAt)
	return &card, nil
}

func (s *Store) CardNumberExists(ctx context.Context, number string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rewards_cards WHERE card_number = ?", number).Scan(&n)
	return n > 0, err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"points_grants", "rewards_cards", "seasonal_promotions", "rate_configurations"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// inTx runs fn in a transaction. Callers hold s.mu.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &rewards.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isBusyError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "SQLITE_BUSY"))
}

var _ rewards.Store = (*Store)(nil)

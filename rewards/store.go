/*
store.go - Persistence interfaces for the rewards engine

PURPOSE:
  Keeps the engine storage-agnostic. Every component depends only on the
  narrow interface it needs; Store bundles them for implementations that
  provide everything.

IMPLEMENTATIONS:
  - rewards/store/memory.go: in-memory, used by tests and dev
  - store/sqlite/sqlite.go: SQLite via database/sql

APPEND-ONLY CONTRACT (GrantStore):
  - AppendGrant is the ONLY write. No update, no delete.
  - An append is atomic: a concurrent balance read sees all of a grant or
    none of it.
  - The store does not deduplicate by SourceID. Exactly-once accrual is the
    coordinator's job.
*/
package rewards

import (
	"context"
	"time"
)

// ConfigurationStore persists rate configurations.
type ConfigurationStore interface {
	// InsertConfiguration stores a new configuration. When deactivateOthers
	// is set and cfg is active, every other configuration is marked inactive
	// in the same write.
	InsertConfiguration(ctx context.Context, cfg RateConfiguration, deactivateOthers bool) error

	// ReplaceConfiguration overwrites an existing configuration.
	// Returns a NotFoundError for unknown IDs.
	ReplaceConfiguration(ctx context.Context, cfg RateConfiguration, deactivateOthers bool) error

	GetConfiguration(ctx context.Context, id ConfigurationID) (*RateConfiguration, error)
	ListConfigurations(ctx context.Context) ([]RateConfiguration, error)
	DeleteConfiguration(ctx context.Context, id ConfigurationID) error
}

// SeasonStore persists seasonal promotions.
type SeasonStore interface {
	InsertSeason(ctx context.Context, season SeasonalPromotion) error
	ReplaceSeason(ctx context.Context, season SeasonalPromotion) error

	// DeactivateSeason flips only is_active (and updated_at) for a season
	// that is still active and ended before endedBefore, judged against the
	// stored row. Reports whether the season was switched off.
	DeactivateSeason(ctx context.Context, id SeasonID, endedBefore Date, at time.Time) (bool, error)
	GetSeason(ctx context.Context, id SeasonID) (*SeasonalPromotion, error)
	ListSeasons(ctx context.Context) ([]SeasonalPromotion, error)
	DeleteSeason(ctx context.Context, id SeasonID) error
}

// GrantStore is the append-only points log.
type GrantStore interface {
	AppendGrant(ctx context.Context, grant PointsGrant) error

	// ListGrants returns a patient's grants, newest first.
	ListGrants(ctx context.Context, patientID PatientID) ([]PointsGrant, error)

	// SumPoints returns the live sum of a patient's grants (0 if none).
	SumPoints(ctx context.Context, patientID PatientID) (int64, error)

	// FindGrantBySource returns the patient's grant for sourceID, or nil.
	FindGrantBySource(ctx context.Context, patientID PatientID, sourceID string) (*PointsGrant, error)

	// TopEarners returns the patients with the highest balances.
	TopEarners(ctx context.Context, limit int) ([]PatientTotal, error)
}

// CardStore persists rewards cards. At most one card per patient and no
// two cards with the same number.
type CardStore interface {
	// InsertCard returns ErrDuplicateCard or ErrCardNumberTaken on conflicts.
	InsertCard(ctx context.Context, card RewardsCard) error

	// GetCardByPatient returns nil when the patient has no card.
	GetCardByPatient(ctx context.Context, patientID PatientID) (*RewardsCard, error)

	CardNumberExists(ctx context.Context, number string) (bool, error)
}

// Store is implemented by backends that provide every interface.
type Store interface {
	ConfigurationStore
	SeasonStore
	GrantStore
	CardStore
}

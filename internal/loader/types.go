// Package loader governs versioned loader configurations.
//
// Every loader code has an append-only list of versions. At most one version
// is ACTIVE and at most one is a working copy (DRAFT or PENDING); ARCHIVED
// versions are immutable history. The storage layer enforces those limits
// with unique constraints, so concurrent writers race safely: the loser gets
// an errs.ConflictError.
//
// Engine is the only component that changes a version's State. Approval
// bookkeeping is delegated to the approval ledger, correlated by
// (EntityType, version id).
package loader

import (
	"time"

	"github.com/google/uuid"
)

// EntityType identifies loader versions in the approval ledger.
const EntityType = "LOADER"

// State is the lifecycle state of a configuration version.
type State string

const (
	StateDraft    State = "DRAFT"
	StatePending  State = "PENDING"
	StateActive   State = "ACTIVE"
	StateArchived State = "ARCHIVED"
)

// IsWorkingCopy reports whether s counts against the one-working-copy limit.
func (s State) IsWorkingCopy() bool {
	return s == StateDraft || s == StatePending
}

// PurgeStrategy controls how a loader clears previously loaded signals.
type PurgeStrategy string

const (
	PurgeNone               PurgeStrategy = "NONE"
	PurgeOlderThanRetention PurgeStrategy = "OLDER_THAN_RETENTION"
	PurgeAllBeforeLoad      PurgeStrategy = "ALL_BEFORE_LOAD"
)

// Payload is the business content of a loader version.
type Payload struct {
	Name               string        `json:"name" validate:"max=200"`
	Description        string        `json:"description,omitempty" validate:"max=2000"`
	SourceConnection   string        `json:"source_connection" validate:"required,max=200"`
	ConnectionSecret   string        `json:"connection_secret,omitempty" protect:"connection_secret"`
	LoaderSQL          string        `json:"loader_sql" validate:"required"`
	MinIntervalSeconds int           `json:"min_interval_seconds" validate:"gte=0"`
	MaxIntervalSeconds int           `json:"max_interval_seconds" validate:"omitempty,gte=0,gtefield=MinIntervalSeconds"`
	TimeoutSeconds     int           `json:"timeout_seconds" validate:"gte=0"`
	PurgeStrategy      PurgeStrategy `json:"purge_strategy,omitempty" validate:"omitempty,oneof=NONE OLDER_THAN_RETENTION ALL_BEFORE_LOAD"`
	RetentionDays      int           `json:"retention_days,omitempty" validate:"gte=0,required_if=PurgeStrategy OLDER_THAN_RETENTION"`
	MaxParallelism     int           `json:"max_parallelism,omitempty" validate:"gte=0,lte=64"`
	Enabled            bool          `json:"enabled"`
}

// Configuration is one version of a loader.
type Configuration struct {
	ID                uuid.UUID `json:"id"`
	LoaderCode        string    `json:"loader_code"`
	VersionNumber     int       `json:"version_number"`
	Payload           Payload   `json:"payload"`
	State             State     `json:"state"`
	CreatedBy         string    `json:"created_by"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	SupersedesVersion *int      `json:"supersedes_version,omitempty"`
}

// Summary is the per-loader overview used by listings.
type Summary struct {
	LoaderCode     string    `json:"loader_code"`
	ActiveVersion  *int      `json:"active_version,omitempty"`
	WorkingVersion *int      `json:"working_version,omitempty"`
	WorkingState   State     `json:"working_state,omitempty"`
	LatestVersion  int       `json:"latest_version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

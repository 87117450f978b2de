// Package models defines the data structures shared across the backup and
// restore orchestrator: artifact sidecars, strategy state, retention
// buckets, and the version/tag/branch/rollback ledgers.
package models

import "time"

// BackupKind distinguishes the two pg_dump argument profiles the strategy
// engine chooses between. It is never a block-level or WAL-based delta.
type BackupKind string

const (
	KindFull        BackupKind = "full"
	KindIncremental BackupKind = "incremental"
)

// Backend identifies which target-handler variant services a target.
type Backend string

const (
	BackendContainer Backend = "container"
	BackendCluster   Backend = "cluster"
	BackendUnknown   Backend = "unknown"
)

// TargetStatus is the result of a cheap liveness probe against a target.
type TargetStatus string

const (
	StatusRunning    TargetStatus = "running"
	StatusNotRunning TargetStatus = "not_running"
	StatusNotFound   TargetStatus = "not_found"
)

// RetentionBucket is the retention class an artifact belongs to.
type RetentionBucket string

const (
	BucketDaily   RetentionBucket = "daily"
	BucketWeekly  RetentionBucket = "weekly"
	BucketMonthly RetentionBucket = "monthly"
	BucketFull    RetentionBucket = "full"
)

// Sidecar is the per-artifact JSON metadata record at
// "<backup_dir>/.metadata/<name>.json".
type Sidecar struct {
	Name          string            `json:"name"`
	Kind          BackupKind        `json:"kind"`
	CreatedAt     time.Time         `json:"created_at"`
	SourceTarget  string            `json:"source_target"`
	ByteSize      int64             `json:"byte_size"`
	Tags          []string          `json:"tags,omitempty"`
	Version       string            `json:"version,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	Description   string            `json:"description,omitempty"`
	ParentVersion string            `json:"parent_version,omitempty"`
	Extra         map[string]any    `json:"-"`
}

// HistoryRecord is one entry in StrategyState's bounded backup history.
type HistoryRecord struct {
	Name      string     `json:"name"`
	Kind      BackupKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	ByteSize  int64      `json:"byte_size"`
}

// StrategyState is the single JSON document recording backup history and
// the state the decision rule in spec.md §4.5 reads.
type StrategyState struct {
	LastFullAt             *time.Time      `json:"last_full_at,omitempty"`
	IncrementalsSinceFull  int             `json:"incrementals_since_full"`
	History                []HistoryRecord `json:"history"`
}

// MaxHistoryLen bounds StrategyState.History (spec.md §3: "N ≈ 50").
const MaxHistoryLen = 50

// ArtifactInfo is the listing view of an artifact: payload stats joined
// with its sidecar when one exists.
type ArtifactInfo struct {
	Name     string          `json:"name"`
	Path     string          `json:"path"`
	Size     int64           `json:"size"`
	ModTime  time.Time       `json:"mod_time"`
	Sidecar  *Sidecar        `json:"sidecar,omitempty"`
	Legacy   bool            `json:"legacy"`
	Bucket   RetentionBucket `json:"bucket,omitempty"`
}

// RetentionLimits configures how many artifacts survive pruning per bucket.
type RetentionLimits struct {
	Daily   int `json:"daily"`
	Weekly  int `json:"weekly"`
	Monthly int `json:"monthly"`
	Full    int `json:"full"`
}

// DefaultRetentionLimits mirrors spec.md §4.6's defaults.
func DefaultRetentionLimits() RetentionLimits {
	return RetentionLimits{Daily: 7, Weekly: 4, Monthly: 12, Full: 3}
}

// PruneDecision records whether a single artifact survives retention.
type PruneDecision struct {
	Name    string          `json:"name"`
	Bucket  RetentionBucket `json:"bucket"`
	Keep    bool            `json:"keep"`
	Reason  string          `json:"reason"`
}

// VersionTriple is a MAJOR.MINOR.PATCH counter for one branch.
type VersionTriple struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// VersionEntry is one append-only record in the version ledger.
type VersionEntry struct {
	Version      string    `json:"version_string"`
	ArtifactName string    `json:"artifact_name"`
	Branch       string    `json:"branch"`
	CreatedAt    time.Time `json:"created_at"`
	Tags         []string  `json:"tags,omitempty"`
	Description  string    `json:"description,omitempty"`
	Parent       string    `json:"parent,omitempty"`
}

// VersionState is the persisted "<backup_dir>/.metadata/.versions/version_state.json".
type VersionState struct {
	Branches map[string]VersionTriple `json:"branches"`
	Entries  []VersionEntry           `json:"entries"`
}

// BranchSummary is one entry in "branches.json".
type BranchSummary struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	BackupCount int       `json:"backup_count"`
	LatestAt    time.Time `json:"latest_at"`
}

// VersionIncrement selects which triple component bumps on a new version.
type VersionIncrement string

const (
	IncrementMajor VersionIncrement = "major"
	IncrementMinor VersionIncrement = "minor"
	IncrementPatch VersionIncrement = "patch"
)

// RollbackEntry is one append-only record in "rollback_history.json".
type RollbackEntry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	TargetVersion    string    `json:"target_version"`
	SafetyBackupName string    `json:"safety_backup_name"`
}

// BackupRequest is the caller's requested backup kind, before the strategy
// engine resolves it to an actual Kind.
type BackupRequest string

const (
	RequestAuto        BackupRequest = "auto"
	RequestFull        BackupRequest = "full"
	RequestIncremental BackupRequest = "incremental"
)

// Decision is the strategy engine's resolved choice plus the reason it
// picked that kind, used for logging and reported in the backup outcome;
// the sidecar does not record the reason.
type Decision struct {
	Kind   BackupKind
	Reason string
}

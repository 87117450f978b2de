// Package strategy implements the backup strategy engine (C5): the
// full-vs-incremental decision, pg_dump/psql argument assembly, and
// crash-safe persistence of backup history.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aegis-vault/pgvault/internal/store"
	"github.com/aegis-vault/pgvault/pkg/models"
)

const stateFileName = "backup_state.json"

// incrementalCeiling and fullAge are the thresholds from spec.md §4.5
// that force an "auto" request up to full.
const (
	incrementalCeiling = 5
	fullAge            = 7 * 24 * time.Hour
)

// Engine decides backup kind and persists strategy state for one backup
// directory.
type Engine struct {
	store *store.Store
}

// New creates an Engine backed by s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

func (e *Engine) statePath() string {
	return filepath.Join(e.store.MetadataDir(), stateFileName)
}

// LoadState reads the persisted strategy state, reinitializing it (not
// failing) on a corrupted or missing file — spec.md §3's "Lifecycle"
// invariant. It also reconciles against .metadata sidecars when the most
// recent sidecar postdates the state file, recovering from a crash
// between payload completion and state update (spec.md §4.5).
func (e *Engine) LoadState(ctx context.Context) (models.StrategyState, error) {
	state, statePresent := e.readStateFile()

	needsReconcile, err := e.stateIsStale(statePresent)
	if err != nil {
		return state, err
	}
	if needsReconcile {
		reconciled, err := e.reconcile(ctx)
		if err != nil {
			return state, err
		}
		return reconciled, nil
	}

	return state, nil
}

func (e *Engine) readStateFile() (models.StrategyState, bool) {
	data, err := os.ReadFile(e.statePath())
	if err != nil {
		return models.StrategyState{}, false
	}

	var state models.StrategyState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("strategy: state file corrupted, reinitializing: %v", err)
		return models.StrategyState{}, false
	}
	return state, true
}

// stateIsStale reports whether the newest sidecar mtime postdates the
// state file's mtime (or the state file is absent while sidecars exist),
// meaning a crash happened between payload completion and state update.
func (e *Engine) stateIsStale(statePresent bool) (bool, error) {
	stateInfo, err := os.Stat(e.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			entries, listErr := os.ReadDir(e.store.MetadataDir())
			if listErr != nil {
				return false, nil
			}
			for _, entry := range entries {
				if isSidecar(entry) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("strategy: stat state file: %w", err)
	}

	entries, err := os.ReadDir(e.store.MetadataDir())
	if err != nil {
		return false, fmt.Errorf("strategy: list metadata dir: %w", err)
	}

	for _, entry := range entries {
		if !isSidecar(entry) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(stateInfo.ModTime()) {
			return true, nil
		}
	}
	return !statePresent, nil
}

// isSidecar reports whether entry is a per-artifact sidecar: a .json file
// in .metadata other than the state file itself.
func isSidecar(entry os.DirEntry) bool {
	return !entry.IsDir() && entry.Name() != stateFileName && strings.HasSuffix(entry.Name(), ".json")
}

// reconcile rebuilds strategy state from sidecars alone, per spec.md
// §4.5's crash-recovery rule.
func (e *Engine) reconcile(ctx context.Context) (models.StrategyState, error) {
	infos, err := e.store.List()
	if err != nil {
		return models.StrategyState{}, fmt.Errorf("strategy: reconcile: %w", err)
	}

	// List() is newest-first; reconciliation reasons chronologically.
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime.Before(infos[j].ModTime) })

	var state models.StrategyState
	for _, info := range infos {
		if info.Legacy {
			continue
		}
		createdAt := info.Sidecar.CreatedAt
		if createdAt.IsZero() {
			createdAt = info.ModTime
		}
		applyRecord(&state, models.HistoryRecord{
			Name:      info.Name,
			Kind:      info.Sidecar.Kind,
			CreatedAt: createdAt,
			ByteSize:  info.Size,
		})
	}

	if err := e.persist(state); err != nil {
		return state, err
	}
	log.Printf("strategy: reconciled state from %d sidecars after detecting a stale state file", len(infos))
	return state, nil
}

func applyRecord(state *models.StrategyState, rec models.HistoryRecord) {
	state.History = append(state.History, rec)
	if len(state.History) > models.MaxHistoryLen {
		state.History = state.History[len(state.History)-models.MaxHistoryLen:]
	}

	if rec.Kind == models.KindFull {
		t := rec.CreatedAt
		state.LastFullAt = &t
		state.IncrementalsSinceFull = 0
	} else {
		state.IncrementalsSinceFull++
	}
}

// Decide applies spec.md §4.5's rule table.
func Decide(state models.StrategyState, request models.BackupRequest) models.Decision {
	switch request {
	case models.RequestFull:
		return models.Decision{Kind: models.KindFull, Reason: "explicit full requested"}
	case models.RequestIncremental:
		if state.LastFullAt == nil {
			return models.Decision{Kind: models.KindFull, Reason: "incremental requested with no prior full; upgraded to full"}
		}
		return models.Decision{Kind: models.KindIncremental, Reason: "explicit incremental requested"}
	default: // auto
		if state.LastFullAt == nil {
			return models.Decision{Kind: models.KindFull, Reason: "no prior full backup"}
		}
		if time.Since(*state.LastFullAt) >= fullAge {
			return models.Decision{Kind: models.KindFull, Reason: fmt.Sprintf("last full is older than %s", fullAge)}
		}
		if state.IncrementalsSinceFull >= incrementalCeiling {
			return models.Decision{Kind: models.KindFull, Reason: fmt.Sprintf("%d incrementals since last full reached the ceiling", state.IncrementalsSinceFull)}
		}
		return models.Decision{Kind: models.KindIncremental, Reason: "within incremental window"}
	}
}

// DumpArgs assembles the pg_dump argument vector for kind, per spec.md
// §4.5's logical form. The handler prepends its own exec wrapper.
func DumpArgs(kind models.BackupKind, user, db string) []string {
	base := []string{
		fmt.Sprintf("--username=%s", user),
		fmt.Sprintf("--dbname=%s", db),
		"--verbose",
	}
	if kind == models.KindFull {
		return append([]string{"pg_dump"}, append(base, "--clean", "--create")...)
	}
	return append([]string{"pg_dump"}, append(base, "--no-owner", "--no-privileges")...)
}

// RestoreArgs assembles the psql argument vector used by the restore
// pipeline (C7), per spec.md §4.7.
func RestoreArgs(user, db string) []string {
	return []string{
		"psql",
		fmt.Sprintf("--username=%s", user),
		fmt.Sprintf("--dbname=%s", db),
		"--single-transaction",
	}
}

// RecordSuccess appends a history entry for a completed backup and
// persists state atomically, per spec.md §4.5's ordering guarantee
// (called only after the payload and sidecar are already durable).
func (e *Engine) RecordSuccess(ctx context.Context, state models.StrategyState, name string, kind models.BackupKind, createdAt time.Time, byteSize int64) (models.StrategyState, error) {
	applyRecord(&state, models.HistoryRecord{
		Name:      name,
		Kind:      kind,
		CreatedAt: createdAt,
		ByteSize:  byteSize,
	})
	if err := e.persist(state); err != nil {
		return state, err
	}
	return state, nil
}

func (e *Engine) persist(state models.StrategyState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("strategy: marshal state: %w", err)
	}
	if err := store.AtomicWrite(e.statePath(), data); err != nil {
		return fmt.Errorf("strategy: persist state: %w", err)
	}
	return nil
}

package retention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aegis-vault/pgvault/internal/store"
	"github.com/aegis-vault/pgvault/pkg/models"
)

const (
	versionStateFile    = "version_state.json"
	tagsFile            = "tags.json"
	branchesFile        = "branches.json"
	rollbackHistoryFile = "rollback_history.json"
	versionsSubdir      = ".versions"
	buildTimeLayout     = "20060102_150405"
)

// Ledger manages the optional version/tag/branch/rollback JSON documents
// at "<backup_dir>/.metadata/.versions/" (spec.md §4.6, §9's "one schema
// per file" design note).
type Ledger struct {
	dir string // .metadata/.versions
}

// NewLedger creates a Ledger over s's metadata directory, creating the
// .versions subdirectory lazily on first write.
func NewLedger(s *store.Store) *Ledger {
	return &Ledger{dir: filepath.Join(s.MetadataDir(), versionsSubdir)}
}

func (l *Ledger) ensureDir() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("retention: create versions dir: %w", err)
	}
	return nil
}

func (l *Ledger) path(name string) string { return filepath.Join(l.dir, name) }

// LoadVersionState reads version_state.json, reinitializing empty on
// corruption or absence (same non-fatal-corruption rule as strategy state).
func (l *Ledger) LoadVersionState() models.VersionState {
	var state models.VersionState
	data, err := os.ReadFile(l.path(versionStateFile))
	if err != nil {
		return models.VersionState{Branches: map[string]models.VersionTriple{}}
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return models.VersionState{Branches: map[string]models.VersionTriple{}}
	}
	if state.Branches == nil {
		state.Branches = map[string]models.VersionTriple{}
	}
	return state
}

func (l *Ledger) saveVersionState(state models.VersionState) error {
	if err := l.ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("retention: marshal version state: %w", err)
	}
	if err := store.AtomicWrite(l.path(versionStateFile), data); err != nil {
		return fmt.Errorf("retention: persist version state: %w", err)
	}
	return nil
}

// NextVersion computes and persists the next version on branch, applying
// increment (default patch), and appends a ledger entry, per spec.md §4.6.
func (l *Ledger) NextVersion(branch string, increment models.VersionIncrement, artifactName, description string, tags []string, parent string, at time.Time) (models.VersionEntry, error) {
	if branch == "" {
		branch = "main"
	}
	state := l.LoadVersionState()

	triple := state.Branches[branch]
	switch increment {
	case models.IncrementMajor:
		triple = models.VersionTriple{Major: triple.Major + 1, Minor: 0, Patch: 0}
	case models.IncrementMinor:
		triple = models.VersionTriple{Major: triple.Major, Minor: triple.Minor + 1, Patch: 0}
	default:
		triple = models.VersionTriple{Major: triple.Major, Minor: triple.Minor, Patch: triple.Patch + 1}
	}
	state.Branches[branch] = triple

	versionString := fmt.Sprintf("%d.%d.%d-%s.%s", triple.Major, triple.Minor, triple.Patch, branch, at.UTC().Format(buildTimeLayout))

	entry := models.VersionEntry{
		Version:      versionString,
		ArtifactName: artifactName,
		Branch:       branch,
		CreatedAt:    at,
		Tags:         tags,
		Description:  description,
		Parent:       parent,
	}
	state.Entries = append(state.Entries, entry)

	if err := l.saveVersionState(state); err != nil {
		return entry, err
	}
	if err := l.updateBranchSummary(branch, at); err != nil {
		return entry, err
	}
	if err := l.indexTags(entry.Version, tags); err != nil {
		return entry, err
	}
	return entry, nil
}

// loadBranches reads branches.json, reinitializing empty on corruption.
func (l *Ledger) loadBranches() map[string]models.BranchSummary {
	var branches map[string]models.BranchSummary
	data, err := os.ReadFile(l.path(branchesFile))
	if err != nil {
		return map[string]models.BranchSummary{}
	}
	if err := json.Unmarshal(data, &branches); err != nil || branches == nil {
		return map[string]models.BranchSummary{}
	}
	return branches
}

func (l *Ledger) updateBranchSummary(branch string, at time.Time) error {
	branches := l.loadBranches()
	summary := branches[branch]
	summary.Name = branch
	summary.BackupCount++
	summary.LatestAt = at
	branches[branch] = summary

	if err := l.ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(branches, "", "  ")
	if err != nil {
		return fmt.Errorf("retention: marshal branches: %w", err)
	}
	if err := store.AtomicWrite(l.path(branchesFile), data); err != nil {
		return fmt.Errorf("retention: persist branches: %w", err)
	}
	return nil
}

// ListBranches returns every branch summary, sorted by name.
func (l *Ledger) ListBranches() []models.BranchSummary {
	branches := l.loadBranches()
	out := make([]models.BranchSummary, 0, len(branches))
	for _, b := range branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// loadTags reads tags.json (tag name -> set of version strings),
// reinitializing empty on corruption.
func (l *Ledger) loadTags() map[string][]string {
	var tags map[string][]string
	data, err := os.ReadFile(l.path(tagsFile))
	if err != nil {
		return map[string][]string{}
	}
	if err := json.Unmarshal(data, &tags); err != nil || tags == nil {
		return map[string][]string{}
	}
	return tags
}

func (l *Ledger) indexTags(version string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	return l.CreateTags(version, tags, "")
}

// CreateTags adds version to each named tag's version set (deduplicated),
// persisting tags.json atomically. description is not persisted.
func (l *Ledger) CreateTags(version string, tagNames []string, description string) error {
	_ = description // reserved for a future tag-metadata shape; not persisted separately today
	tags := l.loadTags()
	for _, name := range tagNames {
		if !contains(tags[name], version) {
			tags[name] = append(tags[name], version)
		}
	}

	if err := l.ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tags, "", "  ")
	if err != nil {
		return fmt.Errorf("retention: marshal tags: %w", err)
	}
	if err := store.AtomicWrite(l.path(tagsFile), data); err != nil {
		return fmt.Errorf("retention: persist tags: %w", err)
	}
	return nil
}

// ListTags returns the tag -> versions map.
func (l *Ledger) ListTags() map[string][]string {
	return l.loadTags()
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// VersionInfo looks up a single ledger entry by version string.
func (l *Ledger) VersionInfo(version string) (models.VersionEntry, bool) {
	state := l.LoadVersionState()
	for _, e := range state.Entries {
		if e.Version == version {
			return e, true
		}
	}
	return models.VersionEntry{}, false
}

// ListVersions returns ledger entries filtered by branch/tag and capped at
// limit (0 means unlimited), newest first.
func (l *Ledger) ListVersions(filterBranch, filterTag string, limit int) []models.VersionEntry {
	state := l.LoadVersionState()
	var tagVersions map[string]bool
	if filterTag != "" {
		tagVersions = map[string]bool{}
		for _, v := range l.loadTags()[filterTag] {
			tagVersions[v] = true
		}
	}

	var out []models.VersionEntry
	for i := len(state.Entries) - 1; i >= 0; i-- {
		e := state.Entries[i]
		if filterBranch != "" && e.Branch != filterBranch {
			continue
		}
		if tagVersions != nil && !tagVersions[e.Version] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// CompareVersions reports a tri-state order of v1 against v2 by the
// creation time recorded in their ledger entries; the MAJOR/MINOR/PATCH
// numbers are not compared. Returns -1, 0, or 1; an error when either
// version is not in the ledger.
func (l *Ledger) CompareVersions(v1, v2 string) (int, error) {
	e1, ok1 := l.VersionInfo(v1)
	if !ok1 {
		return 0, fmt.Errorf("retention: unknown version %q", v1)
	}
	e2, ok2 := l.VersionInfo(v2)
	if !ok2 {
		return 0, fmt.Errorf("retention: unknown version %q", v2)
	}
	switch {
	case e1.CreatedAt.Before(e2.CreatedAt):
		return -1, nil
	case e1.CreatedAt.After(e2.CreatedAt):
		return 1, nil
	default:
		return 0, nil
	}
}

// AppendRollback records a rollback ledger entry (spec.md §4.6 step 4).
func (l *Ledger) AppendRollback(entry models.RollbackEntry) error {
	var history []models.RollbackEntry
	data, err := os.ReadFile(l.path(rollbackHistoryFile))
	if err == nil {
		_ = json.Unmarshal(data, &history) // corruption reinitializes the ledger, not fatal
	}
	history = append(history, entry)

	if err := l.ensureDir(); err != nil {
		return err
	}
	out, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("retention: marshal rollback history: %w", err)
	}
	if err := store.AtomicWrite(l.path(rollbackHistoryFile), out); err != nil {
		return fmt.Errorf("retention: persist rollback history: %w", err)
	}
	return nil
}

// RollbackHistory returns every recorded rollback, oldest first.
func (l *Ledger) RollbackHistory() []models.RollbackEntry {
	var history []models.RollbackEntry
	data, err := os.ReadFile(l.path(rollbackHistoryFile))
	if err != nil {
		return nil
	}
	_ = json.Unmarshal(data, &history)
	return history
}

// CleanupVersions drops all but the newest keepPerBranch versions per
// branch, never dropping a branch's most recent version or any tagged
// version (spec.md §4.6). It returns the names of dropped artifacts;
// when dryRun is set, it reports the plan without deleting anything.
func (l *Ledger) CleanupVersions(s *store.Store, keepPerBranch int, dryRun bool) ([]string, error) {
	state := l.LoadVersionState()
	tags := l.loadTags()
	taggedVersions := map[string]bool{}
	for _, versions := range tags {
		for _, v := range versions {
			taggedVersions[v] = true
		}
	}

	byBranch := map[string][]models.VersionEntry{}
	for _, e := range state.Entries {
		byBranch[e.Branch] = append(byBranch[e.Branch], e)
	}

	dropSet := map[string]bool{}
	for _, entries := range byBranch {
		sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
		for i, e := range entries {
			protected := i == 0 || i < keepPerBranch || taggedVersions[e.Version]
			if !protected {
				dropSet[e.Version] = true
			}
		}
	}

	var dropped []string
	var keptEntries []models.VersionEntry
	for _, e := range state.Entries {
		if dropSet[e.Version] {
			dropped = append(dropped, e.ArtifactName)
			continue
		}
		keptEntries = append(keptEntries, e)
	}

	if dryRun || len(dropped) == 0 {
		return dropped, nil
	}

	state.Entries = keptEntries
	if err := l.saveVersionState(state); err != nil {
		return dropped, err
	}
	for _, name := range dropped {
		if err := s.Delete(name); err != nil {
			return dropped, fmt.Errorf("retention: cleanup deleting %q: %w", name, err)
		}
	}
	return dropped, nil
}

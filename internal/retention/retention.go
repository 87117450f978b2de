// Package retention implements retention pruning and the semantic-version
// ledger, tags, branches, and rollback ledger (C6).
package retention

import (
	"fmt"
	"sort"
	"time"

	"github.com/aegis-vault/pgvault/internal/store"
	"github.com/aegis-vault/pgvault/pkg/models"
)

// Planner groups artifacts into retention buckets and decides which to
// drop, per spec.md §4.6. It holds no state of its own.
type Planner struct {
	store *store.Store
}

// NewPlanner creates a Planner over s.
func NewPlanner(s *store.Store) *Planner {
	return &Planner{store: s}
}

type taggedArtifact struct {
	info      models.ArtifactInfo
	createdAt time.Time
	kind      models.BackupKind
}

// Plan scans every artifact, classifies it into its bucket(s) (the date
// bucket, plus the full bucket in parallel for full-kind artifacts),
// ranks each bucket by creation time descending, and marks for deletion
// anything beyond limits. An artifact belonging to more than one bucket
// is kept if retained by ANY of them — union semantics (spec.md §4.6).
func (p *Planner) Plan(limits models.RetentionLimits) ([]models.PruneDecision, error) {
	infos, err := p.store.List()
	if err != nil {
		return nil, fmt.Errorf("retention: listing artifacts: %w", err)
	}

	artifacts := make([]taggedArtifact, 0, len(infos))
	for _, info := range infos {
		createdAt := info.ModTime
		kind := models.BackupKind("")
		if info.Sidecar != nil {
			kind = info.Sidecar.Kind
			if !info.Sidecar.CreatedAt.IsZero() {
				createdAt = info.Sidecar.CreatedAt
			}
		}
		artifacts = append(artifacts, taggedArtifact{info: info, createdAt: createdAt, kind: kind})
	}

	groups := map[models.RetentionBucket][]taggedArtifact{}
	for _, a := range artifacts {
		for _, b := range store.BucketsFor(a.kind, a.createdAt) {
			groups[b] = append(groups[b], a)
		}
	}

	keep := map[string]bool{}
	for bucket, group := range groups {
		limit := limitFor(limits, bucket)
		sort.Slice(group, func(i, j int) bool { return group[i].createdAt.After(group[j].createdAt) })
		for i, a := range group {
			if i < limit {
				keep[a.info.Name] = true
			}
		}
	}

	decisions := make([]models.PruneDecision, 0, len(artifacts))
	for _, a := range artifacts {
		k := keep[a.info.Name]
		reason := "within retention limit for its bucket(s)"
		if !k {
			reason = "exceeds retention limit for every bucket it belongs to"
		}
		decisions = append(decisions, models.PruneDecision{
			Name:   a.info.Name,
			Bucket: a.info.Bucket,
			Keep:   k,
			Reason: reason,
		})
	}

	sort.Slice(decisions, func(i, j int) bool { return decisions[i].Name < decisions[j].Name })
	return decisions, nil
}

func limitFor(limits models.RetentionLimits, bucket models.RetentionBucket) int {
	switch bucket {
	case models.BucketDaily:
		return limits.Daily
	case models.BucketWeekly:
		return limits.Weekly
	case models.BucketMonthly:
		return limits.Monthly
	case models.BucketFull:
		return limits.Full
	default:
		return 0
	}
}

// Apply deletes every artifact (payload + sidecar) that Plan marked for
// deletion, unless dryRun is set, in which case it only returns the plan.
func (p *Planner) Apply(limits models.RetentionLimits, dryRun bool) ([]models.PruneDecision, error) {
	decisions, err := p.Plan(limits)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return decisions, nil
	}

	for _, d := range decisions {
		if d.Keep {
			continue
		}
		if err := p.store.Delete(d.Name); err != nil {
			return decisions, fmt.Errorf("retention: deleting %q: %w", d.Name, err)
		}
	}
	return decisions, nil
}

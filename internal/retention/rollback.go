package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-vault/pgvault/pkg/models"
)

// Restorer is the narrow slice of the restore pipeline (C7) rollback
// needs, kept as an interface here to avoid an import cycle between
// internal/retention and internal/restore.
type Restorer interface {
	RestoreArtifact(ctx context.Context, name string, assumeYes bool) error
}

// SafetyBackuper is the narrow slice of the strategy engine (C5) rollback
// needs to take a pre-rollback safety backup.
type SafetyBackuper interface {
	BackupNow(ctx context.Context, name string, tags []string, branch string) (string, error)
}

// Rollback implements spec.md §4.6's four-step rollback: locate the
// artifact for targetVersion, take a tagged safety backup, restore the
// target version, then append a rollback ledger entry.
func (l *Ledger) Rollback(ctx context.Context, targetVersion string, backuper SafetyBackuper, restorer Restorer, now time.Time) (models.RollbackEntry, error) {
	entry, ok := l.VersionInfo(targetVersion)
	if !ok {
		return models.RollbackEntry{}, fmt.Errorf("retention: rollback: unknown version %q", targetVersion)
	}

	safetyName := fmt.Sprintf("rollback_safety_%s", now.UTC().Format(buildTimeLayout))
	if _, err := backuper.BackupNow(ctx, safetyName, []string{"safety"}, "rollback"); err != nil {
		return models.RollbackEntry{}, fmt.Errorf("retention: rollback: safety backup: %w", err)
	}

	if err := restorer.RestoreArtifact(ctx, entry.ArtifactName, true); err != nil {
		return models.RollbackEntry{}, fmt.Errorf("retention: rollback: restore: %w", err)
	}

	record := models.RollbackEntry{
		ID:               uuid.NewString(),
		Timestamp:        now,
		TargetVersion:    targetVersion,
		SafetyBackupName: safetyName,
	}
	if err := l.AppendRollback(record); err != nil {
		return record, err
	}
	return record, nil
}

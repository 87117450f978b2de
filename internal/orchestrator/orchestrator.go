// Package orchestrator wires the target handler, artifact store, strategy
// engine, retention planner, version ledger, and restore pipeline into the
// two control flows spec.md §2 and §4.7 describe: a backup invocation and
// a restore invocation, both guarded by the advisory directory lock from
// internal/lockfile (spec.md §5).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aegis-vault/pgvault/internal/execrunner"
	"github.com/aegis-vault/pgvault/internal/lockfile"
	"github.com/aegis-vault/pgvault/internal/restore"
	"github.com/aegis-vault/pgvault/internal/retention"
	"github.com/aegis-vault/pgvault/internal/store"
	"github.com/aegis-vault/pgvault/internal/strategy"
	"github.com/aegis-vault/pgvault/internal/target"
	"github.com/aegis-vault/pgvault/pkg/models"
)

const lockFileName = "lock"

// Orchestrator ties together one backup directory's C3-C7 collaborators
// for a single invocation.
type Orchestrator struct {
	Store    *store.Store
	Handler  target.Handler
	Strategy *strategy.Engine
	Planner  *retention.Planner
	Ledger   *retention.Ledger
	Restore  *restore.Pipeline

	User, DB    string
	DumpTimeout time.Duration
}

// New builds an Orchestrator over backupDir and handler.
func New(backupDir string, handler target.Handler, user, db string, dumpTimeout time.Duration) (*Orchestrator, error) {
	s, err := store.New(backupDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	return &Orchestrator{
		Store:       s,
		Handler:     handler,
		Strategy:    strategy.New(s),
		Planner:     retention.NewPlanner(s),
		Ledger:      retention.NewLedger(s),
		Restore:     restore.New(s, handler, user, db),
		User:        user,
		DB:          db,
		DumpTimeout: dumpTimeout,
	}, nil
}

// BackupRequest carries every caller-supplied option for one backup
// invocation, collapsing cmd/pgvault's flag surface to what the
// orchestrator needs.
type BackupRequest struct {
	Name           string
	Overwrite      bool
	Kind           models.BackupRequest
	PGPassword     string
	EnableVersion  bool
	Branch         string
	Increment      models.VersionIncrement
	Tags           []string
	Description    string
	ParentVersion  string
}

// BackupOutcome reports what a successful backup produced.
type BackupOutcome struct {
	Name     string
	Kind     models.BackupKind
	Reason   string
	ByteSize int64
	Version  string
}

// RunBackup executes the control flow from spec.md §2: discover the
// target, resolve the artifact name, decide full vs incremental, run
// pg_dump through the handler and validate the payload. When versioning
// is requested the version ledger entry is assigned next, so the sidecar
// written after it carries the version; strategy state is updated last.
// The ledger is therefore written before the sidecar and the strategy
// state, not after them. All of this runs between Acquire/Release of the
// directory lock, so no two invocations mutate state concurrently.
func (o *Orchestrator) RunBackup(ctx context.Context, req BackupRequest) (BackupOutcome, error) {
	lock, err := o.acquireLock()
	if err != nil {
		return BackupOutcome{}, err
	}
	defer o.releaseLock(lock)

	return o.runBackup(ctx, req)
}

// runBackup is RunBackup's body; the caller must already hold the
// directory lock.
func (o *Orchestrator) runBackup(ctx context.Context, req BackupRequest) (BackupOutcome, error) {
	id, err := o.Handler.Discover(ctx)
	if err != nil {
		if errors.Is(err, target.ErrTargetNotFound) {
			return BackupOutcome{}, TargetNotFound(err)
		}
		return BackupOutcome{}, Generic(err)
	}

	status, err := o.Handler.Status(ctx, id)
	if err != nil {
		return BackupOutcome{}, Generic(err)
	}
	if status != target.Running {
		return BackupOutcome{}, TargetNotRunning(fmt.Errorf("target status is %s", status))
	}

	name, renamed, err := o.Store.Resolve(req.Name, req.Overwrite)
	if err != nil {
		if errors.Is(err, store.ErrNameReserved) {
			return BackupOutcome{}, NameReserved(err)
		}
		return BackupOutcome{}, NameInvalid(err)
	}
	if renamed {
		log.Printf("orchestrator: %q already exists, writing to %q instead", req.Name, name)
	}

	state, err := o.Strategy.LoadState(ctx)
	if err != nil {
		return BackupOutcome{}, StateCorrupted(err)
	}
	decision := strategy.Decide(state, req.Kind)
	log.Printf("orchestrator: backup %q resolved to %s (%s)", name, decision.Kind, decision.Reason)

	outcome, err := o.runDump(ctx, id, name, decision.Kind, req.PGPassword)
	if err != nil {
		o.cleanupPartial(name)
		return BackupOutcome{}, err
	}

	createdAt := time.Now().UTC()
	sidecar := models.Sidecar{
		Name:         name,
		Kind:         decision.Kind,
		CreatedAt:    createdAt,
		SourceTarget: o.Handler.Identity(id),
		ByteSize:     outcome.ByteSize,
		Tags:         req.Tags,
		Description:  req.Description,
		ParentVersion: req.ParentVersion,
	}

	if req.EnableVersion {
		entry, err := o.Ledger.NextVersion(req.Branch, req.Increment, name, req.Description, req.Tags, req.ParentVersion, createdAt)
		if err != nil {
			return BackupOutcome{}, Generic(fmt.Errorf("versioning: %w", err))
		}
		sidecar.Version = entry.Version
		sidecar.Branch = entry.Branch
		outcome.Version = entry.Version
	}

	if err := o.Store.WriteSidecar(name, sidecar); err != nil {
		return BackupOutcome{}, Generic(err)
	}

	if _, err := o.Strategy.RecordSuccess(ctx, state, name, decision.Kind, createdAt, outcome.ByteSize); err != nil {
		return BackupOutcome{}, StateCorrupted(err)
	}

	return BackupOutcome{Name: name, Kind: decision.Kind, Reason: decision.Reason, ByteSize: outcome.ByteSize, Version: outcome.Version}, nil
}

type dumpOutcome struct {
	ByteSize int64
	Version  string
}

// runDump execs pg_dump into the payload file and validates the result.
// The payload file is opened for writing before the command starts so a
// signal-driven cancellation (see RunWithSignalHandling) can still locate
// and remove the partial file via cleanupPartial.
func (o *Orchestrator) runDump(ctx context.Context, id target.Id, name string, kind models.BackupKind, pgpassword string) (dumpOutcome, error) {
	payloadPath := o.Store.PayloadPath(name)
	f, err := os.Create(payloadPath)
	if err != nil {
		return dumpOutcome{}, Generic(fmt.Errorf("create payload %q: %w", payloadPath, err))
	}
	defer f.Close()

	args := strategy.DumpArgs(kind, o.User, o.DB)
	exitCode, err := o.Handler.Exec(ctx, id, args, target.ExecOptions{
		Stdout:  f,
		Timeout: o.DumpTimeout,
		Env:     map[string]string{"PGPASSWORD": pgpassword},
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return dumpOutcome{}, Cancelled(err)
		}
		if errors.Is(err, execrunner.ErrTimeout) {
			return dumpOutcome{}, ExecTimeout(err)
		}
		return dumpOutcome{}, ExecNonZero(fmt.Errorf("pg_dump exit %d: %w", exitCode, err))
	}

	if err := f.Sync(); err != nil {
		return dumpOutcome{}, Generic(fmt.Errorf("fsync payload %q: %w", payloadPath, err))
	}
	if err := o.Store.Validate(name); err != nil {
		return dumpOutcome{}, ValidationFailed(err)
	}

	fi, err := os.Stat(payloadPath)
	if err != nil {
		return dumpOutcome{}, Generic(err)
	}
	return dumpOutcome{ByteSize: fi.Size()}, nil
}

// cleanupPartial removes a payload left behind by a failed or cancelled
// dump, per spec.md §5: a crash or cancellation must never leave a
// half-written artifact masquerading as a completed backup.
func (o *Orchestrator) cleanupPartial(name string) {
	path := o.Store.PayloadPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("orchestrator: failed to remove partial payload %q: %v", path, err)
	}
}

// BackupNow implements retention.SafetyBackuper so the version ledger can
// take a pre-rollback safety backup without importing internal/strategy
// or internal/target directly. It does not take the directory lock:
// its only caller, RunRollback, already holds it.
func (o *Orchestrator) BackupNow(ctx context.Context, name string, tags []string, branch string) (string, error) {
	outcome, err := o.runBackup(ctx, BackupRequest{
		Name:          name,
		Kind:          models.RequestFull,
		EnableVersion: true,
		Branch:        branch,
		Tags:          tags,
		Description:   "automatic safety backup taken before rollback",
	})
	if err != nil {
		return "", err
	}
	return outcome.Name, nil
}

// RestoreArtifact implements retention.Restorer by driving the restore
// pipeline's Execute step directly (no interactive confirmation is ever
// appropriate mid-rollback; assumeYes is always honored here because the
// caller already confirmed the rollback itself).
func (o *Orchestrator) RestoreArtifact(ctx context.Context, name string, assumeYes bool) error {
	summary, err := o.Restore.ResolveExplicit(name)
	if err != nil {
		return err
	}
	id, err := o.Handler.Discover(ctx)
	if err != nil {
		return err
	}
	_, err = o.Restore.Execute(ctx, id, summary.Name, 0, "")
	return err
}

// RunRestore executes spec.md §4.7's control flow: resolve the artifact
// (explicit name or interactive picker), confirm unless assumeYes, exec
// psql through the handler, then run the post-restore verify probe. The
// directory lock is held for the whole operation since restore never runs
// concurrently with a backup or a retention pass on the same directory.
func (o *Orchestrator) RunRestore(ctx context.Context, explicitName string, restoreTimeout time.Duration, pgpassword string, assumeYes bool) (restore.Outcome, error) {
	lock, err := o.acquireLock()
	if err != nil {
		return restore.Outcome{}, err
	}
	defer o.releaseLock(lock)

	var summary restore.Summary
	if explicitName != "" {
		summary, err = o.Restore.ResolveExplicit(explicitName)
	} else {
		summary, err = o.Restore.ResolveInteractive(ctx)
	}
	if err != nil {
		if errors.Is(err, restore.ErrCancelled) {
			return restore.Outcome{}, Cancelled(err)
		}
		if errors.Is(err, restore.ErrValidationFailed) {
			return restore.Outcome{}, ValidationFailed(err)
		}
		return restore.Outcome{}, Generic(err)
	}

	if err := o.Restore.Confirm(summary, assumeYes); err != nil {
		if errors.Is(err, restore.ErrConfirmationDenied) {
			return restore.Outcome{}, ConfirmationDenied(err)
		}
		return restore.Outcome{}, Generic(err)
	}

	id, err := o.Handler.Discover(ctx)
	if err != nil {
		if errors.Is(err, target.ErrTargetNotFound) {
			return restore.Outcome{}, TargetNotFound(err)
		}
		return restore.Outcome{}, Generic(err)
	}

	out, err := o.Restore.Execute(ctx, id, summary.Name, restoreTimeout, pgpassword)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return restore.Outcome{}, Cancelled(err)
		}
		if errors.Is(err, execrunner.ErrTimeout) {
			return restore.Outcome{}, ExecTimeout(err)
		}
		return restore.Outcome{}, ExecNonZero(err)
	}
	return out, nil
}

// RunRetention applies (or, in dryRun mode, only plans) pruning across
// every retention bucket, holding the directory lock throughout.
func (o *Orchestrator) RunRetention(limits models.RetentionLimits, dryRun bool) ([]models.PruneDecision, error) {
	lock, err := o.acquireLock()
	if err != nil {
		return nil, err
	}
	defer o.releaseLock(lock)

	decisions, err := o.Planner.Apply(limits, dryRun)
	if err != nil {
		return nil, Generic(err)
	}
	return decisions, nil
}

// RunCleanupVersions drops every version beyond keepPerBranch per branch,
// never the most recent or a tagged one, holding the directory lock.
func (o *Orchestrator) RunCleanupVersions(keepPerBranch int, dryRun bool) ([]string, error) {
	lock, err := o.acquireLock()
	if err != nil {
		return nil, err
	}
	defer o.releaseLock(lock)

	dropped, err := o.Ledger.CleanupVersions(o.Store, keepPerBranch, dryRun)
	if err != nil {
		return nil, Generic(err)
	}
	return dropped, nil
}

// RunRollback takes a tagged safety backup, restores targetVersion's
// artifact, and appends a rollback ledger entry, holding the directory
// lock for the whole sequence.
func (o *Orchestrator) RunRollback(ctx context.Context, targetVersion string) (models.RollbackEntry, error) {
	lock, err := o.acquireLock()
	if err != nil {
		return models.RollbackEntry{}, err
	}
	defer o.releaseLock(lock)

	entry, err := o.Ledger.Rollback(ctx, targetVersion, o, o, time.Now().UTC())
	if err != nil {
		return models.RollbackEntry{}, Generic(err)
	}
	return entry, nil
}

func (o *Orchestrator) acquireLock() (*lockfile.Lock, error) {
	lock, err := lockfile.Acquire(filepath.Join(o.Store.MetadataDir(), lockFileName))
	if err != nil {
		if errors.Is(err, lockfile.ErrBusy) {
			return nil, LockBusy(err)
		}
		return nil, Generic(err)
	}
	return lock, nil
}

func (o *Orchestrator) releaseLock(lock *lockfile.Lock) {
	if err := lock.Release(); err != nil {
		log.Printf("orchestrator: releasing lock: %v", err)
	}
}

// RunWithSignalHandling wraps run with SIGINT/SIGTERM handling: the first
// signal cancels run's context so an in-flight pg_dump/psql gets the
// SIGTERM-then-SIGKILL escalation execrunner already implements, and
// RunBackup's cleanupPartial removes any half-written payload before the
// lock is released. A second signal is ignored; the process exits once
// run returns.
func RunWithSignalHandling(parent context.Context, run func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx)
}

// Package restore implements the restore pipeline (C7): artifact
// resolution, validation, confirmation gating, execution through a
// target handler, and post-restore verification.
package restore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-vault/pgvault/internal/store"
	"github.com/aegis-vault/pgvault/internal/strategy"
	"github.com/aegis-vault/pgvault/internal/target"
	"github.com/aegis-vault/pgvault/pkg/models"
)

// Sentinel errors making up the restore half of spec.md §7's taxonomy.
var (
	ErrCancelled          = errors.New("restore: cancelled by user")
	ErrConfirmationDenied = errors.New("restore: confirmation denied")
	ErrValidationFailed   = errors.New("restore: validation failed")
)

const verifyTimeout = 10 * time.Second

// Summary is shown to the operator before the confirmation prompt.
type Summary struct {
	Name           string
	SizeBytes      int64
	CreatedAt      time.Time
	TargetIdentity string
	Kind           models.BackupKind
}

// Outcome reports what happened after a restore attempt completes
// execution: the exec step succeeded but the post-restore verify probe
// may still have failed, which is reported rather than rolled back
// (spec.md §4.7 step 6 — the operator decides).
type Outcome struct {
	VerifyOK    bool
	VerifyError error
}

// Pipeline wires together the artifact store, the strategy engine (for
// pg_dump-user/db argument reuse), and a target handler.
type Pipeline struct {
	store       *store.Store
	handler     target.Handler
	user, db    string
	dumpTimeout time.Duration

	// PromptIn/PromptOut are the operator-facing interactive streams;
	// they default to os.Stdin/os.Stdout when nil.
	PromptIn  io.Reader
	PromptOut io.Writer
}

// New creates a Pipeline. user/db are the database credentials' username
// and database name passed to psql.
func New(s *store.Store, handler target.Handler, user, db string) *Pipeline {
	return &Pipeline{store: s, handler: handler, user: user, db: db}
}

// ResolveExplicit validates an explicit artifact name (spec.md §4.7 step
// 1/2 for the non-interactive path).
func (p *Pipeline) ResolveExplicit(name string) (Summary, error) {
	if err := p.store.Validate(name); err != nil {
		return Summary{}, fmt.Errorf("%w: %s", ErrValidationFailed, err)
	}
	return p.summarize(name)
}

// ResolveInteractive renders a newest-first numbered list, reads a
// 1-based selection from in, and returns the chosen artifact's summary.
// An input of 0 cancels with ErrCancelled (spec.md §4.7 step 1).
func (p *Pipeline) ResolveInteractive(ctx context.Context) (Summary, error) {
	infos, err := p.store.List()
	if err != nil {
		return Summary{}, fmt.Errorf("restore: listing artifacts: %w", err)
	}
	if len(infos) == 0 {
		return Summary{}, fmt.Errorf("restore: no artifacts available to restore")
	}

	out := p.out()
	fmt.Fprintln(out, "Select an artifact to restore (0 to cancel):")
	for i, info := range infos {
		fmt.Fprintf(out, "  %d) %s\n", i+1, info.Name)
	}

	reader := bufio.NewReader(p.in())
	fmt.Fprint(out, "> ")
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return Summary{}, fmt.Errorf("restore: reading selection: %w", err)
	}

	choice, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return Summary{}, fmt.Errorf("restore: invalid selection %q", strings.TrimSpace(line))
	}
	if choice == 0 {
		return Summary{}, ErrCancelled
	}
	if choice < 1 || choice > len(infos) {
		return Summary{}, fmt.Errorf("restore: selection %d out of range", choice)
	}

	name := infos[choice-1].Name
	if err := p.store.Validate(name); err != nil {
		return Summary{}, fmt.Errorf("%w: %s", ErrValidationFailed, err)
	}
	return p.summarize(name)
}

func (p *Pipeline) summarize(name string) (Summary, error) {
	infos, err := p.store.List()
	if err != nil {
		return Summary{}, fmt.Errorf("restore: listing artifacts: %w", err)
	}
	for _, info := range infos {
		if info.Name != name {
			continue
		}
		summary := Summary{Name: name, SizeBytes: info.Size, CreatedAt: info.ModTime}
		if info.Sidecar != nil {
			summary.Kind = info.Sidecar.Kind
			summary.TargetIdentity = info.Sidecar.SourceTarget
			if !info.Sidecar.CreatedAt.IsZero() {
				summary.CreatedAt = info.Sidecar.CreatedAt
			}
		}
		return summary, nil
	}
	return Summary{}, fmt.Errorf("restore: artifact %q not found in listing", name)
}

// Confirm prints summary and requires an explicit "y"/"yes" (case
// insensitive) unless assumeYes is set. assumeYes must only be honored by
// the caller when an explicit --yes flag was passed; this function never
// infers consent from quiet mode alone (spec.md §4.7 step 4).
func (p *Pipeline) Confirm(summary Summary, assumeYes bool) error {
	out := p.out()
	fmt.Fprintf(out, "About to restore %q (%d bytes, created %s, kind=%s) into %s\n",
		summary.Name, summary.SizeBytes, summary.CreatedAt.Format(time.RFC3339), summary.Kind, summary.TargetIdentity)

	if assumeYes {
		return nil
	}

	fmt.Fprint(out, "Proceed? [y/N] ")
	reader := bufio.NewReader(p.in())
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("restore: reading confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer != "y" && answer != "yes" {
		return ErrConfirmationDenied
	}
	return nil
}

// Execute streams the artifact's payload into psql --single-transaction
// running inside the target, then runs the post-restore verify probe.
// Verify failure is reported in Outcome, never rolled back automatically.
func (p *Pipeline) Execute(ctx context.Context, id target.Id, name string, restoreTimeout time.Duration, pgpassword string) (Outcome, error) {
	payload, err := os.Open(p.store.PayloadPath(name))
	if err != nil {
		return Outcome{}, fmt.Errorf("restore: open payload %q: %w", name, err)
	}
	defer payload.Close()

	args := strategy.RestoreArgs(p.user, p.db)
	exitCode, err := p.handler.Exec(ctx, id, args, target.ExecOptions{
		Stdin:   payload,
		Timeout: restoreTimeout,
		Env:     map[string]string{"PGPASSWORD": pgpassword},
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("restore: exec psql (exit %d): %w", exitCode, err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	verifyCode, verifyErr := p.handler.Exec(verifyCtx, id, []string{
		"psql", fmt.Sprintf("--username=%s", p.user), fmt.Sprintf("--dbname=%s", p.db), "-c", "SELECT 1",
	}, target.ExecOptions{
		Timeout: verifyTimeout,
		Env:     map[string]string{"PGPASSWORD": pgpassword},
	})
	if verifyErr != nil || verifyCode != 0 {
		return Outcome{VerifyOK: false, VerifyError: fmt.Errorf("restore: post-restore verify failed (exit %d): %w", verifyCode, verifyErr)}, nil
	}
	return Outcome{VerifyOK: true}, nil
}

func (p *Pipeline) in() io.Reader {
	if p.PromptIn != nil {
		return p.PromptIn
	}
	return os.Stdin
}

func (p *Pipeline) out() io.Writer {
	if p.PromptOut != nil {
		return p.PromptOut
	}
	return os.Stdout
}

// Command pgvault is the PostgreSQL backup/restore orchestrator CLI: one
// binary, one root command, a large flag surface dispatching to backup,
// restore, retention, and versioning operations against either a
// container engine or a cluster orchestrator target.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegis-vault/pgvault/internal/cache"
	"github.com/aegis-vault/pgvault/internal/environment"
	"github.com/aegis-vault/pgvault/internal/execrunner"
	"github.com/aegis-vault/pgvault/internal/orchestrator"
	"github.com/aegis-vault/pgvault/internal/statusserver"
	"github.com/aegis-vault/pgvault/internal/target"
	"github.com/aegis-vault/pgvault/internal/verify"
	"github.com/aegis-vault/pgvault/pkg/config"
	"github.com/aegis-vault/pgvault/pkg/models"
)

// flagSet mirrors SPEC_FULL.md's CLI surface. Cobra/pflag own parsing;
// everything below is read once in runRoot and handed to the orchestrator.
type flagSet struct {
	// Target selection
	forceDocker     bool
	forceKubernetes bool
	autoDetect      bool
	containerName   string
	podName         string
	namespace       string
	labelSelector   string
	k8sContainer    string

	// Backup mode
	name      string
	dir       string
	force     bool
	backupKind string
	forceFull bool
	quiet     bool
	verbose   bool
	noColor   bool

	// Listing / restore
	list          bool
	backupSummary bool
	restore       bool
	restoreFile   string
	assumeYes     bool

	// Retention
	retentionDaily   int
	retentionWeekly  int
	retentionMonthly int
	retentionFull    int
	retentionDryRun  bool
	applyRetention   bool

	// Versioning
	enableVersioning bool
	branch           string
	versionIncrement string
	tags             []string
	description      string
	listVersions     bool
	filterBranch     string
	filterTag        string
	limit            int
	versionInfo      string
	compareVersions  []string
	listBranches     bool
	createTag        []string
	listTags         bool
	rollbackTo       string
	rollbackHistory  bool
	cleanupVersions  int
	cleanupDryRun    bool

	// Ambient
	directDSN  string
	statusAddr string
}

func main() {
	var f flagSet

	root := &cobra.Command{
		Use:          "pgvault",
		Short:        "Backup and restore a PostgreSQL database running in a container or a cluster",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(cmd.Context(), &f)
		},
	}

	bindFlags(root, &f)

	if err := orchestrator.RunWithSignalHandling(context.Background(), root.ExecuteContext); err != nil {
		code := orchestrator.CodeGeneric
		var orchErr *orchestrator.Error
		if asOrchErr(err, &orchErr) {
			code = orchErr.Code()
		}
		log.Println(err)
		os.Exit(int(code))
	}
}

func asOrchErr(err error, dst **orchestrator.Error) bool {
	for err != nil {
		if oe, ok := err.(*orchestrator.Error); ok {
			*dst = oe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func bindFlags(cmd *cobra.Command, f *flagSet) {
	flags := cmd.Flags()

	flags.BoolVar(&f.forceDocker, "force-docker", false, "force the container-engine backend, skipping detection")
	flags.BoolVar(&f.forceKubernetes, "force-kubernetes", false, "force the cluster backend, skipping detection")
	flags.BoolVar(&f.autoDetect, "auto-detect", true, "auto-detect the backend when no --force-* flag is set")
	flags.StringVar(&f.containerName, "container", "", "pin the container-engine backend to this container name")
	flags.StringVar(&f.podName, "pod", "", "pin the cluster backend to this pod name")
	flags.StringVar(&f.namespace, "namespace", "", "cluster namespace to search (overrides PGVAULT_NAMESPACE)")
	flags.StringVar(&f.labelSelector, "labels", "", "cluster pod label selector (overrides PGVAULT_LABEL_SELECTOR)")
	flags.StringVar(&f.k8sContainer, "k8s-container", "", "container name within the pod, when the pod runs more than one")

	flags.StringVar(&f.name, "name", "", "artifact name for a new backup (default: timestamp-derived)")
	flags.StringVar(&f.dir, "dir", "", "backup directory (overrides BACKUP_DIR)")
	flags.BoolVar(&f.force, "force", false, "overwrite an existing artifact with the same name instead of renaming")
	flags.StringVar(&f.backupKind, "backup-type", "auto", "auto|full|incremental")
	flags.BoolVar(&f.forceFull, "force-full", false, "shorthand for --backup-type=full")
	flags.BoolVar(&f.quiet, "quiet", false, "suppress non-essential output")
	flags.BoolVar(&f.verbose, "verbose", false, "print additional diagnostic output")
	flags.BoolVar(&f.noColor, "no-color", false, "disable colored output")

	flags.BoolVar(&f.list, "list", false, "list stored artifacts and exit")
	flags.BoolVar(&f.backupSummary, "backup-summary", false, "print a one-line summary per artifact and exit")
	flags.BoolVar(&f.restore, "restore", false, "restore instead of backing up")
	flags.StringVar(&f.restoreFile, "restore-file", "", "artifact name to restore (omit for an interactive picker)")
	flags.BoolVar(&f.assumeYes, "yes", false, "skip the restore confirmation prompt")

	flags.IntVar(&f.retentionDaily, "retention-daily", -1, "daily bucket retention count (overrides PGVAULT_RETENTION_DAILY)")
	flags.IntVar(&f.retentionWeekly, "retention-weekly", -1, "weekly bucket retention count")
	flags.IntVar(&f.retentionMonthly, "retention-monthly", -1, "monthly bucket retention count")
	flags.IntVar(&f.retentionFull, "retention-full", -1, "full bucket retention count")
	flags.BoolVar(&f.retentionDryRun, "retention-dry-run", false, "report what retention would prune without deleting")
	flags.BoolVar(&f.applyRetention, "apply-retention", false, "run retention pruning and exit")

	flags.BoolVar(&f.enableVersioning, "enable-versioning", false, "stamp this backup into the version ledger")
	flags.StringVar(&f.branch, "branch", "main", "version ledger branch")
	flags.StringVar(&f.versionIncrement, "version-increment", "patch", "major|minor|patch")
	flags.StringSliceVar(&f.tags, "tags", nil, "tags to attach to this backup's version entry")
	flags.StringVar(&f.description, "description", "", "description recorded in the version ledger")
	flags.BoolVar(&f.listVersions, "list-versions", false, "list ledger versions and exit")
	flags.StringVar(&f.filterBranch, "filter-branch", "", "restrict --list-versions to one branch")
	flags.StringVar(&f.filterTag, "filter-tag", "", "restrict --list-versions to one tag")
	flags.IntVar(&f.limit, "limit", 0, "cap --list-versions output (0 = unlimited)")
	flags.StringVar(&f.versionInfo, "version-info", "", "print one ledger entry and exit")
	flags.StringSliceVar(&f.compareVersions, "compare-versions", nil, "compare-versions v1,v2 and exit")
	flags.BoolVar(&f.listBranches, "list-branches", false, "list ledger branches and exit")
	flags.StringSliceVar(&f.createTag, "create-tag", nil, "create-tag V,NAME: tag an existing version V as NAME and exit")
	flags.BoolVar(&f.listTags, "list-tags", false, "list ledger tags and exit")
	flags.StringVar(&f.rollbackTo, "rollback-to", "", "roll back to this version and exit")
	flags.BoolVar(&f.rollbackHistory, "rollback-history", false, "print the rollback ledger and exit")
	flags.IntVar(&f.cleanupVersions, "cleanup-versions", -1, "keep-per-branch count; prune older versions per branch and exit")
	flags.BoolVar(&f.cleanupDryRun, "cleanup-dry-run", false, "report what --cleanup-versions would prune without deleting")

	flags.StringVar(&f.directDSN, "direct-dsn", "", "optional direct Postgres DSN for a supplementary deep-verify pass")
	flags.StringVar(&f.statusAddr, "status-addr", "", "optional address to serve /healthz and /status on")
}

func runRoot(ctx context.Context, f *flagSet) error {
	cfg, err := config.Load()
	if err != nil {
		return orchestrator.Generic(err)
	}
	applyFlagOverrides(cfg, f)
	if err := cfg.Validate(); err != nil {
		return orchestrator.Generic(err)
	}

	if !f.quiet {
		log.Printf("pgvault: backup dir=%s db=%s", cfg.BackupDir, cfg.MaskedDSN())
	}

	runner := execrunner.New()
	disco, err := buildDiscoveryCache(ctx, cfg)
	if err != nil && f.verbose {
		log.Printf("pgvault: discovery cache unavailable: %v", err)
	}

	detector := environment.New(cfg, runner, disco)
	override := environment.OverrideNone
	switch {
	case f.forceDocker:
		override = environment.OverrideContainer
	case f.forceKubernetes:
		override = environment.OverrideCluster
	}

	backend, err := detector.Detect(ctx, override)
	if err != nil {
		return orchestrator.Generic(err)
	}

	handler, err := buildHandler(cfg, runner, backend, f)
	if err != nil {
		return orchestrator.Generic(err)
	}

	o, err := orchestrator.New(cfg.BackupDir, handler, cfg.PostgresUser, cfg.PostgresDB, cfg.DumpTimeout)
	if err != nil {
		return err
	}

	var statusSrv *statusserver.Server
	if cfg.StatusAddr != "" {
		statusSrv = statusserver.New(cfg.StatusAddr)
		go func() {
			if err := <-statusSrv.Start(); err != nil {
				log.Printf("pgvault: status server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = statusSrv.Shutdown(shutdownCtx)
		}()
	}

	switch {
	case f.listVersions:
		return printVersions(o, f)
	case f.versionInfo != "":
		return printVersionInfo(o, f.versionInfo)
	case len(f.compareVersions) == 2:
		return printCompareVersions(o, f.compareVersions[0], f.compareVersions[1])
	case f.listBranches:
		return printBranches(o)
	case len(f.createTag) == 2:
		return createTag(o, f.createTag[0], f.createTag[1], f.description)
	case f.listTags:
		return printTags(o)
	case f.rollbackTo != "":
		return runRollback(ctx, o, f.rollbackTo)
	case f.rollbackHistory:
		return printRollbackHistory(o)
	case f.cleanupVersions >= 0:
		return runCleanupVersions(o, f)
	case f.applyRetention:
		return runRetention(o, cfg, f)
	case f.list || f.backupSummary:
		return listArtifacts(o, f)
	case f.restore:
		return runRestoreCmd(ctx, o, cfg, f, statusSrv)
	default:
		return runBackupCmd(ctx, o, cfg, f, statusSrv)
	}
}

func applyFlagOverrides(cfg *config.Config, f *flagSet) {
	if f.dir != "" {
		cfg.BackupDir = f.dir
	}
	if f.namespace != "" {
		cfg.ClusterNamespace = f.namespace
	}
	if f.labelSelector != "" {
		cfg.ClusterLabelSelector = f.labelSelector
	}
	if f.retentionDaily >= 0 {
		cfg.RetentionDaily = f.retentionDaily
	}
	if f.retentionWeekly >= 0 {
		cfg.RetentionWeekly = f.retentionWeekly
	}
	if f.retentionMonthly >= 0 {
		cfg.RetentionMonthly = f.retentionMonthly
	}
	if f.retentionFull >= 0 {
		cfg.RetentionFull = f.retentionFull
	}
	if f.directDSN != "" {
		cfg.DirectDSN = f.directDSN
	}
	if f.statusAddr != "" {
		cfg.StatusAddr = f.statusAddr
	}
}

func buildDiscoveryCache(ctx context.Context, cfg *config.Config) (environment.DiscoveryCache, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	c, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildHandler(cfg *config.Config, runner *execrunner.Runner, backend models.Backend, f *flagSet) (target.Handler, error) {
	switch backend {
	case models.BackendContainer:
		return target.NewContainerHandler(runner, cfg.ContainerEngineBin, f.containerName), nil
	case models.BackendCluster:
		return target.NewClusterHandler(runner, cfg.ClusterClientBin, cfg.ClusterNamespace, cfg.ClusterLabelSelector, f.podName, f.k8sContainer), nil
	default:
		return nil, fmt.Errorf("pgvault: could not determine whether the target runs in a container or a cluster; pass --force-docker or --force-kubernetes")
	}
}

func backupRequestKind(f *flagSet) models.BackupRequest {
	if f.forceFull {
		return models.RequestFull
	}
	switch f.backupKind {
	case "full":
		return models.RequestFull
	case "incremental":
		return models.RequestIncremental
	default:
		return models.RequestAuto
	}
}

func runBackupCmd(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config, f *flagSet, statusSrv *statusserver.Server) error {
	name := f.name
	if name == "" {
		name = "backup_" + time.Now().UTC().Format("20060102_150405")
	}

	outcome, err := o.RunBackup(ctx, orchestrator.BackupRequest{
		Name:          name,
		Overwrite:     f.force,
		Kind:          backupRequestKind(f),
		PGPassword:    cfg.PostgresPassword,
		EnableVersion: f.enableVersioning,
		Branch:        f.branch,
		Increment:     models.VersionIncrement(f.versionIncrement),
		Tags:          f.tags,
		Description:   f.description,
	})
	if err != nil {
		if statusSrv != nil {
			statusSrv.Update(statusserver.Status{LastError: err.Error()})
		}
		return err
	}

	if !f.quiet {
		fmt.Printf("backup %q complete (%s, %d bytes): %s\n", outcome.Name, outcome.Kind, outcome.ByteSize, outcome.Reason)
	}
	if statusSrv != nil {
		statusSrv.Update(statusserver.Status{
			LastBackupName: outcome.Name,
			LastBackupKind: outcome.Kind,
			LastBackupAt:   time.Now().UTC(),
		})
	}

	if cfg.DirectDSN != "" {
		result, err := verify.DeepVerify(ctx, cfg.DirectDSN, cfg.VerifyTimeout)
		if err != nil {
			log.Printf("pgvault: supplementary deep-verify failed: %v", err)
		} else if f.verbose {
			log.Printf("pgvault: deep-verify ok: %d public tables in %s", result.TableCount, result.Elapsed)
		}
	}
	return nil
}

func runRestoreCmd(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config, f *flagSet, statusSrv *statusserver.Server) error {
	outcome, err := o.RunRestore(ctx, f.restoreFile, cfg.RestoreTimeout, cfg.PostgresPassword, f.assumeYes)
	if err != nil {
		return err
	}

	if !outcome.VerifyOK {
		fmt.Printf("restore completed but the post-restore verify probe failed: %v\n", outcome.VerifyError)
		return nil
	}
	if !f.quiet {
		fmt.Println("restore completed and verified successfully")
	}

	if cfg.DirectDSN != "" {
		result, err := verify.DeepVerify(ctx, cfg.DirectDSN, cfg.VerifyTimeout)
		if err != nil {
			log.Printf("pgvault: supplementary deep-verify failed: %v", err)
		} else if f.verbose {
			log.Printf("pgvault: deep-verify ok: %d public tables in %s", result.TableCount, result.Elapsed)
		}
	}
	return nil
}

func listArtifacts(o *orchestrator.Orchestrator, f *flagSet) error {
	infos, err := o.Store.List()
	if err != nil {
		return orchestrator.Generic(err)
	}
	for _, info := range infos {
		if f.backupSummary && info.Sidecar != nil {
			fmt.Printf("%s\t%s\t%d bytes\t%s\n", info.Name, info.Sidecar.Kind, info.Size, info.Sidecar.CreatedAt.Format(time.RFC3339))
			continue
		}
		fmt.Println(info.Name)
	}
	return nil
}

func runRetention(o *orchestrator.Orchestrator, cfg *config.Config, f *flagSet) error {
	limits := models.RetentionLimits{
		Daily:   cfg.RetentionDaily,
		Weekly:  cfg.RetentionWeekly,
		Monthly: cfg.RetentionMonthly,
		Full:    cfg.RetentionFull,
	}
	decisions, err := o.RunRetention(limits, f.retentionDryRun)
	if err != nil {
		return err
	}
	for _, d := range decisions {
		action := "keep"
		if !d.Keep {
			action = "prune"
		}
		fmt.Printf("%s\t%s\t%s (%s)\n", action, d.Name, d.Bucket, d.Reason)
	}
	return nil
}

func printVersions(o *orchestrator.Orchestrator, f *flagSet) error {
	for _, v := range o.Ledger.ListVersions(f.filterBranch, f.filterTag, f.limit) {
		fmt.Printf("%s\t%s\t%s\t%s\n", v.Version, v.Branch, v.ArtifactName, v.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func printVersionInfo(o *orchestrator.Orchestrator, version string) error {
	entry, ok := o.Ledger.VersionInfo(version)
	if !ok {
		return fmt.Errorf("pgvault: unknown version %q", version)
	}
	fmt.Printf("version:     %s\nbranch:      %s\nartifact:    %s\ncreated_at:  %s\ntags:        %s\ndescription: %s\n",
		entry.Version, entry.Branch, entry.ArtifactName, entry.CreatedAt.Format(time.RFC3339), strings.Join(entry.Tags, ","), entry.Description)
	return nil
}

func printCompareVersions(o *orchestrator.Orchestrator, v1, v2 string) error {
	result, err := o.Ledger.CompareVersions(v1, v2)
	if err != nil {
		return orchestrator.Generic(err)
	}
	switch {
	case result < 0:
		fmt.Printf("%s is older than %s\n", v1, v2)
	case result > 0:
		fmt.Printf("%s is newer than %s\n", v1, v2)
	default:
		fmt.Printf("%s and %s were created at the same time\n", v1, v2)
	}
	return nil
}

func printBranches(o *orchestrator.Orchestrator) error {
	for _, b := range o.Ledger.ListBranches() {
		fmt.Printf("%s\t%d backups\tlatest %s\n", b.Name, b.BackupCount, b.LatestAt.Format(time.RFC3339))
	}
	return nil
}

func createTag(o *orchestrator.Orchestrator, version, tagName, description string) error {
	if _, ok := o.Ledger.VersionInfo(version); !ok {
		return fmt.Errorf("pgvault: unknown version %q", version)
	}
	if err := o.Ledger.CreateTags(version, []string{tagName}, description); err != nil {
		return orchestrator.Generic(err)
	}
	fmt.Printf("tagged %s as %q\n", version, tagName)
	return nil
}

func printTags(o *orchestrator.Orchestrator) error {
	for tag, versions := range o.Ledger.ListTags() {
		fmt.Printf("%s\t%s\n", tag, strings.Join(versions, ","))
	}
	return nil
}

func runRollback(ctx context.Context, o *orchestrator.Orchestrator, targetVersion string) error {
	entry, err := o.RunRollback(ctx, targetVersion)
	if err != nil {
		return err
	}
	fmt.Printf("rolled back to %s; safety backup %q recorded as %s\n", entry.TargetVersion, entry.SafetyBackupName, entry.ID)
	return nil
}

func printRollbackHistory(o *orchestrator.Orchestrator) error {
	for _, e := range o.Ledger.RollbackHistory() {
		fmt.Printf("%s\t%s\t%s\t%s\n", e.ID, e.Timestamp.Format(time.RFC3339), e.TargetVersion, e.SafetyBackupName)
	}
	return nil
}

func runCleanupVersions(o *orchestrator.Orchestrator, f *flagSet) error {
	dropped, err := o.RunCleanupVersions(f.cleanupVersions, f.cleanupDryRun)
	if err != nil {
		return err
	}
	if len(dropped) == 0 {
		fmt.Println("nothing to prune")
		return nil
	}
	for _, name := range dropped {
		fmt.Println("pruned", name)
	}
	return nil
}

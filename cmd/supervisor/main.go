// Command supervisor drives the durable task supervisor loop. Flag and
// viper-binding conventions follow cmd/cobra_cli.go's NewRootCommand /
// PersistentFlags / viper.BindEnv pattern; unlike an interactive agent CLI,
// every invocation here is one-shot or a bounded loop, so there is no TUI
// branch.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cklxx/supervisor/internal/clock"
	"github.com/cklxx/supervisor/internal/intake"
	"github.com/cklxx/supervisor/internal/lease"
	"github.com/cklxx/supervisor/internal/progresslog"
	"github.com/cklxx/supervisor/internal/report"
	"github.com/cklxx/supervisor/internal/retention"
	"github.com/cklxx/supervisor/internal/signals"
	"github.com/cklxx/supervisor/internal/store"
	"github.com/cklxx/supervisor/internal/supervisor"
	"github.com/cklxx/supervisor/internal/taskfile"
	"github.com/cklxx/supervisor/internal/verify"
	"github.com/cklxx/supervisor/internal/worker"
)

// exit codes for the supervisor process.
const (
	exitSuccess     = 0
	exitRuntimeErr  = 1
	exitUsageErr    = 2
	exitBlockedTask = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if _, ok := err.(*usageError); ok {
			return exitUsageErr
		}
		return exitRuntimeErr
	}
	return exitCode
}

// exitCode is set by the command body since cobra's Execute only reports
// error/no-error, not our three-way exit code split.
var exitCode = exitSuccess

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func newRootCommand() *cobra.Command {
	var (
		projectRoot string
		status      bool
		dryRun      bool
		reclaim     bool
		loop        bool
		count       int
		maxTurns    int
		timeout     time.Duration
		leaseTTL    time.Duration
		intakeFile  string
		watchInbox  string
		reportFlag  bool
		cleanup     bool
		logLevel    string
		workerCmd   string
		verifyCmd   string
	)

	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "durable task supervisor",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watchInbox != "" && !loop {
				exitCode = exitUsageErr
				return &usageError{msg: "--watch-inbox requires --loop"}
			}

			root := resolveProjectRoot(projectRoot)
			level := parseLevel(logLevel)
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			sup, err := buildSupervisor(root, logger, workerCmd, verifyCmd, timeout, leaseTTL)
			if err != nil {
				exitCode = exitRuntimeErr
				return err
			}
			ctx := context.Background()

			switch {
			case status:
				return runStatus(ctx, sup)
			case dryRun:
				return runDryRun(sup)
			case reclaim:
				_, err := sup.ReclaimSweep(ctx)
				return err
			case intakeFile != "":
				return runIntakeOne(ctx, sup, intakeFile)
			case watchInbox != "" && loop:
				return runWatchLoop(ctx, sup, watchInbox, count)
			case reportFlag:
				return sup.Report(ctx)
			case cleanup:
				_, err := sup.Cleanup(sup.Clock.Now())
				return err
			case loop || count > 0:
				return runLoop(ctx, sup, count, maxTurns)
			default:
				return runSingle(ctx, sup)
			}
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "print status board; no state change")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print next eligible task without claiming")
	cmd.Flags().BoolVar(&reclaim, "reclaim", false, "perform reclaim sweep only")
	cmd.Flags().BoolVar(&loop, "loop", false, "execute tasks until none eligible or STOP")
	cmd.Flags().IntVar(&count, "count", 0, "execute up to N tasks (0 = unbounded with --loop)")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "worker max turns; accepted but not passed to the worker")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "per-run worker timeout")
	cmd.Flags().DurationVar(&leaseTTL, "lease-ttl", 0, "override lease_ttl_seconds for this run")
	cmd.Flags().StringVar(&intakeFile, "intake", "", "process one requirement document")
	cmd.Flags().StringVar(&watchInbox, "watch-inbox", "", "periodically process new documents (compose with --loop)")
	cmd.Flags().BoolVar(&reportFlag, "report", false, "regenerate status.md")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "run retention")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "slog level: debug, info, warn, error")
	cmd.Flags().StringVar(&workerCmd, "worker-cmd", "", "command to spawn for each claimed task (defaults to scripts/run_worker.sh)")
	cmd.Flags().StringVar(&verifyCmd, "verify-cmd", "scripts/verify.sh", "verification script invoked on worker_success")
	cmd.Flags().StringVar(&projectRoot, "project-root", "", "working directory (defaults to $PROJECT_ROOT or cwd)")

	viper.SetEnvPrefix("PROJECT")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("root", cmd.Flags().Lookup("project-root"))
	viper.BindEnv("root", "PROJECT_ROOT")

	return cmd
}

func resolveProjectRoot(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := viper.GetString("root"); v != "" {
		return v
	}
	if v := os.Getenv("PROJECT_ROOT"); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildSupervisor(root string, logger *slog.Logger, workerCmd, verifyCmd string, timeout, leaseTTLOverride time.Duration) (*supervisor.Supervisor, error) {
	rc := clock.RealClock{}
	supervisorID := clock.NewSupervisorID(rc.Now())

	st := store.New(filepath.Join(root, "Task.json"), rc)

	if leaseTTLOverride > 0 {
		if _, err := st.Mutate(context.Background(), func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
			tf.Config.LeaseTTLSeconds = int(leaseTTLOverride.Seconds())
			return tf, nil, nil
		}); err != nil {
			return nil, fmt.Errorf("apply lease-ttl override: %w", err)
		}
	}

	if workerCmd == "" {
		workerCmd = filepath.Join(root, "scripts", "run_worker.sh")
	}
	command, args := splitCommand(workerCmd)
	driver, err := worker.NewDriver(worker.Spec{
		Command:    command,
		Args:       args,
		WorkingDir: root,
		Timeout:    timeout,
		ArchiveDir: filepath.Join(root, "runs"),
	}, 256)
	if err != nil {
		return nil, err
	}

	gate := verify.NewGate(verifyCmd, root)

	signalHandler := signals.New(root)
	signalHandler.Listen(context.Background())

	tf, err := st.Read()
	if err != nil {
		return nil, fmt.Errorf("read task file for retention config: %w", err)
	}

	isActive := func(runID string) bool {
		for i := range tf.Tasks {
			if tf.Tasks[i].Status == taskfile.StatusInProgress && tf.Tasks[i].Claim != nil && tf.Tasks[i].Claim.RunID == runID {
				return true
			}
		}
		return false
	}

	return &supervisor.Supervisor{
		Store:     st,
		Clock:     rc,
		Lease:     lease.NewManager(st, rc, string(supervisorID)),
		Driver:    driver,
		Verify:    verifyAdapter{gate: gate, archiveDir: filepath.Join(root, "runs")},
		Log:       progresslog.Open(filepath.Join(root, "progress.txt")),
		Signals:   signalHandler,
		Intake:    intake.NewProcessor(st, rc, filepath.Join(root, "inbox"), filepath.Join(root, "requirements.md")),
		Retention: retention.NewManager(filepath.Join(root, "runs"), tf.Config.RetentionDays, tf.Config.MaxRunsMB, isActive),
		StatusMD:  filepath.Join(root, "status.md"),
		Logger:    logger,
	}, nil
}

// verifyAdapter bridges verify.Gate to supervisor.VerifyRunner without
// supervisor importing the verify package directly (that import would make
// every supervisor test shell out). It also archives the gate's full
// captured output next to the worker's own run archive — the evidence
// carried on the TaskRecord is capped at 1KB, but the full text must still
// be recoverable for a human investigating a failed verification.
type verifyAdapter struct {
	gate       *verify.Gate
	archiveDir string
}

func (v verifyAdapter) Run(ctx context.Context, taskID, runID string) supervisor.VerifyOutcome {
	out := v.gate.Run(ctx)
	if v.archiveDir != "" && runID != "" {
		path := filepath.Join(v.archiveDir, runID+".verify.log")
		if err := os.WriteFile(path, []byte(out.Full), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "warning: archive verify output for %s: %v\n", runID, err)
		}
	}
	return supervisor.VerifyOutcome{Verify: out.Verify, Passed: out.Passed}
}

func runStatus(ctx context.Context, sup *supervisor.Supervisor) error {
	snap, err := sup.Status(ctx)
	if err != nil {
		return err
	}
	report.WriteTerminal(os.Stdout, snap)
	return nil
}

func runDryRun(sup *supervisor.Supervisor) error {
	tf, err := sup.Store.Read()
	if err != nil {
		return err
	}
	next := lease.NextEligible(tf)
	if next == nil {
		fmt.Println("no eligible task")
		return nil
	}
	fmt.Printf("next eligible: %s (priority %s)\n", next.ID, next.Priority)
	return nil
}

func runIntakeOne(ctx context.Context, sup *supervisor.Supervisor, filename string) error {
	outcome, err := sup.Intake.ProcessOne(ctx, filepath.Base(filename))
	if err != nil {
		return err
	}
	if !outcome.Accepted {
		fmt.Printf("intake rejected: %s\n", outcome.FailureNote)
		exitCode = exitRuntimeErr
		return nil
	}
	fmt.Printf("intake accepted: %v\n", outcome.TaskIDs)
	return nil
}

func runSingle(ctx context.Context, sup *supervisor.Supervisor) error {
	if _, err := sup.ReclaimSweep(ctx); err != nil {
		return err
	}
	outcome, err := sup.RunOnce(ctx)
	if err != nil {
		if err == supervisor.ErrNothingEligible {
			fmt.Println("no eligible task")
			return nil
		}
		return err
	}
	if outcome.ToStatus == taskfile.StatusBlocked {
		exitCode = exitBlockedTask
	}
	fmt.Printf("task %s -> %s\n", outcome.TaskID, outcome.ToStatus)
	return nil
}

func runLoop(ctx context.Context, sup *supervisor.Supervisor, count, maxTurns int) error {
	_ = maxTurns // reserved for a worker-side turn budget; the driver itself has none to cap
	executed, err := sup.Loop(ctx, count)
	fmt.Printf("executed %d tasks\n", executed)
	return err
}

func runWatchLoop(ctx context.Context, sup *supervisor.Supervisor, inboxOverride string, count int) error {
	sup.Intake.InboxDir = inboxOverride
	sup.Intake.ProcessedDir = filepath.Join(inboxOverride, "processed")
	return runLoop(ctx, sup, count, 0)
}

// splitCommand lets --worker-cmd carry leading arguments (e.g. "python3
// worker.py") and still spawn as a single exec.Command, matching the
// teacher's direct exec.Command usage for worker subprocess spawning in
// internal/infra/external/subprocess (not shelled through bash).
func splitCommand(raw string) (string, []string) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return raw, nil
	}
	return fields[0], fields[1:]
}

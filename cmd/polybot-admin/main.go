package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/config"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/reaper"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/adapters/telegram"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/bootstrap"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/data"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
}

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = time.Minute
)

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stderr); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"queue-stats": {
			name:        "queue-stats",
			description: "Show visible, leased and dead-lettered messages of the Postgres work queue",
			run:         runQueueStats,
		},
		"reap-once": {
			name:        "reap-once",
			description: "Delete expired prediction results and dead letters once",
			run:         runReapOnce,
		},
		"show-result": {
			name:        "show-result",
			description: "Print a stored prediction result",
			run:         runShowResult,
		},
		"deliver-result": {
			name:        "deliver-result",
			description: "Send a stored prediction summary to its chat again",
			run:         runDeliverResult,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: polybot-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cmds[name]
		if err := writef(w, "  %-16s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

type timeoutOptions struct {
	Timeout time.Duration
}

type resultOptions struct {
	JobID   string
	RawJSON bool
	Timeout time.Duration
}

func parseTimeoutFlags(name string, args []string, fallback time.Duration) (timeoutOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := timeoutOptions{Timeout: fallback}
	fs.DurationVar(&opts.Timeout, "timeout", fallback, "Maximum duration to wait for the command to complete")

	if err := fs.Parse(args); err != nil {
		return timeoutOptions{}, err
	}
	if opts.Timeout <= 0 {
		return timeoutOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseResultFlags(name string, args []string) (resultOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := resultOptions{Timeout: defaultCommandTimeout}
	fs.StringVar(&opts.JobID, "id", "", "Prediction id (required)")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print the stored document as JSON")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration to wait for the command to complete")

	if err := fs.Parse(args); err != nil {
		return resultOptions{}, err
	}
	opts.JobID = strings.TrimSpace(opts.JobID)
	if opts.JobID == "" {
		return resultOptions{}, errors.New("--id is required")
	}
	if opts.Timeout <= 0 {
		return resultOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func withDatabase(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *sql.DB) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	return f(ctx, db)
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseTimeoutFlags("migrate", args, defaultMigrationTimeout)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return migrateErr
		}
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

func runQueueStats(cmdCtx *commandContext, args []string) error {
	opts, err := parseTimeoutFlags("queue-stats", args, defaultCommandTimeout)
	if err != nil {
		return err
	}
	if cmdCtx.Config.Queue.Backend != config.QueueBackendPostgres {
		return fmt.Errorf("queue-stats supports the postgres backend only (QUEUE_BACKEND=%s)", cmdCtx.Config.Queue.Backend)
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		repo, repoErr := data.NewQueueRepo(db, data.QueueRepoConfig{
			Queue:             cmdCtx.Config.Queue.Name,
			VisibilityTimeout: cmdCtx.Config.Queue.VisibilityTimeout,
			Logger:            cmdCtx.Logger,
		})
		if repoErr != nil {
			return repoErr
		}
		stats, statsErr := repo.Stats(ctx)
		if statsErr != nil {
			return statsErr
		}
		return printQueueStats(cmdCtx.Out, cmdCtx.Config.Queue.Name, stats)
	})
}

func runReapOnce(cmdCtx *commandContext, args []string) error {
	opts, err := parseTimeoutFlags("reap-once", args, defaultMigrationTimeout)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		runner, runnerErr := reaper.NewRunner(reaper.RunnerOptions{
			DB:     db,
			Config: cmdCtx.Config.Reaper,
			Logger: cmdCtx.Logger,
		})
		if runnerErr != nil {
			return runnerErr
		}
		if reapErr := runner.RunOnce(ctx); reapErr != nil {
			return fmt.Errorf("reap: %w", reapErr)
		}
		cmdCtx.Logger.Info("retention pass completed")
		return nil
	})
}

func runShowResult(cmdCtx *commandContext, args []string) error {
	opts, err := parseResultFlags("show-result", args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		res, getErr := data.NewJobResultRepo(db).Get(ctx, opts.JobID)
		if getErr != nil {
			return getErr
		}
		if opts.RawJSON {
			enc := json.NewEncoder(cmdCtx.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		return printResult(cmdCtx.Out, res, cmdCtx.Config.Results.SummaryMode)
	})
}

func runDeliverResult(cmdCtx *commandContext, args []string) error {
	opts, err := parseResultFlags("deliver-result", args)
	if err != nil {
		return err
	}
	cfg := cmdCtx.Config

	client, err := telegram.NewClient(telegram.Config{
		Token:   cfg.Telegram.Token,
		APIURL:  cfg.Telegram.APIURL,
		Timeout: cfg.Telegram.Timeout,
		Logger:  cmdCtx.Logger,
	})
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		dispatcher, dispErr := newDispatcher(data.NewJobResultRepo(db), client, cfg.Results, cmdCtx.Logger)
		if dispErr != nil {
			return dispErr
		}
		if deliverErr := dispatcher.Deliver(ctx, opts.JobID); deliverErr != nil {
			return deliverErr
		}
		cmdCtx.Logger.Info("result delivered", "prediction_id", opts.JobID)
		return nil
	})
}

func newDispatcher(
	results core.ResultStore,
	gateway core.MessagingGateway,
	cfg config.ResultsConfig,
	logger *slog.Logger,
) (*service.NotificationDispatcher, error) {
	return service.NewNotificationDispatcher(service.NotificationDispatcherOptions{
		Results: results,
		Gateway: gateway,
		Config: service.DispatcherConfig{
			Mode:   cfg.SummaryMode,
			Header: cfg.Header,
		},
		Logger: logger,
	})
}

func printQueueStats(w io.Writer, queue string, stats *data.QueueStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "QUEUE\tVISIBLE\tLEASED\tDEAD LETTERS\n"); err != nil {
		return err
	}
	if err := writef(tw, "%s\t%d\t%d\t%d\n", queue, stats.Visible, stats.Leased, stats.DeadLetters); err != nil {
		return err
	}
	return tw.Flush()
}

func printResult(w io.Writer, res *model.JobResult, mode model.SummaryMode) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"Prediction", res.JobID},
		{"Chat", fmt.Sprintf("%d", res.ChatID)},
		{"Source image", res.SourceImageKey},
		{"Annotated image", res.AnnotatedImageKey},
		{"Completed", res.CompletedAt.UTC().Format(time.RFC3339)},
		{"Detections", fmt.Sprintf("%d", len(res.Detections))},
	}
	for _, row := range rows {
		if err := writef(tw, "%s:\t%s\n", row[0], row[1]); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(res.Detections) > 0 {
		if err := writef(tw, "\nCLASS\tCX\tCY\tWIDTH\tHEIGHT\n"); err != nil {
			return err
		}
		for _, d := range res.Detections {
			if err := writef(tw, "%s\t%s\t%s\t%s\t%s\n", d.Class, d.CX, d.CY, d.Width, d.Height); err != nil {
				return err
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	return writef(w, "\nSummary:\n%s\n", res.Summary(mode))
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

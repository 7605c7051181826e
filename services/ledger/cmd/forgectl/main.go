package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"forged/pkg/bus"
	"forged/pkg/config"
	"forged/pkg/db"
	gos3 "forged/pkg/s3"
	"forged/pkg/telemetry"
	"forged/services/ledger"
	"forged/services/notify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env is loaded once per invocation by the root command.
type env struct {
	cfg    config.Config
	logger zerolog.Logger
}

func newRootCommand() *cobra.Command {
	e := &env{}
	cmd := &cobra.Command{
		Use:           "forgectl",
		Short:         "Operate the forged submission ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			e.cfg = cfg
			e.logger = telemetry.NewLogger("forgectl", cfg.Log.Level, cfg.Log.Format, os.Stderr)
			return nil
		},
	}

	cmd.AddCommand(newMigrateCommand(e))
	cmd.AddCommand(newRecordCommand(e))
	cmd.AddCommand(newTasksCommand(e))
	cmd.AddCommand(newNoticesCommand(e))
	cmd.AddCommand(newArchivesCommand(e))
	return cmd
}

func (e *env) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if e.cfg.DBDSN == "" {
		return nil, errors.New("DB_DSN is required")
	}
	pool, err := db.Open(ctx, e.cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return pool, nil
}

func (e *env) openStore(ctx context.Context) (*ledger.Store, func(), error) {
	pool, err := e.openPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := ledger.NewStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := e.openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "ledger is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %05d\n", v)
			}
			return nil
		},
	}
}

func newRecordCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "record",
		Short: "Consume pipeline events into the ledger until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if e.cfg.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}

			pool, err := e.openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			orm, err := db.Gorm(pool)
			if err != nil {
				return fmt.Errorf("open orm: %w", err)
			}
			writer, err := ledger.NewGormWriter(orm)
			if err != nil {
				return err
			}

			eventBus, err := bus.New(e.cfg.NATSURL, e.logger)
			if err != nil {
				return fmt.Errorf("connect bus: %w", err)
			}
			defer eventBus.Close()

			recorder, err := ledger.NewRecorder(eventBus, writer, e.logger)
			if err != nil {
				return err
			}
			if err := recorder.Start(ctx); err != nil {
				return err
			}
			defer recorder.Close()

			<-ctx.Done()
			e.logger.Info().Msg("recorder stopping")
			return nil
		},
	}
}

func newTasksCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect recorded submissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var (
		status string
		limit  int
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest submissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			rows, err := store.List(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			return printSubmissions(cmd.OutOrStdout(), rows)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only show submissions with this status (running, published, failed, unconfirmed, completed)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of rows")
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	cmd.AddCommand(list)
	return cmd
}

func printSubmissions(out io.Writer, rows []ledger.Submission) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tTASK\tROUND\tSTATUS\tSTAGE\tATTEMPTS\tREPO")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			r.CreatedAt.UTC().Format(time.RFC3339), r.Task, r.Round, r.Status, r.Stage, r.Attempts, r.RepoURL)
	}
	return tw.Flush()
}

func newNoticesCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notices",
		Short: "Evaluation notice operations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var (
		task  string
		actor string
	)
	resend := &cobra.Command{
		Use:   "resend",
		Short: "Deliver the stored notice of a task's latest run again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			dispatcher := notify.New(notify.Options{
				BaseDelay:   e.cfg.Notify.BaseDelay,
				MaxAttempts: e.cfg.Notify.MaxAttempts,
				Jitter:      e.cfg.Notify.Jitter,
				Client:      &http.Client{Timeout: e.cfg.Notify.Timeout},
			}, e.logger)

			outcome, err := ledger.Resend(cmd.Context(), store, dispatcher, task, actor)
			if err != nil {
				return err
			}
			if !outcome.Delivered {
				return fmt.Errorf("notice for %s not accepted after %d attempts", task, outcome.Attempts)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notice for %s delivered after %d attempt(s)\n", task, outcome.Attempts)
			return nil
		},
	}
	resend.Flags().StringVar(&task, "task", "", "Task name")
	resend.Flags().StringVar(&actor, "actor", defaultActor(), "Name recorded in the audit log")
	_ = resend.MarkFlagRequired("task")

	cmd.AddCommand(resend)
	return cmd
}

func newArchivesCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Bundle archive operations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var (
		task string
		ttl  time.Duration
	)
	url := &cobra.Command{
		Use:   "url",
		Short: "Print a presigned download URL for a task's latest archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ttl <= 0 || ttl > 7*24*time.Hour {
				return fmt.Errorf("ttl must be between 1s and 168h, got %s", ttl)
			}
			store, closeStore, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			archive, err := store.LatestArchive(cmd.Context(), task)
			if err != nil {
				return err
			}

			client, err := gos3.New(cmd.Context(), e.cfg.S3)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			signed, err := client.PresignGet(cmd.Context(), archive.Bucket, archive.Key, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	url.Flags().StringVar(&task, "task", "", "Task name")
	url.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "How long the URL stays valid")
	_ = url.MarkFlagRequired("task")

	cmd.AddCommand(url)
	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "forgectl"
}

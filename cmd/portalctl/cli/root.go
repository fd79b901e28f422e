// Package cli implements the portalctl admin commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/freelancehq/portal/internal/app"
	"github.com/freelancehq/portal/internal/billing"
	"github.com/freelancehq/portal/internal/clients"
	"github.com/freelancehq/portal/internal/notify"
	"github.com/freelancehq/portal/internal/platform/db"
	"github.com/freelancehq/portal/internal/shared"
	"github.com/freelancehq/portal/jobs"
)

var version = "dev"

// Reconciler is what the reconcile command drives.
type Reconciler interface {
	Reconcile(ctx context.Context, id int64) (billing.Result[*billing.Invoice], error)
	ReconcileOpen(ctx context.Context) (int, error)
}

// Env supplies the collaborators commands need. Tests replace the factories.
type Env struct {
	Out        io.Writer
	Config     func() (*app.Config, error)
	Jobs       func(cfg *app.Config) (*JobsCLI, error)
	Reconciler func(ctx context.Context, cfg *app.Config) (Reconciler, func(), error)
	Migrate    func(ctx context.Context, cfg *app.Config) error
}

// DefaultEnv wires commands to the real database and queue.
func DefaultEnv() Env {
	return Env{
		Out:    os.Stdout,
		Config: app.LoadConfig,
		Jobs: func(cfg *app.Config) (*JobsCLI, error) {
			return NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, cfg.IdempotencyRetention), nil
		},
		Reconciler: func(ctx context.Context, cfg *app.Config) (Reconciler, func(), error) {
			pool, err := db.New(ctx, cfg.PGDSN, 2)
			if err != nil {
				return nil, nil, err
			}
			logger := app.NewLogger(cfg)
			dispatcher := notify.NewDispatcher(notify.NewRepository(pool), nil, logger)
			svc := billing.NewService(
				billing.NewRepository(pool, shared.NewIdempotencyStore()),
				clients.NewService(clients.NewRepository(pool), dispatcher),
				dispatcher,
				billing.ServiceConfig{DefaultCurrency: cfg.DefaultCurrency, DefaultDueDays: cfg.DueDays, PortalBaseURL: cfg.PortalBaseURL},
				logger,
			)
			return svc, pool.Close, nil
		},
		Migrate: func(ctx context.Context, cfg *app.Config) error {
			pool, err := db.New(ctx, cfg.PGDSN, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.Migrate(ctx, pool)
		},
	}
}

// NewRootCommand builds the portalctl command tree.
func NewRootCommand(env Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Administer the client portal billing engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(env.Out)
	root.AddCommand(newMigrateCommand(env), newReconcileCommand(env), newJobsCommand(env))
	return root
}

// Execute runs portalctl and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand(DefaultEnv()).Execute(); err != nil {
		slog.Default().Error("portalctl failed", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newMigrateCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.Config()
			if err != nil {
				return err
			}
			if err := env.Migrate(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newReconcileCommand(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [invoice-id]",
		Short: "Re-derive invoice totals and status from items and payments",
		Long: `Re-derive stored totals and status from the invoice items and completed
payments, persisting only invoices that drifted.

Without an argument every invoice that is not cancelled is reconciled.
With --enqueue the work is handed to the worker instead.`,
		Example: `  portalctl reconcile
  portalctl reconcile 42
  portalctl reconcile --enqueue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.Config()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if enqueue, _ := cmd.Flags().GetBool("enqueue"); enqueue {
				if len(args) > 0 {
					return errors.New("--enqueue reconciles all open invoices and takes no invoice id")
				}
				return triggerJob(cmd.Context(), env, cfg, out, jobs.TaskReconcileInvoices)
			}

			svc, closeFn, err := env.Reconciler(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer closeFn()
			}
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid invoice id %q", args[0])
				}
				res, err := svc.Reconcile(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s (status %s, total %s)\n", res.Message, res.Data.Status, res.Data.Total.StringFixed(2))
				return nil
			}
			changed, err := svc.ReconcileOpen(cmd.Context())
			fmt.Fprintf(out, "%d invoice(s) reconciled\n", changed)
			return err
		},
	}
	cmd.Flags().Bool("enqueue", false, "Queue the reconciliation for the worker")
	return cmd
}

func newJobsCommand(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}

	trigger := &cobra.Command{
		Use:       "trigger <job>",
		Short:     "Enqueue a job with its default payload",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskReconcileInvoices, jobs.TaskIdempotencyCleanup},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.Config()
			if err != nil {
				return err
			}
			return triggerJob(cmd.Context(), env, cfg, cmd.OutOrStdout(), args[0])
		},
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue depth for every portal queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.Config()
			if err != nil {
				return err
			}
			jc, err := env.Jobs(cfg)
			if err != nil {
				return err
			}
			defer jc.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
			for _, q := range []string{jobs.QueueMail, jobs.QueueDefault} {
				stats, err := jc.InspectQueue(q)
				if err != nil {
					return fmt.Errorf("inspect %s: %w", q, err)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(trigger, inspect)
	return cmd
}

func triggerJob(ctx context.Context, env Env, cfg *app.Config, out io.Writer, name string) error {
	jc, err := env.Jobs(cfg)
	if err != nil {
		return err
	}
	defer jc.Close()
	info, err := jc.Trigger(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "enqueued %s as %s on queue %s\n", name, info.ID, info.Queue)
	return nil
}

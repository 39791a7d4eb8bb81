// Command mutuelle runs the eligibility and care-authorization core: the HTTP
// API, schema migrations and on-demand sweeps.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mutuelle/internal/directory"
	"mutuelle/internal/jobs"
	"mutuelle/internal/platform/config"
	"mutuelle/internal/platform/httpserver"
	"mutuelle/internal/platform/postgres"
	httptransport "mutuelle/internal/transport/http"
	id "mutuelle/pkg/domain"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "mutuelle",
		Short:         "Eligibility and care-voucher core for a mutual health insurer",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sweep scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Server.IdentitySigningKey == "" {
				return errors.New("server.identity_signing_key is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			opts, handlers := a.router()
			srv := httpserver.New(cfg.Server, httptransport.NewRouter(*opts, handlers...))

			scheduler := jobs.NewScheduler(a.jobs, a.logger)
			for name, spec := range map[jobs.Name]string{
				jobs.Reconciliation: cfg.Sweep.ReconcileSchedule,
				jobs.Expiry:         cfg.Sweep.ExpirySchedule,
				jobs.Settlements:    cfg.Sweep.SettlementSchedule,
			} {
				if err := scheduler.Add(name, spec); err != nil {
					return fmt.Errorf("schedule %s: %w", name, err)
				}
			}
			scheduler.Start()
			a.logger.Info("starting mutuelle", "postgres", a.db != nil, "redis", a.redis != nil)

			serveErr := httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout, a.logger)

			select {
			case <-scheduler.Stop().Done():
			case <-time.After(cfg.Server.ShutdownTimeout):
				a.logger.Warn("sweeps still running at shutdown deadline")
			}
			return serveErr
		},
	}
}

func migrateCmd() *cobra.Command {
	var seed string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema and optionally enroll a beneficiary roster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := postgres.Open(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			if db == nil {
				return errors.New("postgres.url is required")
			}
			defer db.Close()

			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")

			if seed == "" {
				seed = cfg.Directory.SeedFile
			}
			if seed == "" {
				return nil
			}
			roster, err := directory.LoadSeed(seed)
			if err != nil {
				return err
			}
			store := directory.NewPostgres(db)
			for _, b := range roster {
				if err := store.Enroll(ctx, b); err != nil {
					return fmt.Errorf("enroll %s: %w", b.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enrolled %d beneficiaries\n", len(roster))
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "TOML roster of beneficiaries to enroll (defaults to directory.seed_file)")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one background sweep now and print its summary",
	}

	var force bool
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the eligibility cache against the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd, jobs.Reconciliation, jobs.Params{Force: force})
		},
	}
	reconcileCmd.Flags().BoolVar(&force, "force", false, "Recompute every row regardless of age")

	cmd.AddCommand(reconcileCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "expiry",
		Short: "Expire vouchers past their validity window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd, jobs.Expiry, jobs.Params{})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "settlements",
		Short: "Resolve settlement records left pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd, jobs.Settlements, jobs.Params{})
		},
	})
	return cmd
}

func runSweep(cmd *cobra.Command, name jobs.Name, params jobs.Params) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.jobs.Run(ctx, name, params)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func tokenCmd() *cobra.Command {
	var (
		actor string
		role  string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an identity assertion for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Server.IdentitySigningKey == "" {
				return errors.New("server.identity_signing_key is required")
			}
			actorID, err := id.ParseActorID(actor)
			if err != nil {
				return err
			}
			r := id.Role(role)
			if !r.IsValid() {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := newIdentity(cfg).Issue(id.Actor{ID: actorID, Role: r}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Actor id (subject)")
	cmd.Flags().StringVar(&role, "role", string(id.RoleOperator), "Actor role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Assertion lifetime")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

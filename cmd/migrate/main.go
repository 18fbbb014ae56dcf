package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tourguide.org/internal/auth"
	"tourguide.org/internal/migrate"
	"tourguide.org/internal/store/pg"
)

const timeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dsn string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the tourguide access database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("dsn") {
				dsn = os.Getenv("TOURGUIDE_DATABASE_DSN")
			}
			if dsn == "" {
				return fmt.Errorf("missing DSN: provide --dsn or TOURGUIDE_DATABASE_DSN")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN")

	withStore := func(fn func(ctx context.Context, store *pg.Store) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			store, err := pg.Open(dsn)
			if err != nil {
				return err
			}
			defer store.Close()
			return fn(ctx, store)
		}
	}
	withManager := func(fn func(ctx context.Context, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
		return withStore(func(ctx context.Context, store *pg.Store) error {
			mgr, err := migrate.NewManager(store.DB())
			if err != nil {
				return err
			}
			return fn(ctx, mgr)
		})
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				return mgr.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				return mgr.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				statuses, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
				for _, s := range statuses {
					applied := "pending"
					if s.Applied {
						applied = s.AppliedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, s.Name, applied)
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Create the builtin permissions and roles",
			RunE: withStore(func(ctx context.Context, store *pg.Store) error {
				rbac, err := auth.NewRBACService(store, nil)
				if err != nil {
					return err
				}
				return rbac.EnsureBuiltins(ctx)
			}),
		},
	)
	return root
}

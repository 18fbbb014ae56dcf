package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tourguide.org/internal/remote"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "smoke: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		baseURL  string
		grpcAddr string
		email    string
		password string
	)
	cmd := &cobra.Command{
		Use:           "smoke",
		Short:         "Log in against a running access service and check every surface",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("TOURGUIDE_SMOKE_PASSWORD")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			c := remote.New(baseURL, nil)
			if err := c.DialGRPC(grpcAddr); err != nil {
				return fmt.Errorf("dial grpc %s: %w", grpcAddr, err)
			}
			defer c.Close()

			login, err := c.Login(ctx, email, password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			me, err := c.Me(ctx, login.Token)
			if err != nil {
				return fmt.Errorf("me: %w", err)
			}
			if me.Identity.ID != login.Identity.ID || !slices.IsSorted(me.Permissions) {
				return fmt.Errorf("unexpected identity document: %+v", me)
			}
			st, err := c.Health(ctx, login.Token)
			if err != nil {
				return fmt.Errorf("grpc health: %w", err)
			}
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("grpc health status %s", st)
			}
			if err := c.Logout(ctx, login.Token); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			if _, err := c.Me(ctx, login.Token); err == nil {
				return fmt.Errorf("token still valid after logout")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "smoke test passed: identity=%s permissions=%d\n", me.Identity.ID, len(me.Permissions))
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "HTTP API base URL")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "localhost:9090", "gRPC address")
	cmd.Flags().StringVar(&email, "email", "admin@example.com", "login email")
	cmd.Flags().StringVar(&password, "password", "", "login password (or TOURGUIDE_SMOKE_PASSWORD)")
	return cmd
}

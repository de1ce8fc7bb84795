// Command gatewayctl is the operator CLI for the query gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vnmchuo/query-gateway/internal/billing"
	"github.com/vnmchuo/query-gateway/internal/credential"
)

func main() {
	if err := newRootCmd(defaultDeps()).Execute(); err != nil {
		os.Exit(1)
	}
}

// deps are the outside resources commands reach for, swapped in tests.
type deps struct {
	credentials    credential.Store
	openUsageStore func(ctx context.Context) (billing.Store, func(), error)
}

func defaultDeps() deps {
	_ = godotenv.Load()
	return deps{
		credentials: credential.NewEnvStore(),
		openUsageStore: func(ctx context.Context) (billing.Store, func(), error) {
			dsn := os.Getenv("POSTGRES_DSN")
			if dsn == "" {
				return nil, nil, fmt.Errorf("POSTGRES_DSN is required")
			}
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to connect postgres: %w", err)
			}
			return billing.NewPostgresStore(pool), pool.Close, nil
		},
	}
}

func newRootCmd(d deps) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operate the query gateway: validate provider catalogs, inspect tenant usage",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(
		newCatalogCmd(d),
		newUsageCmd(d),
	)
	return rootCmd
}

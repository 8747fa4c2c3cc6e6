package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startContainer launches a disposable PostgreSQL container and returns its
// connection string. Containers are opt-in via PGTEST_CONTAINER=1 so plain
// `go test` runs stay fast on machines without Docker.
func startContainer(t *testing.T) string {
	t.Helper()

	if os.Getenv("PGTEST_CONTAINER") == "" {
		t.Skip("POSTGRES_URL not set and PGTEST_CONTAINER not enabled, skipping integration test")
	}

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("console_test"),
		tcpostgres.WithUsername("console"),
		tcpostgres.WithPassword("console"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("pgtest: start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(ctr)
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return dsn
}

//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/db"
)

var (
	testFills     *db.FillsDB
	testReports   *db.ReportsDB
	testContainer *tcclickhouse.ClickHouseContainer
	testLogger    *zap.Logger
)

// TestMain starts a ClickHouse container and initializes both databases, then
// runs every integration test against them.
func TestMain(m *testing.M) {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	ctx := context.Background()

	var err error
	testLogger, err = zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		exitCode = 1
		return
	}

	if !isDockerAvailable() {
		fmt.Println("Docker not available, skipping integration tests")
		exitCode = 0
		return
	}

	testLogger.Info("Starting ClickHouse container...")
	testContainer, err = tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.1",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		tcclickhouse.WithDatabase("default"),
	)
	if err != nil {
		testLogger.Error("Failed to start ClickHouse container", zap.Error(err))
		exitCode = 1
		return
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		testLogger.Error("Failed to get container host", zap.Error(err))
		cleanup(ctx)
		exitCode = 1
		return
	}

	port, err := testContainer.MappedPort(ctx, "9000/tcp")
	if err != nil {
		testLogger.Error("Failed to get container port", zap.Error(err))
		cleanup(ctx)
		exitCode = 1
		return
	}

	dsn := fmt.Sprintf("clickhouse://%s:%s?sslmode=disable", host, port.Port())
	os.Setenv("CLICKHOUSE_ADDR", dsn)
	os.Setenv("FILLS_DB", "test_fillx_fills")
	os.Setenv("REPORTS_DB", "test_fillx_reports")

	testLogger.Info("ClickHouse container started",
		zap.String("host", host),
		zap.String("port", port.Port()),
		zap.String("dsn", dsn),
	)

	testFills, testReports, err = db.NewBasicDbs(ctx, testLogger, "integration")
	if err != nil {
		testLogger.Error("Failed to connect to ClickHouse", zap.Error(err))
		cleanup(ctx)
		exitCode = 1
		return
	}

	testLogger.Info("Initializing database schema...")
	if err := testFills.InitializeDB(ctx); err != nil {
		testLogger.Error("Failed to initialize fills database", zap.Error(err))
		cleanup(ctx)
		exitCode = 1
		return
	}
	if err := testReports.InitializeDB(ctx); err != nil {
		testLogger.Error("Failed to initialize reports database", zap.Error(err))
		cleanup(ctx)
		exitCode = 1
		return
	}

	testLogger.Info("Databases initialized successfully")

	exitCode = m.Run()

	cleanup(ctx)
}

// cleanup terminates the container and closes database connections
func cleanup(ctx context.Context) {
	if testFills != nil {
		if err := testFills.Close(); err != nil {
			testLogger.Error("Failed to close fills connection", zap.Error(err))
		}
	}
	if testReports != nil {
		if err := testReports.Close(); err != nil {
			testLogger.Error("Failed to close reports connection", zap.Error(err))
		}
	}

	if testContainer != nil {
		testLogger.Info("Terminating ClickHouse container...")
		terminateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if err := testContainer.Terminate(terminateCtx); err != nil {
			testLogger.Error("Failed to terminate container", zap.Error(err))
		}
	}
}

// isDockerAvailable checks if Docker is available on the system
func isDockerAvailable() bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	return true
}

// cleanDB truncates every table so each test starts from an empty pipeline.
func cleanDB(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	fillsTables := []string{"fills", "fills_staging", "partitions"}
	for _, table := range fillsTables {
		q := fmt.Sprintf(`TRUNCATE TABLE IF EXISTS "%s"."%s"`, testFills.Name, table)
		if err := testFills.Exec(ctx, q); err != nil {
			t.Logf("Warning: failed to truncate %s: %v", table, err)
		}
	}

	reportTables := []string{"daily_user_volume", "user_first_trade", "daily_metrics", "generations"}
	for _, table := range reportTables {
		q := fmt.Sprintf(`TRUNCATE TABLE IF EXISTS "%s"."%s"`, testReports.Name, table)
		if err := testReports.Exec(ctx, q); err != nil {
			t.Logf("Warning: failed to truncate %s: %v", table, err)
		}
	}
}

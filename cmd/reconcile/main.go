package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/reconcile"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/internal/config"
)

func main() {
	var (
		full     bool
		lookback time.Duration
		timeout  time.Duration
	)

	flag.BoolVar(&full, "full", false, "Scan the whole version log instead of the lookback window")
	flag.DurationVar(&lookback, "lookback", 0, "Override the lookback window (e.g. 48h)")
	flag.DurationVar(&timeout, "timeout", 30*time.Minute, "Abort the pass after this long")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.NewConfig(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}
	if full {
		cfg.Reconcile.Lookback = 0
	} else if lookback > 0 {
		cfg.Reconcile.Lookback = lookback
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN())))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	gateway, err := graph.Dial(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connect to graph store: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer gateway.Close(context.Background())

	if err := gateway.VerifyConnectivity(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	versions := versionlog.NewRepository(db, logger)
	rec := reconcile.NewReconciler(versions, gateway, cfg, logger)

	report, err := rec.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reconciliation pass failed: %v\n", err)
		os.Exit(1)
	}

	printReport(report)

	if report.Failures > 0 {
		os.Exit(1)
	}
}

func printReport(r *reconcile.Report) {
	fmt.Println("\n=== Reconciliation Report ===")
	fmt.Printf("Nodes checked:     %d\n", r.NodesChecked)
	fmt.Printf("Edges checked:     %d\n", r.EdgesChecked)
	fmt.Printf("Nodes repaired:    %d created, %d updated, %d deleted\n", r.NodesCreated, r.NodesUpdated, r.NodesDeleted)
	fmt.Printf("Edges repaired:    %d created, %d updated, %d deleted\n", r.EdgesCreated, r.EdgesUpdated, r.EdgesDeleted)
	fmt.Printf("Failures:          %d\n", r.Failures)
	fmt.Printf("Elapsed:           %s\n", r.Elapsed)
	fmt.Println("=============================")
}

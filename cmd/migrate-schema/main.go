package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"

	"github.com/agoramaps/agora.graph/internal/migrate"
)

func main() {
	cmd := flag.String("cmd", "", "Command: up, up-to, down, status, version (required)")
	toVersion := flag.Int64("to", 0, "Target version for up-to")
	flag.Parse()

	if *cmd == "" {
		fmt.Println("Usage: migrate-schema -cmd <up|up-to|down|status|version> [-to <version>]")
		fmt.Println("\nExamples:")
		fmt.Println("  migrate-schema -cmd up")
		fmt.Println("  migrate-schema -cmd up-to -to 2")
		fmt.Println("  migrate-schema -cmd status")
		os.Exit(1)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dbHost := getEnv("POSTGRES_HOST", "localhost")
		dbPort := getEnv("POSTGRES_PORT", "5432")
		dbUser := getEnv("POSTGRES_USER", "agora")
		dbPass := getEnv("POSTGRES_PASSWORD", "agora")
		dbName := getEnv("POSTGRES_DB", "agora")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPass, dbHost, dbPort, dbName)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Printf("Error: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	migrator := migrate.NewMigrator(db, logger)
	ctx := context.Background()

	switch *cmd {
	case "up":
		err = migrator.Up(ctx)
	case "up-to":
		if *toVersion <= 0 {
			fmt.Println("Error: -to <version> is required for up-to")
			os.Exit(1)
		}
		err = migrator.UpTo(ctx, *toVersion)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	case "version":
		var v int64
		v, err = migrator.Version(ctx)
		if err == nil {
			fmt.Printf("Current version: %d\n", v)
		}
	default:
		fmt.Printf("Error: unknown command %q\n", *cmd)
		os.Exit(1)
	}

	if err != nil {
		logger.Error("migration command failed", zap.String("cmd", *cmd), zap.Error(err))
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

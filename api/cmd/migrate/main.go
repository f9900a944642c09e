package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/prebuildd/api/db"
	"github.com/splax/prebuildd/api/internal/app/migrate"
	"github.com/splax/prebuildd/pkg/config"
	"github.com/splax/prebuildd/pkg/logger"
)

const usage = `usage: migrate [-timeout 1m] <command>

commands:
  up              apply pending migrations
  status          list migrations and their state
  down [version]  roll back the latest migration, or down to version
`

func main() {
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}
	var target int64
	if command == "down" && flag.NArg() > 1 {
		v, err := strconv.ParseInt(flag.Arg(1), 10, 64)
		if err != nil || v < 0 {
			fmt.Fprintf(os.Stderr, "invalid target version %q\n", flag.Arg(1))
			os.Exit(2)
		}
		target = v
	}

	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, db.Migrations, db.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Ping(ctx); err != nil {
		log.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	switch command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, target)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

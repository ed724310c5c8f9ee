package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"agentvoice.io/internal/migrate"
	"agentvoice.io/internal/obs"
	"agentvoice.io/ops/migrations"
)

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("AGENTVOICE_PG_DSN"), "PostgreSQL DSN")
		dir       = flag.String("dir", "", "Read migrations from this directory instead of the embedded set")
		logFormat = flag.String("log-format", "console", "Log format (json or console)")
	)
	flag.Parse()

	log, err := obs.NewLogger(*logFormat, "info")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or AGENTVOICE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	var fsys fs.FS = migrations.FS
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, fsys, migrations.Dir, migrations.SeedsDir, migrate.WithLogger(log))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil && len(applied) == 0 {
			log.Info("schema up to date")
		}
	case "down":
		_, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNoMigrations) {
			log.Info("nothing to roll back")
			err = nil
		}
	case "seed":
		_, err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		log.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}

// Package main 提供库存台账表结构的迁移命令行工具
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/config"
	"github.com/MorseWayne/stock_reserve/internal/database"
	"github.com/MorseWayne/stock_reserve/internal/logger"
)

var errUsage = errors.New("usage")

const usage = `Usage: %s -action=[up|down|goto|force|status] [options]

Actions:
  up       apply all pending migrations
  down     roll back -steps migrations
  goto     migrate up or down to -target
  force    set -target as current version and clear the dirty flag
  status   print the current version

Options:
`

type options struct {
	action string
	steps  int
	target uint
	dir    string
}

func main() {
	var opts options
	flag.StringVar(&opts.action, "action", "up", "migration action: up, down, goto, force, status")
	flag.IntVar(&opts.steps, "steps", 1, "number of migrations to roll back")
	flag.UintVar(&opts.target, "target", 0, "target version for goto or force")
	flag.StringVar(&opts.dir, "dir", "", "migrations directory, defaults to MIGRATIONS_DIR")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(opts); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		log.Fatalf("migrate: %v", err)
	}
}

func run(opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.dir == "" {
		opts.dir = cfg.Migrations.Dir
	}

	lg, err := logger.New(cfg.App.Env, cfg.Log.Level, cfg.Log.Encoding, "migrate", cfg.App.Version)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	db, err := database.New(cfg, lg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			lg.Error("failed to close database", zap.Error(err))
		}
	}()

	lg = lg.With(zap.String("action", opts.action), zap.String("dir", opts.dir))
	switch opts.action {
	case "up":
		err = db.RunMigrations(opts.dir)
	case "down":
		if opts.steps <= 0 {
			return fmt.Errorf("%w: -steps must be positive", errUsage)
		}
		err = db.MigrateDown(opts.dir, opts.steps)
	case "goto":
		if opts.target == 0 {
			return fmt.Errorf("%w: -target is required for goto", errUsage)
		}
		err = db.MigrateToVersion(opts.dir, opts.target)
	case "force":
		// 版本 0 表示回到未迁移状态
		lg.Warn("forcing migration version, dirty state will be cleared", zap.Uint("target", opts.target))
		err = db.ForceMigrationVersion(opts.dir, opts.target)
	case "status":
		v, dirty, verr := db.MigrationVersion(opts.dir)
		if verr != nil {
			return verr
		}
		fmt.Printf("version=%d dirty=%t\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", errUsage, opts.action)
	}
	if err != nil {
		return err
	}
	lg.Info("migration finished")
	return nil
}

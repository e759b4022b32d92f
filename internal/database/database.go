// Package database 提供 MySQL 连接池与 schema 迁移功能。
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/config"
)

// DB 封装数据库连接
type DB struct {
	*sql.DB
	logger *zap.Logger
	dsn    string
}

// DSN 根据配置构造 MySQL DSN
func DSN(cfg config.DatabaseConfig) string {
	c := driver.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c.DBName = cfg.DBName
	c.ParseTime = true
	c.Loc = time.Local
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}

// New 创建数据库连接
func New(cfg *config.Config, logger *zap.Logger) (*DB, error) {
	dsn := DSN(cfg.Database)

	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// 配置连接池
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.DBName),
	)

	return &DB{DB: sqlDB, logger: logger, dsn: dsn}, nil
}

// newMigrate 基于独立连接创建 migrate 实例，避免迁移出错时影响主连接池。
// 调用方负责调用返回的 closeFn。
func (db *DB) newMigrate(migrationsDir string) (*migrate.Migrate, func(), error) {
	migrateSQLDB, err := sql.Open("mysql", db.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database for migration: %w", err)
	}

	drv, err := migratemysql.WithInstance(migrateSQLDB, &migratemysql.Config{})
	if err != nil {
		_ = migrateSQLDB.Close()
		return nil, nil, fmt.Errorf("create mysql driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "mysql", drv)
	if err != nil {
		_ = migrateSQLDB.Close()
		return nil, nil, fmt.Errorf("create migrate instance: %w", err)
	}

	closeFn := func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			db.logger.Warn("close migrate instance", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}
	return m, closeFn, nil
}

// currentVersion 返回当前版本，处于脏状态时报错
func currentVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("database is in dirty state at version %d, please check and fix manually", v)
	}
	return v, nil
}

// RunMigrations 执行所有待执行的向上迁移
func (db *DB) RunMigrations(migrationsDir string) error {
	m, closeFn, err := db.newMigrate(migrationsDir)
	if err != nil {
		return err
	}
	defer closeFn()

	from, err := currentVersion(m)
	if err != nil {
		return err
	}
	db.logger.Info("current migration version", zap.Uint("version", from))

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			db.logger.Info("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	to, _, _ := m.Version()
	db.logger.Info("migrations completed successfully", zap.Uint("from_version", from), zap.Uint("to_version", to))
	return nil
}

// MigrateDown 回滚 steps 个版本，生产环境慎用
func (db *DB) MigrateDown(migrationsDir string, steps int) error {
	m, closeFn, err := db.newMigrate(migrationsDir)
	if err != nil {
		return err
	}
	defer closeFn()

	from, err := currentVersion(m)
	if err != nil {
		return err
	}
	db.logger.Info("starting migration rollback", zap.Uint("current_version", from), zap.Int("steps", steps))

	if err := m.Steps(-steps); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}

	to, _, _ := m.Version()
	db.logger.Info("migration rollback completed", zap.Uint("from_version", from), zap.Uint("to_version", to))
	return nil
}

// MigrateToVersion 迁移到指定版本
func (db *DB) MigrateToVersion(migrationsDir string, version uint) error {
	m, closeFn, err := db.newMigrate(migrationsDir)
	if err != nil {
		return err
	}
	defer closeFn()

	from, err := currentVersion(m)
	if err != nil {
		return err
	}

	if err := m.Migrate(version); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			db.logger.Info("already at target version", zap.Uint("version", version))
			return nil
		}
		return fmt.Errorf("migrate to version %d: %w", version, err)
	}

	db.logger.Info("migration to version completed", zap.Uint("from_version", from), zap.Uint("to_version", version))
	return nil
}

// ForceMigrationVersion 强制设置版本以清除脏状态，仅用于人工修复
func (db *DB) ForceMigrationVersion(migrationsDir string, version uint) error {
	m, closeFn, err := db.newMigrate(migrationsDir)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("force migration version: %w", err)
	}
	db.logger.Info("migration version forced successfully", zap.Uint("version", version))
	return nil
}

// MigrationVersion 返回当前迁移版本与脏标记，尚未迁移时版本为 0
func (db *DB) MigrationVersion(migrationsDir string) (uint, bool, error) {
	m, closeFn, err := db.newMigrate(migrationsDir)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get current version: %w", err)
	}
	return v, dirty, nil
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package connectors

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rapidaai/voice-engine/pkg/commons"
)

// SqliteConnector hands out gorm handles on an embedded sqlite database.
// The engine and the outbound worker write concurrently while the admin API
// reads, so the database runs in WAL mode with a busy timeout. Callers must
// keep transactions short and never hold one across network I/O.
type SqliteConnector interface {
	DB(ctx context.Context) *gorm.DB
	Close() error
}

type sqliteConnector struct {
	db     *gorm.DB
	logger commons.Logger
}

// SqliteConfig configures the embedded database.
type SqliteConfig struct {
	Path          string `mapstructure:"path" validate:"required"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// NewSqliteConnector opens (or creates) the database at cfg.Path in WAL mode.
func NewSqliteConnector(cfg SqliteConfig, logger commons.Logger) (SqliteConnector, error) {
	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL", cfg.Path, busy)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite pool: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY churn
	// between the engine and the outbound worker.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	logger.Infof("sqlite connector ready: path=%s journal=WAL busy_timeout=%dms", cfg.Path, busy)
	return &sqliteConnector{db: db, logger: logger}, nil
}

func (c *sqliteConnector) DB(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx)
}

func (c *sqliteConnector) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

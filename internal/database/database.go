package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"event-certs/certificate-backend/internal/config"
)

// Handles holds both views of the same database: sqlx for the certificate
// records and gorm for the signer roster and audit trail.
type Handles struct {
	SQLX *sqlx.DB
	Gorm *gorm.DB
}

// Open connects and pings within ctx.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Handles, error) {
	db, err := OpenSQLX(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g, err := OpenGorm(db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Connected to database",
		zap.String("driver", cfg.Driver),
		zap.String("host", cfg.Host),
		zap.String("db_name", cfg.DBName))
	return &Handles{SQLX: db, Gorm: g}, nil
}

// OpenSQLX opens the configured driver and applies pool limits.
func OpenSQLX(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.GetDatabaseURL()
	if cfg.Driver == "sqlite3" {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == "sqlite3" {
		// one writer avoids SQLITE_BUSY under concurrent signing
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// OpenGorm wraps an existing connection pool so both layers share it.
func OpenGorm(db *sqlx.DB, driver string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.New(postgres.Config{Conn: db.DB})
	case "sqlite3":
		dialector = sqlite.Dialector{Conn: db.DB}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	g, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return g, nil
}

// Close closes the shared pool.
func (h *Handles) Close() error {
	return h.SQLX.Close()
}

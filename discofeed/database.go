package discofeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/arcward/discofeed/feedmachine"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
)

// CreateDB opens the database and creates or migrates the feed schema.
// Queries are logged at WARN and above.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(slog.LevelWarn)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := openDB(ctx, databaseType, database, newGORMLogger(handler, 500*time.Millisecond))
	if err != nil {
		return nil, err
	}

	store := feedmachine.NewGormStore(db, feedmachine.WithStoreLogger(dbLogger))
	if err = store.Migrate(ctx); err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// OpenFeedStore opens the configured database, migrates it, and returns
// the feed store backed by it. Closing the store closes the database.
func OpenFeedStore(ctx context.Context, config *Config) (*feedmachine.GormStore, error) {
	handler := newLogHandler(config.DatabaseLogLevel)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	db, err := openDB(
		ctx,
		config.DatabaseType,
		config.Database,
		newGORMLogger(handler, config.DatabaseSlowThreshold),
	)
	if err != nil {
		return nil, err
	}

	store := feedmachine.NewGormStore(
		db,
		feedmachine.WithStoreLogger(dbLogger),
		feedmachine.WithConcurrentWrites(config.DatabaseType == dbTypePostgres),
	)

	dbLogger.DebugContext(ctx, "migrating database...")
	if err = store.Migrate(ctx); err != nil {
		dbLogger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return nil, errors.Join(
			fmt.Errorf("error migrating database: %w", err),
			store.Close(),
		)
	}
	dbLogger.DebugContext(ctx, "finished migrating database")
	return store, nil
}

// openDB opens a connection and, for sqlite, limits the pool to a
// single connection and applies [sqliteExecPragma]
func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger logger.Interface,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if databaseType != dbTypeSQLite {
		return db, nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
		return nil, errors.Join(pragmaErr, sqlDB.Close())
	}
	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger logger.Interface,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

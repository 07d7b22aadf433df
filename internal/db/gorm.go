package db

import (
	"fmt"
	"time"

	"plume-collab/internal/config"
	"plume-collab/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm connects to the database named by cfg.DBDriver and migrates the schema.
func NewGorm(cfg *config.Config, log zerolog.Logger) (*GormDB, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath, log)
	case "postgres", "":
		return open(postgres.Open(cfg.DatabaseURL()), log)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}
}

// OpenSQLite opens a SQLite database; ":memory:" gives a private in-memory one.
// SQLite allows one writer, so the pool is limited to a single connection.
func OpenSQLite(path string, log zerolog.Logger) (*GormDB, error) {
	gdb, err := open(sqlite.Open(path), log)
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

func open(dialector gorm.Dialector, log zerolog.Logger) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(gormWriter{log}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// GORM creates or alters tables to match the model structs.
	if err := db.AutoMigrate(
		&models.Project{},
		&models.Scene{},
		&models.SceneVersion{},
		&models.RoomSnapshot{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Str("dialect", dialector.Name()).Msg("database connected and migrated")

	return &GormDB{db}, nil
}

// gormWriter routes GORM's slow query and error lines into zerolog.
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn().Str("component", "gorm").Msgf(format, args...)
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

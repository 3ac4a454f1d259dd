package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
)

// SQLiteStore implements Interface for SQLite
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// Open sets up the SQLite database connection and migrates the schema.
func (store *SQLiteStore) Open() error {
	path := store.Settings.Database.SQLite.Path
	if path == "" {
		return errors.Newf("sqlite path is empty").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return errors.New(fmt.Errorf("failed to create database directory: %w", err)).
					Component("datastore").
					Category(errors.CategoryFileIO).
					Build()
			}
		}
	}

	log := store.Logger.Module("sqlite")
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, store.Settings.Database.SlowThreshold),
	})
	if err != nil {
		return dbError(fmt.Errorf("failed to open SQLite database: %w", err), "open").Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "open").Build()
	}
	// single writer avoids SQLITE_BUSY between the training runner and foreground commands
	sqlDB.SetMaxOpenConns(1)

	store.DB = db
	if err := performAutoMigration(db, log, "sqlite"); err != nil {
		return err
	}
	log.Debug("sqlite database opened", logger.String("path", path))
	return nil
}

// Close closes the SQLite database connection.
func (store *SQLiteStore) Close() error {
	return store.closeDB()
}

// sqliteDSN enables foreign key enforcement so ON DELETE rules apply.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

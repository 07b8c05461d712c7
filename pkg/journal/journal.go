// Package journal keeps a SQLite record of TEI management, link and error
// events for later diagnosis. Nothing is restored from it.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"avaneesh/lapd-go/pkg/internal/logger"
)

var ErrNilEvent = errors.New("event cannot be nil")

// Journal wraps the GORM database instance
type Journal struct {
	db   *gorm.DB
	path string
	now  func() time.Time
}

// gormWriter forwards GORM warnings to the package logger
type gormWriter struct {
	log logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn(format, args...)
}

// Open opens or creates the journal at path with the pure Go SQLite driver
func Open(path string, log logger.Logger) (*Journal, error) {
	gormLog := gormlogger.Default.LogMode(gormlogger.Silent)
	if log != nil {
		gormLog = gormlogger.New(gormWriter{log: log}, gormlogger.Config{
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		})
	}

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" journals coherent and serializes writers
	sqlDB.SetMaxOpenConns(1)

	if err := configureSQLite(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := db.AutoMigrate(&Event{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	if log != nil {
		log.Info("Journal opened: %s", path)
	}
	return &Journal{db: db, path: path, now: time.Now}, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Record stores an event. A zero timestamp is set to the current time;
// timestamps are stored in UTC.
func (j *Journal) Record(ev *Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	if ev.At.IsZero() {
		ev.At = j.now()
	}
	ev.At = ev.At.UTC()
	return j.db.Create(ev).Error
}

// Recent returns up to limit events, newest first
func (j *Journal) Recent(limit int) ([]Event, error) {
	var events []Event
	err := j.db.Order("id desc").Limit(limit).Find(&events).Error
	return events, err
}

// ByInterface returns up to limit events of one interface, newest first
func (j *Journal) ByInterface(name string, limit int) ([]Event, error) {
	var events []Event
	err := j.db.Where("interface = ?", name).Order("id desc").Limit(limit).Find(&events).Error
	return events, err
}

// CountByKind returns the number of events of the given kind
func (j *Journal) CountByKind(kind Kind) (int64, error) {
	var n int64
	err := j.db.Model(&Event{}).Where("kind = ?", kind).Count(&n).Error
	return n, err
}

// Prune deletes events recorded before t
func (j *Journal) Prune(before time.Time) (int64, error) {
	res := j.db.Where("at < ?", before.UTC()).Delete(&Event{})
	return res.RowsAffected, res.Error
}

// Path returns the database path
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database connection
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SchemaVersion is bumped whenever a model changes shape.
const SchemaVersion = 1

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func NewDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "" || driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		// Enable WAL mode for concurrent read/write
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaVersionRecord{}); err != nil {
		return fmt.Errorf("auto migrate schema_versions: %w", err)
	}

	var current SchemaVersionRecord
	err := db.Order("version DESC").First(&current).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case current.Version > SchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", current.Version, SchemaVersion)
	case current.Version == SchemaVersion:
		return nil
	}

	if err := db.AutoMigrate(
		&PriceTick{},
		&BalanceRecord{},
		&PlanRecord{},
		&RunLog{},
		&TradeEvent{},
		&NAVSnapshot{},
		&Order{},
		&Lot{},
		&LotMatch{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	return db.Create(&SchemaVersionRecord{Version: SchemaVersion, AppliedAt: time.Now().UTC()}).Error
}

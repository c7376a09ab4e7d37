package main

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// dataStore owns the domains and dead_letters tables. SQLite for single-node
// deployments, MySQL when several nodes share one datastore.
type dataStore struct {
	db *gorm.DB
}

func newDataStore(cfg datastoreConfig) (*dataStore, error) {
	var (
		db      *gorm.DB
		dialect string
		err     error
	)
	switch cfg.Type {
	case "mysql":
		dialect = "mysql"
		db, err = gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	default:
		dialect = "sqlite3"
		db, err = gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sql db: %w", err)
	}

	if err := runMigrations(sqlDB, dialect); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &dataStore{db: db}, nil
}

func runMigrations(db *sql.DB, dialect string) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// getDomain returns nil when the zone is unknown.
func (s *dataStore) getDomain(name string) (*domainRecord, error) {
	var rec domainRecord
	err := s.db.First(&rec, "zone_name = ?", normalizeDomain(name)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup domain: %w", err)
	}
	return &rec, nil
}

// upsertZone writes a zone row after a successful backend dispatch.
// zone_updated_at never regresses: stale writes are dropped.
func (s *dataStore) upsertZone(name, hostname, username, zoneData string, at time.Time) error {
	name = normalizeDomain(name)

	var existing domainRecord
	err := s.db.First(&existing, "zone_name = ?", name).Error
	if err == nil && existing.ZoneUpdatedAt.After(at) {
		return nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("lookup domain: %w", err)
	}

	model := domainRecord{
		ZoneName:               name,
		UpstreamServerHostname: hostname,
		UpstreamUsername:       username,
		ManagedBy:              "directadmin",
		ZoneData:               zoneData,
		ZoneUpdatedAt:          at,
	}
	if err := s.db.Save(&model).Error; err != nil {
		return fmt.Errorf("save domain: %w", err)
	}
	return nil
}

// updateOwnership records an ownership transfer without touching zone data.
func (s *dataStore) updateOwnership(name, hostname, username string) error {
	err := s.db.Model(&domainRecord{}).
		Where("zone_name = ?", normalizeDomain(name)).
		Updates(map[string]any{
			"upstream_server_hostname": hostname,
			"upstream_username":        username,
		}).Error
	if err != nil {
		return fmt.Errorf("update ownership: %w", err)
	}
	return nil
}

func (s *dataStore) deleteDomain(name string) error {
	err := s.db.Delete(&domainRecord{}, "zone_name = ?", normalizeDomain(name)).Error
	if err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	return nil
}

func (s *dataStore) listDomains() ([]domainRecord, error) {
	var recs []domainRecord
	if err := s.db.Order("zone_name").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return recs, nil
}

func (s *dataStore) countDomains() (int64, error) {
	var n int64
	if err := s.db.Model(&domainRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count domains: %w", err)
	}
	return n, nil
}

func (s *dataStore) insertDeadLetter(dl deadLetter) error {
	if err := s.db.Create(&dl).Error; err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *dataStore) countDeadLetters() (int64, error) {
	var n int64
	if err := s.db.Model(&deadLetter{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (s *dataStore) listDeadLetters(limit int) ([]deadLetter, error) {
	var dls []deadLetter
	query := s.db.Order("last_failure desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&dls).Error; err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return dls, nil
}

func (s *dataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

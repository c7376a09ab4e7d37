package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// mysqlBackend writes zones into the PowerDNS generic-MySQL schema
// (domains + records), which the CoreDNS mysql plugin reads as well. One row
// per resource record, names absolute without the trailing dot, MX/SRV
// priority split into prio.
type mysqlBackend struct {
	name string
	db   *sqlx.DB
}

const pdnsSchema = `
CREATE TABLE IF NOT EXISTS domains (
    id INT AUTO_INCREMENT PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    master VARCHAR(128) DEFAULT NULL,
    last_check INT DEFAULT NULL,
    type VARCHAR(6) NOT NULL DEFAULT 'NATIVE',
    notified_serial INT DEFAULT NULL,
    account VARCHAR(40) DEFAULT NULL,
    UNIQUE KEY name_index (name)
);
CREATE TABLE IF NOT EXISTS records (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    domain_id INT NOT NULL,
    name VARCHAR(255) DEFAULT NULL,
    type VARCHAR(10) DEFAULT NULL,
    content TEXT DEFAULT NULL,
    ttl INT DEFAULT NULL,
    prio INT DEFAULT NULL,
    change_date INT DEFAULT NULL,
    disabled TINYINT(1) NOT NULL DEFAULT 0,
    ordername VARCHAR(255) DEFAULT NULL,
    auth TINYINT(1) NOT NULL DEFAULT 1,
    KEY domain_id (domain_id),
    KEY name_type_index (name, type)
);`

func newMySQLBackend(name string, cfg backendConfig) (*mysqlBackend, error) {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.Username, cfg.Password, cfg.Host, port, cfg.Database)
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(5 * time.Minute)

	backend := &mysqlBackend{name: name, db: db}
	if err := backend.ensureSchema(); err != nil {
		return nil, err
	}
	return backend, nil
}

// newMySQLBackendWithDB wraps an existing connection, used by tests.
func newMySQLBackendWithDB(name string, db *sqlx.DB) *mysqlBackend {
	return &mysqlBackend{name: name, db: db}
}

func (b *mysqlBackend) ensureSchema() error {
	for _, stmt := range splitStatements(pdnsSchema) {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: ensure schema: %w", b.name, err)
		}
	}
	return nil
}

func (b *mysqlBackend) Name() string {
	return b.name
}

type recordRow struct {
	ID      int64         `db:"id"`
	Name    string        `db:"name"`
	Type    string        `db:"type"`
	Content string        `db:"content"`
	TTL     sql.NullInt64 `db:"ttl"`
	Prio    sql.NullInt64 `db:"prio"`
}

func (r recordRow) key() string {
	return fmt.Sprintf("%s|%s|%d|%s", r.Name, r.Type, r.Prio.Int64, r.Content)
}

func (b *mysqlBackend) WriteZone(ctx context.Context, zoneName, zoneData string) error {
	zoneName = normalizeDomain(zoneName)
	entries, err := parseZoneEntries(zoneData, zoneName)
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", b.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	domainID, err := ensureDomainRow(ctx, tx, zoneName)
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}

	var existing []recordRow
	err = tx.SelectContext(ctx, &existing,
		"SELECT id, name, type, content, ttl, prio FROM records WHERE domain_id = ?", domainID)
	if err != nil {
		return fmt.Errorf("%s: load records: %w", b.name, err)
	}
	existingByKey := make(map[string]recordRow, len(existing))
	for _, row := range existing {
		existingByKey[row.key()] = row
	}

	now := time.Now().Unix()
	desired := make(map[string]bool, len(entries))
	for _, entry := range entries {
		key := entryKey(entry)
		desired[key] = true
		if row, ok := existingByKey[key]; ok {
			if row.TTL.Int64 != int64(entry.TTL) {
				_, err = tx.ExecContext(ctx,
					"UPDATE records SET ttl = ?, change_date = ?, disabled = 0 WHERE id = ?",
					entry.TTL, now, row.ID)
				if err != nil {
					return fmt.Errorf("%s: update record: %w", b.name, err)
				}
			}
			continue
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO records (domain_id, name, type, content, ttl, prio, change_date, disabled, auth) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)",
			domainID, entry.Name, entry.Type, entry.Content, entry.TTL, entry.Prio, now)
		if err != nil {
			return fmt.Errorf("%s: insert record: %w", b.name, err)
		}
	}

	for key, row := range existingByKey {
		if desired[key] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", row.ID); err != nil {
			return fmt.Errorf("%s: delete stale record: %w", b.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", b.name, err)
	}
	return nil
}

func ensureDomainRow(ctx context.Context, tx *sqlx.Tx, zoneName string) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, "SELECT id FROM domains WHERE name = ?", zoneName)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup domain: %w", err)
	}
	res, err := tx.ExecContext(ctx, "INSERT INTO domains (name, type) VALUES (?, 'NATIVE')", zoneName)
	if err != nil {
		return 0, fmt.Errorf("create domain: %w", err)
	}
	return res.LastInsertId()
}

func (b *mysqlBackend) DeleteZone(ctx context.Context, zoneName string) error {
	zoneName = normalizeDomain(zoneName)

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", b.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.GetContext(ctx, &id, "SELECT id FROM domains WHERE name = ?", zoneName)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: lookup domain: %w", b.name, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE domain_id = ?", id); err != nil {
		return fmt.Errorf("%s: delete records: %w", b.name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM domains WHERE id = ?", id); err != nil {
		return fmt.Errorf("%s: delete domain: %w", b.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", b.name, err)
	}
	return nil
}

func (b *mysqlBackend) ZoneExists(ctx context.Context, zoneName string) (bool, error) {
	var id int64
	err := b.db.GetContext(ctx, &id, "SELECT id FROM domains WHERE name = ?", normalizeDomain(zoneName))
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: zone exists: %w", b.name, err)
	}
	return true, nil
}

func (b *mysqlBackend) CountRecords(ctx context.Context, zoneName string) (int, error) {
	var n int
	err := b.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM records r JOIN domains d ON r.domain_id = d.id WHERE d.name = ?",
		normalizeDomain(zoneName))
	if err != nil {
		return 0, fmt.Errorf("%s: count records: %w", b.name, err)
	}
	return n, nil
}

// Reconcile deletes rows the schema holds for the zone that the reference
// zone text does not contain.
func (b *mysqlBackend) Reconcile(ctx context.Context, zoneName, zoneData string) (int, error) {
	zoneName = normalizeDomain(zoneName)
	entries, err := parseZoneEntries(zoneData, zoneName)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", b.name, err)
	}
	wanted := make(map[string]bool, len(entries))
	for _, entry := range entries {
		wanted[entryKey(entry)] = true
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: begin: %w", b.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	var rows []recordRow
	err = tx.SelectContext(ctx, &rows,
		"SELECT r.id, r.name, r.type, r.content, r.ttl, r.prio FROM records r JOIN domains d ON r.domain_id = d.id WHERE d.name = ?",
		zoneName)
	if err != nil {
		return 0, fmt.Errorf("%s: load records: %w", b.name, err)
	}

	removed := 0
	for _, row := range rows {
		if wanted[row.key()] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", row.ID); err != nil {
			return 0, fmt.Errorf("%s: delete record: %w", b.name, err)
		}
		removed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: commit: %w", b.name, err)
	}
	return removed, nil
}

func (b *mysqlBackend) Close() error {
	return b.db.Close()
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) != "" {
			out = append(out, strings.TrimSpace(stmt))
		}
	}
	return out
}

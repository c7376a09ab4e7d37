package main

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

const smallZone = "$ORIGIN example.com.\n$TTL 300\n" +
	"@ IN A 192.0.2.10\n" +
	"mail IN MX 10 mail.example.com.\n"

func newMockBackend(t *testing.T) (*mysqlBackend, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	backend := newMySQLBackendWithDB("pdns1", sqlx.NewDb(db, "mysql"))
	t.Cleanup(func() { _ = backend.Close() })
	return backend, mock
}

func TestMySQLBackendWriteZoneDiff(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM domains WHERE name = ?").
		WithArgs("example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	// One row matches the A record, one is stale and must go.
	mock.ExpectQuery("SELECT id, name, type, content, ttl, prio FROM records WHERE domain_id = ?").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "type", "content", "ttl", "prio"}).
			AddRow(100, "example.com", "A", "192.0.2.10", 300, 0).
			AddRow(101, "stale.example.com", "A", "198.51.100.9", 300, 0))
	mock.ExpectExec("INSERT INTO records (domain_id, name, type, content, ttl, prio, change_date, disabled, auth) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)").
		WithArgs(int64(7), "mail.example.com", "MX", "mail.example.com", uint32(300), 10, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(102, 1))
	mock.ExpectExec("DELETE FROM records WHERE id = ?").
		WithArgs(int64(101)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := backend.WriteZone(context.Background(), "example.com", smallZone); err != nil {
		t.Fatalf("WriteZone: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLBackendWriteZoneCreatesDomain(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM domains WHERE name = ?").
		WithArgs("example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO domains (name, type) VALUES (?, 'NATIVE')").
		WithArgs("example.com").
		WillReturnResult(sqlmock.NewResult(9, 1))
	mock.ExpectQuery("SELECT id, name, type, content, ttl, prio FROM records WHERE domain_id = ?").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "type", "content", "ttl", "prio"}))
	mock.ExpectExec("INSERT INTO records (domain_id, name, type, content, ttl, prio, change_date, disabled, auth) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)").
		WithArgs(int64(9), "example.com", "A", "192.0.2.10", uint32(300), 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO records (domain_id, name, type, content, ttl, prio, change_date, disabled, auth) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)").
		WithArgs(int64(9), "mail.example.com", "MX", "mail.example.com", uint32(300), 10, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := backend.WriteZone(context.Background(), "example.com", smallZone); err != nil {
		t.Fatalf("WriteZone: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLBackendZoneExists(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectQuery("SELECT id FROM domains WHERE name = ?").
		WithArgs("example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	exists, err := backend.ZoneExists(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("ZoneExists: %v", err)
	}
	if exists {
		t.Fatal("expected missing zone")
	}
}

func TestMySQLBackendCountRecords(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectQuery("SELECT COUNT(*) FROM records r JOIN domains d ON r.domain_id = d.id WHERE d.name = ?").
		WithArgs("example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	n, err := backend.CountRecords(context.Background(), "example.com")
	if err != nil || n != 5 {
		t.Fatalf("CountRecords: n=%d err=%v", n, err)
	}
}

func TestMySQLBackendDeleteZone(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM domains WHERE name = ?").
		WithArgs("example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("DELETE FROM records WHERE domain_id = ?").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM domains WHERE id = ?").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := backend.DeleteZone(context.Background(), "example.com"); err != nil {
		t.Fatalf("DeleteZone: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLBackendDeleteMissingZone(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM domains WHERE name = ?").
		WithArgs("gone.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	if err := backend.DeleteZone(context.Background(), "gone.com"); err != nil {
		t.Fatalf("DeleteZone on missing zone: %v", err)
	}
}

func TestMySQLBackendReconcile(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT r.id, r.name, r.type, r.content, r.ttl, r.prio FROM records r JOIN domains d ON r.domain_id = d.id WHERE d.name = ?").
		WithArgs("example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "type", "content", "ttl", "prio"}).
			AddRow(100, "example.com", "A", "192.0.2.10", 300, 0).
			AddRow(101, "ghost.example.com", "TXT", "\"ghost\"", 300, 0))
	mock.ExpectExec("DELETE FROM records WHERE id = ?").
		WithArgs(int64(101)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	removed, err := backend.Reconcile(context.Background(), "example.com", smallZone)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

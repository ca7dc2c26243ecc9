package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `SELECT * FROM t WHERE a = ? AND b = ?`
	if got := SQLite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind = %q", got)
	}
	if got, want := Postgres.Rebind(q), `SELECT * FROM t WHERE a = $1 AND b = $2`; got != want {
		t.Errorf("postgres Rebind = %q, want %q", got, want)
	}
}

func TestOpenPostgresReportsOpenError(t *testing.T) {
	orig := sqlOpen
	defer func() { sqlOpen = orig }()

	var gotDriver string
	sqlOpen = func(driver, dsn string) (*sql.DB, error) {
		gotDriver = driver
		return nil, errors.New("unreachable")
	}

	_, err := OpenPostgres(context.Background(), "docs", "postgres://localhost/memsync")
	if err == nil || err.Error() != "open postgres: unreachable" {
		t.Fatalf("OpenPostgres error = %v", err)
	}
	if gotDriver != "pgx" {
		t.Errorf("driver = %q, want pgx", gotDriver)
	}
}

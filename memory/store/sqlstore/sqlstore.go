// Package sqlstore is the document/table store. Records and vectors live in
// two tables with JSON text columns, behind database/sql. SQLite (pure Go,
// modernc) and Postgres (pgx) are supported.
//
// The store has native transactions: the outermost BeginTransaction opens a
// sql.Tx and nested ones open savepoints, which must be ended in LIFO order.
// While a transaction is open every statement runs inside it.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/becomeliminal/memsync/core"
)

// Dialect captures the differences between supported databases.
type Dialect struct {
	Name   string
	Driver string

	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite"}
	Postgres = Dialect{Name: "postgres", Driver: "pgx", numbered: true}
)

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS memory_items (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS memory_vectors (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	embedding TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
)`

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a database/sql backed store.
type Store struct {
	name    string
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger

	mu     sync.Mutex
	tx     *sql.Tx
	frames []string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
// An empty path opens a private in-memory database.
func OpenSQLite(ctx context.Context, name, path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := open(SQLite.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: transactions and in-memory databases are per connection.
	db.SetMaxOpenConns(1)
	return New(ctx, name, db, SQLite, opts...)
}

// OpenPostgres connects to Postgres using a pgx DSN.
func OpenPostgres(ctx context.Context, name, dsn string, opts ...Option) (*Store, error) {
	db, err := open(Postgres.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(ctx, name, db, Postgres, opts...)
}

func open(driver, dsn string) (*sql.DB, error) {
	openMu.Lock()
	defer openMu.Unlock()
	return sqlOpen(driver, dsn)
}

// New wraps an open database and creates the tables if missing.
func New(ctx context.Context, name string, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{name: name, db: db, dialect: dialect, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sqlstore", "store", name, "dialect", dialect.Name)
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	return s, nil
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// DB exposes the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
		s.frames = nil
	}
	return s.db.Close()
}

// q returns the active transaction or the database. Callers hold s.mu.
func (s *Store) q() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Store upserts a record.
func (s *Store) Store(ctx context.Context, r core.Record) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	content, err := json.Marshal(r.Content)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	meta, err := marshalMeta(r.Metadata)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.q().ExecContext(ctx, s.dialect.Rebind(`INSERT INTO memory_items (id, content, kind, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content, kind = excluded.kind,
			metadata = excluded.metadata, created_at = excluded.created_at`),
		r.ID, string(content), string(r.Kind), meta, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("upsert item: %w", err)
	}
	return r.ID, nil
}

// Retrieve returns a record by id.
func (s *Store) Retrieve(ctx context.Context, id string) (core.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.q().QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT id, content, kind, metadata, created_at FROM memory_items WHERE id = ?`), id)
	r, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Record{}, false, nil
	}
	if err != nil {
		return core.Record{}, false, err
	}
	return r, true, nil
}

// Search returns matching records ordered by id. Kind is filtered in SQL,
// text and metadata in Go.
func (s *Store) Search(ctx context.Context, q core.Query) ([]core.Record, error) {
	query := `SELECT id, content, kind, metadata, created_at FROM memory_items`
	var args []any
	if q.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(q.Kind))
	}
	query += ` ORDER BY id`

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.q().QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.Record
	for rows.Next() {
		r, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

// AllItems returns every record.
func (s *Store) AllItems(ctx context.Context) ([]core.Record, error) {
	return s.Search(ctx, core.Query{})
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.q().ExecContext(ctx, s.dialect.Rebind(`DELETE FROM memory_items WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// StoreVector upserts a vector.
func (s *Store) StoreVector(ctx context.Context, v core.VectorRecord) (string, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	content, err := json.Marshal(v.Content)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	emb, err := json.Marshal(v.Embedding)
	if err != nil {
		return "", fmt.Errorf("marshal embedding: %w", err)
	}
	meta, err := marshalMeta(v.Metadata)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.q().ExecContext(ctx, s.dialect.Rebind(`INSERT INTO memory_vectors (id, content, embedding, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content, embedding = excluded.embedding,
			metadata = excluded.metadata`),
		v.ID, string(content), string(emb), meta)
	if err != nil {
		return "", fmt.Errorf("upsert vector: %w", err)
	}
	return v.ID, nil
}

// RetrieveVector returns a vector by id.
func (s *Store) RetrieveVector(ctx context.Context, id string) (core.VectorRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.q().QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT id, content, embedding, metadata FROM memory_vectors WHERE id = ?`), id)
	v, err := scanVector(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.VectorRecord{}, false, nil
	}
	if err != nil {
		return core.VectorRecord{}, false, err
	}
	return v, true, nil
}

// DeleteVector removes a vector.
func (s *Store) DeleteVector(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.q().ExecContext(ctx, s.dialect.Rebind(`DELETE FROM memory_vectors WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete vector: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// AllVectors returns every vector ordered by id.
func (s *Store) AllVectors(ctx context.Context) ([]core.VectorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.q().QueryContext(ctx, `SELECT id, content, embedding, metadata FROM memory_vectors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.VectorRecord
	for rows.Next() {
		v, err := scanVector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (core.Record, error) {
	var (
		r                          core.Record
		content, kind, meta, stamp string
	)
	if err := sc.Scan(&r.ID, &content, &kind, &meta, &stamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Record{}, err
		}
		return core.Record{}, fmt.Errorf("scan item: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &r.Content); err != nil {
		return core.Record{}, fmt.Errorf("decode content %s: %w", r.ID, err)
	}
	if err := unmarshalMeta(meta, &r.Metadata); err != nil {
		return core.Record{}, fmt.Errorf("decode metadata %s: %w", r.ID, err)
	}
	created, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return core.Record{}, fmt.Errorf("decode created_at %s: %w", r.ID, err)
	}
	r.Kind = core.Kind(kind)
	r.CreatedAt = created
	return r, nil
}

func scanVector(sc scanner) (core.VectorRecord, error) {
	var (
		v                   core.VectorRecord
		content, emb, meta string
	)
	if err := sc.Scan(&v.ID, &content, &emb, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.VectorRecord{}, err
		}
		return core.VectorRecord{}, fmt.Errorf("scan vector: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &v.Content); err != nil {
		return core.VectorRecord{}, fmt.Errorf("decode content %s: %w", v.ID, err)
	}
	if err := json.Unmarshal([]byte(emb), &v.Embedding); err != nil {
		return core.VectorRecord{}, fmt.Errorf("decode embedding %s: %w", v.ID, err)
	}
	if err := unmarshalMeta(meta, &v.Metadata); err != nil {
		return core.VectorRecord{}, fmt.Errorf("decode metadata %s: %w", v.ID, err)
	}
	return v, nil
}

func marshalMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(s string, dst *map[string]any) error {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return err
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}

package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// OpenSQLite opens (or creates) a SQLite database file and applies the
// store schema migrations.
func OpenSQLite(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting dialect for migrations: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	return db, nil
}

// SQLiteRegistry persists stores in a local SQLite database.
type SQLiteRegistry struct {
	db *sqlx.DB
}

// NewSQLiteRegistry creates a registry on a database prepared by OpenSQLite.
func NewSQLiteRegistry(db *sqlx.DB) *SQLiteRegistry {
	if db == nil {
		panic("sqlite db cannot be nil")
	}
	return &SQLiteRegistry{db: db}
}

// Close closes the underlying database.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func (r *SQLiteRegistry) Open(ctx context.Context, name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("store name cannot be empty")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)`,
		name, time.Now().UnixNano())
	if err != nil {
		CacheErrors.WithLabelValues("open").Inc()
		return nil, fmt.Errorf("insert store: %w", err)
	}
	return &sqliteStore{db: r.db, name: name}, nil
}

func (r *SQLiteRegistry) Has(ctx context.Context, name string) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM stores WHERE name = ?`, name); err != nil {
		return false, fmt.Errorf("count stores: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRegistry) List(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.SelectContext(ctx, &names, `SELECT name FROM stores ORDER BY name`); err != nil {
		CacheErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("select stores: %w", err)
	}
	CacheStores.Set(float64(len(names)))
	return names, nil
}

func (r *SQLiteRegistry) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		CacheErrors.WithLabelValues("drop").Inc()
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		CacheErrors.WithLabelValues("drop").Inc()
		return false, fmt.Errorf("delete entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name)
	if err != nil {
		CacheErrors.WithLabelValues("drop").Inc()
		return false, fmt.Errorf("delete store: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		CacheErrors.WithLabelValues("drop").Inc()
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

type sqliteStore struct {
	db   *sqlx.DB
	name string
}

func (s *sqliteStore) Name() string { return s.name }

func (s *sqliteStore) Match(ctx context.Context, key Key, opts MatchOptions) (*Entry, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data,
		`SELECT data FROM entries WHERE store = ? AND key = ?`, s.name, key.String())
	if errors.Is(err, sql.ErrNoRows) && opts.IgnoreSearch {
		base := key.WithoutQuery()
		err = s.db.GetContext(ctx, &data,
			`SELECT data FROM entries WHERE store = ? AND method = ? AND base_url = ? ORDER BY key LIMIT 1`,
			s.name, base.Method, base.URL)
	}
	if errors.Is(err, sql.ErrNoRows) {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("select entry: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues("match").Inc()
		return nil, err
	}
	CacheHits.WithLabelValues(s.name).Inc()
	return entry, nil
}

func (s *sqliteStore) Put(ctx context.Context, key Key, entry *Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return err
	}
	// The row is only written while the store is still registered.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (store, key, method, base_url, data)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)
		ON CONFLICT (store, key) DO UPDATE SET data = excluded.data`,
		s.name, key.String(), key.Method, key.WithoutQuery().URL, data, s.name)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("upsert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("put into %s: %w", s.name, ErrStoreNotFound)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE store = ? AND key = ?`, s.name, key.String()); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]Key, error) {
	var fields []string
	if err := s.db.SelectContext(ctx, &fields,
		`SELECT key FROM entries WHERE store = ? ORDER BY key`, s.name); err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("select keys: %w", err)
	}
	keys := make([]Key, 0, len(fields))
	for _, f := range fields {
		if k, err := ParseKey(f); err == nil {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alphabot-ai/newsboard/internal/store"

	_ "modernc.org/sqlite"
)

type Store struct {
	db      *sql.DB
	// reader serves Get and Scan. For file databases it is a separate
	// query-only pool so reads proceed while a commit holds db.
	reader  *sql.DB
	locks   *store.Locker
	version atomic.Uint64
	logger  *slog.Logger
}

var _ store.Store = (*Store)(nil)

func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises commits; key locks already keep
	// writers of different keys from waiting on each other in Go.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := applySchema(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	reader := db
	if !inMemory(path) {
		reader, err = sql.Open("sqlite", withPragmas(path, "busy_timeout(5000)", "query_only(1)"))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		reader.SetMaxOpenConns(8)
	}
	return &Store{db: db, reader: reader, locks: store.NewLocker(), logger: logger}, nil
}

func (s *Store) Close() error {
	if s.reader != s.db {
		_ = s.reader.Close()
	}
	return s.db.Close()
}

// inMemory databases keep a single pool.
func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// withPragmas appends per-connection pragmas in the driver's DSN syntax.
func withPragmas(path string, pragmas ...string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		path += sep + "_pragma=" + p
		sep = "&"
	}
	return path
}

// migrations is an ordered list of SQL migrations.
// Each migration runs exactly once, tracked by schema_version table.
var migrations = []string{
	// Migration 1: record tables
	`
CREATE TABLE IF NOT EXISTS records (
	tbl TEXT NOT NULL,
	key TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tbl, key)
);

CREATE TABLE IF NOT EXISTS counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`,
}

func applySchema(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		logger.Info("applied migration", "version", i+1)
	}

	return nil
}

func (s *Store) Version() uint64 {
	return s.version.Load()
}

func (s *Store) Get(ctx context.Context, table store.Table, id string, dest any) error {
	data, err := s.load(ctx, table, id)
	if err != nil {
		return err
	}
	return decode(table, id, data, dest)
}

func (s *Store) load(ctx context.Context, table store.Table, id string) ([]byte, error) {
	var data []byte
	err := s.reader.QueryRowContext(ctx, `SELECT data FROM records WHERE tbl = ? AND key = ?`, string(table), id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable(ctx, err)
	}
	return data, nil
}

// Scan reads the table fully before invoking fn, so fn may call back into
// the store without holding the connection.
func (s *Store) Scan(ctx context.Context, table store.Table, fn func(id string, decode func(dest any) error) error) error {
	rows, err := s.reader.QueryContext(ctx, `SELECT key, data FROM records WHERE tbl = ? ORDER BY rowid`, string(table))
	if err != nil {
		return unavailable(ctx, err)
	}
	type record struct {
		key  string
		data []byte
	}
	var recs []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.key, &r.data); err != nil {
			rows.Close()
			return unavailable(ctx, err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return unavailable(ctx, err)
	}
	rows.Close()

	for _, r := range recs {
		r := r
		if err := fn(r.key, func(dest any) error { return decode(table, r.key, r.data, dest) }); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Put(ctx context.Context, table store.Table, id string, rec any) error {
	return s.Update(ctx, []store.Key{{Table: table, ID: id}}, func(tx store.Tx) error {
		return tx.Put(table, id, rec)
	})
}

func (s *Store) Update(ctx context.Context, keys []store.Key, fn func(tx store.Tx) error) error {
	unlock, err := s.locks.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &txn{store: s, locked: make(map[store.Key]bool, len(keys)), writes: make(map[store.Key][]byte)}
	for _, k := range keys {
		tx.locked[k] = true
	}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.order) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(ctx, tx)
}

// commit writes every buffered record in one sqlite transaction; the
// journal gives write-new-then-swap, so readers see all or none of them.
func (s *Store) commit(ctx context.Context, t *txn) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(ctx, err)
	}
	now := time.Now().Unix()
	for _, k := range t.order {
		_, err := sqlTx.ExecContext(ctx, `
INSERT INTO records (tbl, key, data, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (tbl, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
`, string(k.Table), k.ID, t.writes[k], now)
		if err != nil {
			_ = sqlTx.Rollback()
			return unavailable(ctx, err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return unavailable(ctx, err)
	}
	s.version.Add(1)
	return nil
}

func (s *Store) NextID(ctx context.Context, table store.Table) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO counters (name, value) VALUES (?, 1)
ON CONFLICT (name) DO UPDATE SET value = value + 1
RETURNING value
`, string(table)).Scan(&id)
	if err != nil {
		return 0, unavailable(ctx, err)
	}
	return id, nil
}

type txn struct {
	store  *Store
	locked map[store.Key]bool
	writes map[store.Key][]byte
	order  []store.Key
}

func (t *txn) Get(ctx context.Context, table store.Table, id string, dest any) error {
	k := store.Key{Table: table, ID: id}
	if data, ok := t.writes[k]; ok {
		return decode(table, id, data, dest)
	}
	return t.store.Get(ctx, table, id, dest)
}

func (t *txn) Put(table store.Table, id string, rec any) error {
	k := store.Key{Table: table, ID: id}
	if !t.locked[k] {
		return fmt.Errorf("%w: %s/%s", store.ErrKeyNotLocked, table, id)
	}
	if err := store.Validate(table, rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSchemaViolation, err)
	}
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = data
	return nil
}

func decode(table store.Table, id string, data []byte, dest any) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: decode %s/%s: %v", store.ErrUnavailable, table, id, err)
	}
	return nil
}

func unavailable(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

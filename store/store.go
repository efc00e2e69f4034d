package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotInitialized is returned by every operation invoked before Open has
// completed successfully.
var ErrNotInitialized = errors.New("store not initialized: call Open first")

// Query controls a GetAll scan.
//
// When Index names a secondary index, iteration follows that index's key
// columns (ascending, or descending when Descending is set). Match supplies
// equality values for the index's leading key paths, so an index on
// (feedType, fetchedAt) with Match ["timeline"] iterates timeline pages in
// fetchedAt order. Without an Index, records come back in primary-key order.
//
// Offset is pushed down to the engine as a cursor skip; matching rows are
// skipped without being loaded, so paging stays memory-bounded. Limit <= 0
// means no limit.
type Query struct {
	Index      string
	Match      []any
	Descending bool
	Limit      int
	Offset     int
}

// Store is a handle on one named database. It is safe for concurrent use
// once opened; separate calls are not atomic with respect to each other,
// only each call's own transaction is.
type Store struct {
	path string

	mu     sync.Mutex
	db     *sql.DB
	closed bool
	byName map[string]Collection
}

// New returns an unopened handle on the database file at path.
// Parent directories are created on Open.
func New(path string) *Store {
	return &Store{path: path}
}

// NewInMemory returns an unopened handle on a private in-memory database,
// useful for tests.
func NewInMemory() *Store {
	return &Store{path: ":memory:"}
}

// Open creates any missing collections and indexes declared by schema and
// records the schema version. Opening an already-open store is a no-op.
// Existing tables and their data are never dropped; a higher schema version
// only adds what is missing.
func (s *Store) Open(ctx context.Context, schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if s.db != nil {
		return nil
	}
	if err := schema.validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	if s.path != ":memory:" {
		dir := filepath.Dir(s.path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and sidesteps
	// SQLITE_BUSY between writers; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := createSchema(ctx, db, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.db = db
	s.byName = make(map[string]Collection, len(schema.Collections))
	for _, c := range schema.Collections {
		s.byName[c.Name] = c
	}
	return nil
}

// Close closes the underlying database. The handle cannot be reopened;
// operations after Close fail with ErrNotInitialized.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.byName = nil
	s.closed = true
	return err
}

func createSchema(ctx context.Context, db *sql.DB, schema Schema) error {
	var b strings.Builder
	b.WriteString(`
		CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		);
	`)
	for _, c := range schema.Collections {
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (pk TEXT PRIMARY KEY, doc TEXT NOT NULL", c.Name)
		for _, col := range c.indexColumns() {
			fmt.Fprintf(&b, ", %q", col)
		}
		b.WriteString(");\n")
	}
	if _, err := db.ExecContext(ctx, b.String()); err != nil {
		return err
	}

	// A new index on an existing collection may need a column the original
	// table creation didn't have, so columns are added before indexes.
	// ALTER failures for columns that already exist are expected and
	// ignored; a column that was genuinely added is backfilled from the
	// stored documents so the index covers pre-upgrade rows.
	for _, c := range schema.Collections {
		for _, kp := range columnKeyPaths(c) {
			col := columnFor(kp)
			_, err := db.ExecContext(ctx,
				fmt.Sprintf("ALTER TABLE %q ADD COLUMN %q", c.Name, col))
			if err == nil {
				if err := backfillColumn(ctx, db, c.Name, col, kp); err != nil {
					return fmt.Errorf("failed to backfill %s.%s: %w", c.Name, col, err)
				}
			}
		}
	}

	b.Reset()
	for _, c := range schema.Collections {
		for _, idx := range c.Indexes {
			unique := ""
			if idx.Unique {
				unique = "UNIQUE "
			}
			cols := make([]string, len(idx.KeyPaths))
			for i, kp := range idx.KeyPaths {
				cols[i] = fmt.Sprintf("%q", columnFor(kp))
			}
			fmt.Fprintf(&b, "CREATE %sINDEX IF NOT EXISTS %q ON %q (%s);\n",
				unique, c.Name+"_"+idx.Name, c.Name, strings.Join(cols, ", "))
		}
	}
	if _, err := db.ExecContext(ctx, b.String()); err != nil {
		return err
	}

	var stored int
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_meta WHERE id = 1").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = db.ExecContext(ctx, "INSERT INTO schema_meta (id, version) VALUES (1, ?)", schema.Version)
		return err
	case err != nil:
		return err
	case schema.Version > stored:
		_, err = db.ExecContext(ctx, "UPDATE schema_meta SET version = ? WHERE id = 1", schema.Version)
		return err
	}
	return nil
}

// backfillColumn populates a freshly added index column from the documents
// already stored in the table.
func backfillColumn(ctx context.Context, db *sql.DB, table, col, keyPath string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT pk, doc FROM %q", table))
	if err != nil {
		return err
	}
	type update struct {
		pk    string
		value any
	}
	var updates []update
	for rows.Next() {
		var pk, doc string
		if err := rows.Scan(&pk, &doc); err != nil {
			rows.Close()
			return err
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(doc), &fields); err != nil {
			continue
		}
		v, err := indexValue(fields, keyPath)
		if err != nil || v == nil {
			continue
		}
		updates = append(updates, update{pk: pk, value: v})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, u := range updates {
		if _, err := db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %q SET %q = ? WHERE pk = ?", table, col), u.value, u.pk); err != nil {
			return err
		}
	}
	return nil
}

// Version reports the schema version recorded in the database.
func (s *Store) Version(ctx context.Context) (int, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return 0, ErrNotInitialized
	}
	var v int
	if err := db.QueryRowContext(ctx, "SELECT version FROM schema_meta WHERE id = 1").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

var errUnknownCollection = errors.New("unknown collection")

func (s *Store) handle(collection string) (*sql.DB, Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, Collection{}, ErrNotInitialized
	}
	c, ok := s.byName[collection]
	if !ok {
		return s.db, Collection{}, fmt.Errorf("%w: %q", errUnknownCollection, collection)
	}
	return s.db, c, nil
}

// Put upserts one record by primary key.
func (s *Store) Put(ctx context.Context, collection string, record any) error {
	return s.PutMany(ctx, collection, []any{record})
}

// PutMany upserts records by primary key inside one transaction. Readers
// never observe a partially applied batch.
func (s *Store) PutMany(ctx context.Context, collection string, records []any) error {
	db, c, err := s.handle(collection)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	cols := c.indexColumns()
	names := make([]string, 0, len(cols)+2)
	marks := make([]string, 0, len(cols)+2)
	names = append(names, "pk", "doc")
	marks = append(marks, "?", "?")
	for _, col := range cols {
		names = append(names, fmt.Sprintf("%q", col))
		marks = append(marks, "?")
	}
	stmtSQL := fmt.Sprintf("INSERT OR REPLACE INTO %q (%s) VALUES (%s)",
		c.Name, strings.Join(names, ", "), strings.Join(marks, ", "))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		doc, fields, err := encodeRecord(record)
		if err != nil {
			return fmt.Errorf("collection %q: %w", c.Name, err)
		}
		pk, err := primaryKey(fields, c.KeyPath)
		if err != nil {
			return fmt.Errorf("collection %q: %w", c.Name, err)
		}
		args := make([]any, 0, len(cols)+2)
		args = append(args, pk, string(doc))
		for _, kp := range columnKeyPaths(c) {
			v, err := indexValue(fields, kp)
			if err != nil {
				return fmt.Errorf("collection %q: %w", c.Name, err)
			}
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to write record %q: %w", pk, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// columnKeyPaths returns the key path behind each column of indexColumns,
// aligned by position.
func columnKeyPaths(c Collection) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, idx := range c.Indexes {
		for _, kp := range idx.KeyPaths {
			col := columnFor(kp)
			if !seen[col] {
				seen[col] = true
				paths = append(paths, kp)
			}
		}
	}
	return paths
}

// Get decodes the record stored under key into out and reports whether it
// was found. out must be a pointer.
func (s *Store) Get(ctx context.Context, collection, key string, out any) (bool, error) {
	db, c, err := s.handle(collection)
	if err != nil {
		return false, err
	}
	var doc string
	err = db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT doc FROM %q WHERE pk = ?", c.Name), key).Scan(&doc)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get record %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return false, fmt.Errorf("failed to decode record %q: %w", key, err)
	}
	return true, nil
}

// GetAll returns raw record documents ordered per q. Callers decode into
// their own types.
func (s *Store) GetAll(ctx context.Context, collection string, q Query) ([]json.RawMessage, error) {
	db, c, err := s.handle(collection)
	if err != nil {
		return nil, err
	}

	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}

	var (
		where string
		order string
		args  []any
	)
	if q.Index != "" {
		idx, ok := c.index(q.Index)
		if !ok {
			return nil, fmt.Errorf("collection %q has no index %q", c.Name, q.Index)
		}
		if len(q.Match) > len(idx.KeyPaths) {
			return nil, fmt.Errorf("index %q: %d match values for %d key paths",
				idx.Name, len(q.Match), len(idx.KeyPaths))
		}
		var conds, orders []string
		for i, kp := range idx.KeyPaths {
			col := fmt.Sprintf("%q", columnFor(kp))
			if i < len(q.Match) {
				conds = append(conds, col+" = ?")
				v, err := encodeScalar(q.Match[i])
				if err != nil {
					return nil, fmt.Errorf("index %q: %w", idx.Name, err)
				}
				args = append(args, v)
			} else {
				orders = append(orders, col+" "+dir)
			}
		}
		if len(conds) > 0 {
			where = " WHERE " + strings.Join(conds, " AND ")
		}
		orders = append(orders, "pk "+dir)
		order = strings.Join(orders, ", ")
	} else {
		order = "pk " + dir
	}

	limit := -1 // SQLite treats a negative LIMIT as unbounded
	if q.Limit > 0 {
		limit = q.Limit
	}
	query := fmt.Sprintf("SELECT doc FROM %q%s ORDER BY %s LIMIT ? OFFSET ?",
		c.Name, where, order)
	args = append(args, limit, q.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", c.Name, err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		docs = append(docs, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %q: %w", c.Name, err)
	}
	return docs, nil
}

// Count reports the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	db, c, err := s.handle(collection)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %q", c.Name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %q: %w", c.Name, err)
	}
	return n, nil
}

// Delete removes records by primary key inside one transaction. Keys with
// no stored record are ignored.
func (s *Store) Delete(ctx context.Context, collection string, keys ...string) error {
	db, c, err := s.handle(collection)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %q WHERE pk = ?", c.Name))
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("failed to delete record %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Clear empties the named collections atomically together.
func (s *Store) Clear(ctx context.Context, collections ...string) error {
	s.mu.Lock()
	db := s.db
	if db == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	for _, name := range collections {
		if _, ok := s.byName[name]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %q", errUnknownCollection, name)
		}
	}
	s.mu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, name := range collections {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q", name)); err != nil {
			return fmt.Errorf("failed to clear %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteOlderThan scans the collection comparing timeField against cutoff
// and deletes every record strictly older, all in one transaction. The field
// may hold a Unix-millisecond number or an RFC3339 string; records without a
// parseable value are left alone. Returns the number of records deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, collection, timeField string, cutoff time.Time) (int64, error) {
	db, c, err := s.handle(collection)
	if err != nil {
		return 0, err
	}
	cutoffMillis := cutoff.UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT pk, doc FROM %q ORDER BY pk", c.Name))
	if err != nil {
		return 0, fmt.Errorf("failed to scan %q: %w", c.Name, err)
	}

	var expired []string
	for rows.Next() {
		var pk, doc string
		if err := rows.Scan(&pk, &doc); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan record: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(doc), &fields); err != nil {
			continue
		}
		millis, ok := timeMillis(fields, timeField)
		if ok && millis < cutoffMillis {
			expired = append(expired, pk)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating %q: %w", c.Name, err)
	}
	rows.Close()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %q WHERE pk = ?", c.Name))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, pk := range expired {
		if _, err := stmt.ExecContext(ctx, pk); err != nil {
			return 0, fmt.Errorf("failed to delete record %q: %w", pk, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int64(len(expired)), nil
}

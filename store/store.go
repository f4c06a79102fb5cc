// Package store implements the durable local cache backing the offline-first
// POS core. Each remote collection is materialized as one SQLite table holding
// the row document as JSON next to the cache-management columns, so list views
// can be served entirely from the local database while the network is away.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/yudhapratama/wmb/store/migrations"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the row operations can run
// standalone or inside a caller-owned transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the local durable cache. All access goes through its transactional
// primitives; there is exactly one writer context (single session), so no
// additional locking beyond SQLite's own is required.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// High-water mark for timestamp-derived placeholder ids, so two offline
	// creates within the same millisecond still get distinct ids.
	lastLocalID atomic.Int64
}

// Open opens (or creates) the cache database at path and migrates it to the
// latest schema version. Use ":memory:" for an ephemeral store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database exists per connection; cap the pool so every
	// statement sees the same database.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle, applies pragmas and runs the schema
// migrations. The caller keeps ownership of db.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle so the pending-operation queue can share
// the same database file and participate in the same transactions.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a single transaction. Everything fn writes commits or
// nothing does; required whenever one logical write spans more than one table.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Get returns the record with the given id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, collection string, id int64) (Record, error) {
	return getRecord(ctx, s.db, collection, id)
}

// GetTx is Get inside a caller-owned transaction.
func (s *Store) GetTx(ctx context.Context, tx *sql.Tx, collection string, id int64) (Record, error) {
	return getRecord(ctx, tx, collection, id)
}

// Put upserts a record by primary key. The record must carry an id; the
// pull pipeline uses this to materialize server rows.
func (s *Store) Put(ctx context.Context, collection string, rec Record) error {
	return putRecord(ctx, s.db, collection, rec)
}

// PutTx is Put inside a caller-owned transaction.
func (s *Store) PutTx(ctx context.Context, tx *sql.Tx, collection string, rec Record) error {
	return putRecord(ctx, tx, collection, rec)
}

// Add inserts a record, assigning a local id when the record carries none:
// the per-collection seeded floor when one exists, otherwise a
// timestamp-derived placeholder that a later reconciliation pass remaps.
// Returns the id under which the row was stored.
func (s *Store) Add(ctx context.Context, collection string, rec Record) (int64, error) {
	return s.addRecord(ctx, s.db, collection, rec)
}

// AddTx is Add inside a caller-owned transaction.
func (s *Store) AddTx(ctx context.Context, tx *sql.Tx, collection string, rec Record) (int64, error) {
	return s.addRecord(ctx, tx, collection, rec)
}

// Update merges the partial record into the stored row. Returns an error if
// the row does not exist. The id field of partial is ignored.
func (s *Store) Update(ctx context.Context, collection string, id int64, partial Record) error {
	return updateRecord(ctx, s.db, collection, id, partial)
}

// UpdateTx is Update inside a caller-owned transaction.
func (s *Store) UpdateTx(ctx context.Context, tx *sql.Tx, collection string, id int64, partial Record) error {
	return updateRecord(ctx, tx, collection, id, partial)
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, collection string, id int64) error {
	return deleteRecord(ctx, s.db, collection, id)
}

// DeleteTx is Delete inside a caller-owned transaction.
func (s *Store) DeleteTx(ctx context.Context, tx *sql.Tx, collection string, id int64) error {
	return deleteRecord(ctx, tx, collection, id)
}

// Clear removes every record in a collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	return clearCollection(ctx, s.db, collection)
}

// ClearTx is Clear inside a caller-owned transaction.
func (s *Store) ClearTx(ctx context.Context, tx *sql.Tx, collection string) error {
	return clearCollection(ctx, tx, collection)
}

// BulkPut upserts a batch of records in one transaction.
func (s *Store) BulkPut(ctx context.Context, collection string, recs []Record) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.BulkPutTx(ctx, tx, collection, recs)
	})
}

// BulkPutTx upserts a batch of records inside a caller-owned transaction.
func (s *Store) BulkPutTx(ctx context.Context, tx *sql.Tx, collection string, recs []Record) error {
	for _, rec := range recs {
		if err := putRecord(ctx, tx, collection, rec); err != nil {
			return err
		}
	}
	return nil
}

// BulkAdd inserts a batch of records in one transaction, assigning local ids
// where missing. Returns the assigned ids in input order.
func (s *Store) BulkAdd(ctx context.Context, collection string, recs []Record) ([]int64, error) {
	ids := make([]int64, 0, len(recs))
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			id, err := s.addRecord(ctx, tx, collection, rec)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MaxID returns the highest id currently stored for a collection, or 0 when
// the collection is empty.
func (s *Store) MaxID(ctx context.Context, collection string) (int64, error) {
	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	var max int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, collection)).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max id for %s: %w", collection, err)
	}
	return max, nil
}

// --- query support ---

// Cond is a single comparison against an indexed field.
type Cond struct {
	Field string
	Op    string
	Value any
}

// Eq matches rows whose field equals v.
func Eq(field string, v any) Cond { return Cond{Field: field, Op: "=", Value: v} }

// Below matches rows whose field is strictly less than v.
func Below(field string, v any) Cond { return Cond{Field: field, Op: "<", Value: v} }

// Above matches rows whose field is strictly greater than v.
func Above(field string, v any) Cond { return Cond{Field: field, Op: ">", Value: v} }

// AtMost matches rows whose field is less than or equal to v.
func AtMost(field string, v any) Cond { return Cond{Field: field, Op: "<=", Value: v} }

// AtLeast matches rows whose field is greater than or equal to v.
func AtLeast(field string, v any) Cond { return Cond{Field: field, Op: ">=", Value: v} }

// Query describes a filtered, ordered read of one collection.
type Query struct {
	Where   []Cond
	OrderBy string // field name; "" keeps table order
	Desc    bool   // reverse order (newest-first listings)
	Limit   int    // 0 means no limit
}

var fieldNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// columnExpr maps a record field to the SQL expression that reads it. The
// cache-management fields live in real columns; everything else is extracted
// from the JSON document (expression indexes cover the common ones).
func columnExpr(field string) (string, error) {
	switch field {
	case FieldID, FieldCachedAt, FieldSyncStatus:
		return field, nil
	}
	if !fieldNameRe.MatchString(field) {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field), nil
}

// Select returns the records of a collection matching q.
func (s *Store) Select(ctx context.Context, collection string, q Query) ([]Record, error) {
	return selectRecords(ctx, s.db, collection, q)
}

// SelectTx is Select inside a caller-owned transaction.
func (s *Store) SelectTx(ctx context.Context, tx *sql.Tx, collection string, q Query) ([]Record, error) {
	return selectRecords(ctx, tx, collection, q)
}

func selectRecords(ctx context.Context, q dbtx, collection string, query Query) ([]Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT id, data, cached_at, sync_status FROM %s`, collection)
	args := make([]any, 0, len(query.Where)+1)
	for i, cond := range query.Where {
		expr, err := columnExpr(cond.Field)
		if err != nil {
			return nil, err
		}
		switch cond.Op {
		case "=", "<", "<=", ">", ">=":
		default:
			return nil, fmt.Errorf("unsupported operator %q", cond.Op)
		}
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "%s %s ?", expr, cond.Op)
		args = append(args, cond.Value)
	}
	if query.OrderBy != "" {
		expr, err := columnExpr(query.OrderBy)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, " ORDER BY %s", expr)
		if query.Desc {
			sb.WriteString(" DESC")
		}
	}
	if query.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, query.Limit)
	}

	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", collection, err)
	}
	return out, nil
}

// --- row operations shared between Store and Tx paths ---

func getRecord(ctx context.Context, q dbtx, collection string, id int64) (Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, data, cached_at, sync_status FROM %s WHERE id = ?`, collection), id)
	rec, err := scanRecordRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%d: %w", collection, id, err)
	}
	return rec, nil
}

func putRecord(ctx context.Context, q dbtx, collection string, rec Record) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	id, ok := rec.ID()
	if !ok {
		return fmt.Errorf("record for %s has no id", collection)
	}
	doc, err := marshalDocument(rec)
	if err != nil {
		return err
	}
	cachedAt, _ := toInt64(rec[FieldCachedAt])
	_, err = q.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, data, cached_at, sync_status) VALUES (?, ?, ?, ?)`, collection),
		id, string(doc), cachedAt, nullableString(rec.String(FieldSyncStatus)))
	if err != nil {
		return fmt.Errorf("failed to put %s/%d: %w", collection, id, err)
	}
	return nil
}

func (s *Store) addRecord(ctx context.Context, q dbtx, collection string, rec Record) (int64, error) {
	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	id, ok := rec.ID()
	if !ok {
		var err error
		id, err = s.nextLocalID(ctx, q, collection)
		if err != nil {
			return 0, err
		}
	}
	doc, err := marshalDocument(rec)
	if err != nil {
		return 0, err
	}
	cachedAt, _ := toInt64(rec[FieldCachedAt])
	_, err = q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, data, cached_at, sync_status) VALUES (?, ?, ?, ?)`, collection),
		id, string(doc), cachedAt, nullableString(rec.String(FieldSyncStatus)))
	if err != nil {
		return 0, fmt.Errorf("failed to add %s/%d: %w", collection, id, err)
	}
	return id, nil
}

func updateRecord(ctx context.Context, q dbtx, collection string, id int64, partial Record) error {
	existing, err := getRecord(ctx, q, collection, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("cannot update missing record %s/%d", collection, id)
	}
	for k, v := range partial {
		if k == FieldID {
			continue
		}
		existing[k] = v
	}
	doc, err := marshalDocument(existing)
	if err != nil {
		return err
	}
	cachedAt, _ := toInt64(existing[FieldCachedAt])
	_, err = q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET data = ?, cached_at = ?, sync_status = ? WHERE id = ?`, collection),
		string(doc), cachedAt, nullableString(existing.String(FieldSyncStatus)), id)
	if err != nil {
		return fmt.Errorf("failed to update %s/%d: %w", collection, id, err)
	}
	return nil
}

func deleteRecord(ctx context.Context, q dbtx, collection string, id int64) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, collection), id); err != nil {
		return fmt.Errorf("failed to delete %s/%d: %w", collection, id, err)
	}
	return nil
}

func clearCollection(ctx context.Context, q dbtx, collection string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, collection)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", collection, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows *sql.Rows) (Record, error) {
	return scanRecordRow(rows)
}

func scanRecordRow(row rowScanner) (Record, error) {
	var (
		id         int64
		data       string
		cachedAt   int64
		syncStatus sql.NullString
	)
	if err := row.Scan(&id, &data, &cachedAt, &syncStatus); err != nil {
		return nil, err
	}
	rec, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	rec[FieldID] = id
	rec[FieldCachedAt] = cachedAt
	if syncStatus.Valid {
		rec[FieldSyncStatus] = syncStatus.String
	}
	return rec, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nextLocalID assigns an id for an offline-created row. When the engine has
// seeded a floor for the collection (after learning the remote max id), the
// floor is consumed and advanced durably; otherwise a millisecond-timestamp
// placeholder is used and reconciliation remaps it before drain.
func (s *Store) nextLocalID(ctx context.Context, q dbtx, collection string) (int64, error) {
	var next int64
	err := q.QueryRowContext(ctx,
		`SELECT next_id FROM _local_seq WHERE collection = ?`, collection).Scan(&next)
	switch {
	case err == nil:
		if _, err := q.ExecContext(ctx,
			`UPDATE _local_seq SET next_id = ? WHERE collection = ?`, next+1, collection); err != nil {
			return 0, fmt.Errorf("failed to advance id floor for %s: %w", collection, err)
		}
		return next, nil
	case errors.Is(err, sql.ErrNoRows):
		for {
			now := time.Now().UnixMilli()
			last := s.lastLocalID.Load()
			id := now
			if id <= last {
				id = last + 1
			}
			if s.lastLocalID.CompareAndSwap(last, id) {
				return id, nil
			}
		}
	default:
		return 0, fmt.Errorf("failed to read id floor for %s: %w", collection, err)
	}
}

// SeedIDFloor records the next safe local id for a collection. The floor only
// ever moves forward.
func (s *Store) SeedIDFloor(ctx context.Context, collection string, next int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _local_seq (collection, next_id) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET next_id = MAX(next_id, excluded.next_id)
	`, collection, next)
	if err != nil {
		return fmt.Errorf("failed to seed id floor for %s: %w", collection, err)
	}
	return nil
}

// SeedIDFloorTx is SeedIDFloor inside a caller-owned transaction.
func (s *Store) SeedIDFloorTx(ctx context.Context, tx *sql.Tx, collection string, next int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _local_seq (collection, next_id) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET next_id = MAX(next_id, excluded.next_id)
	`, collection, next)
	if err != nil {
		return fmt.Errorf("failed to seed id floor for %s: %w", collection, err)
	}
	return nil
}

// EnsureDeviceID returns the persisted device identifier, generating and
// storing one on first call.
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	var deviceID string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM _client_info WHERE key = 'device_id'`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO _client_info (key, value) VALUES ('device_id', ?)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to store device id: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return deviceID, nil
}

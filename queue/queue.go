// Package queue implements the durable pending-operation queue: an
// append-only record of every local mutation the remote store has not yet
// confirmed. Queue order is the authoritative application order — the sync
// engine drains strictly FIFO because later operations may reference rows
// created by earlier ones.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yudhapratama/wmb/store"
)

// Action is the kind of mutation a pending operation represents.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ErrInvalidOperation signals a programmer error at enqueue time: a malformed
// operation is rejected immediately rather than queued and replayed.
var ErrInvalidOperation = errors.New("invalid sync operation")

// Operation is one pending write. Data is nil for deletes.
type Operation struct {
	ID       int64
	Entity   string
	EntityID int64
	Action   Action
	Data     store.Record
	OpKey    string // client-generated idempotency key, stable across retries
	Queued   time.Time
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queue reads and writes the sync_queue table. It shares the local store's
// database handle so enqueues can join the same transaction as the local
// write they mirror.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// New builds a queue over the given store's database.
func New(s *store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: s.DB(), logger: logger}
}

// Enqueue appends a pending operation and returns its queue id.
func (q *Queue) Enqueue(ctx context.Context, entity string, entityID int64, action Action, data store.Record) (int64, error) {
	return q.enqueue(ctx, q.db, entity, entityID, action, data)
}

// EnqueueTx is Enqueue inside a caller-owned transaction, so the local store
// write and its queue entry commit together.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, entity string, entityID int64, action Action, data store.Record) (int64, error) {
	return q.enqueue(ctx, tx, entity, entityID, action, data)
}

func (q *Queue) enqueue(ctx context.Context, h dbtx, entity string, entityID int64, action Action, data store.Record) (int64, error) {
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return 0, fmt.Errorf("%w: action %q must be create, update or delete", ErrInvalidOperation, action)
	}
	if entity == "" {
		return 0, fmt.Errorf("%w: entity is required", ErrInvalidOperation)
	}
	if entityID == 0 {
		return 0, fmt.Errorf("%w: entity id is required", ErrInvalidOperation)
	}
	if action != ActionDelete && data == nil {
		return 0, fmt.Errorf("%w: %s requires a payload", ErrInvalidOperation, action)
	}

	var dataJSON any
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal operation payload: %w", err)
		}
		dataJSON = string(b)
	}

	res, err := h.ExecContext(ctx, `
		INSERT INTO sync_queue (entity, entity_id, action, data, op_key, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entity, entityID, string(action), dataJSON, uuid.New().String(),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s/%d: %w", action, entity, entityID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue id: %w", err)
	}
	return id, nil
}

// All returns every pending operation in FIFO insertion order.
func (q *Queue) All(ctx context.Context) ([]Operation, error) {
	return q.selectOps(ctx, q.db, `SELECT id, entity, entity_id, action, data, op_key, timestamp FROM sync_queue ORDER BY id`)
}

// Get returns one operation by queue id, or nil when it no longer exists.
func (q *Queue) Get(ctx context.Context, id int64) (*Operation, error) {
	ops, err := q.selectOps(ctx, q.db,
		`SELECT id, entity, entity_id, action, data, op_key, timestamp FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return &ops[0], nil
}

// PendingCreates returns the pending create operations for one entity, FIFO.
// Reconciliation uses this to find locally assigned ids that may collide with
// server-assigned ones.
func (q *Queue) PendingCreates(ctx context.Context, entity string) ([]Operation, error) {
	return q.selectOps(ctx, q.db, `
		SELECT id, entity, entity_id, action, data, op_key, timestamp
		FROM sync_queue WHERE entity = ? AND action = 'create' ORDER BY id
	`, entity)
}

// PendingCreatesTx is PendingCreates inside a caller-owned transaction.
func (q *Queue) PendingCreatesTx(ctx context.Context, tx *sql.Tx, entity string) ([]Operation, error) {
	return q.selectOps(ctx, tx, `
		SELECT id, entity, entity_id, action, data, op_key, timestamp
		FROM sync_queue WHERE entity = ? AND action = 'create' ORDER BY id
	`, entity)
}

// CountPending reports how many operations are queued for entity/action.
func (q *Queue) CountPending(ctx context.Context, entity string, action Action) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE entity = ? AND action = ?`,
		entity, string(action)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending %s %s: %w", action, entity, err)
	}
	return n, nil
}

// Len reports the total number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Remove deletes a queue entry after the remote store confirmed it.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue entry %d: %w", id, err)
	}
	return nil
}

// SetData replaces a queue entry's payload. The drain handlers use this to
// persist progress markers (e.g. the server-assigned parent id) so a retried
// entry does not repeat sub-calls that already succeeded.
func (q *Queue) SetData(ctx context.Context, id int64, data store.Record) error {
	return q.setData(ctx, q.db, id, data)
}

// SetDataTx is SetData inside a caller-owned transaction.
func (q *Queue) SetDataTx(ctx context.Context, tx *sql.Tx, id int64, data store.Record) error {
	return q.setData(ctx, tx, id, data)
}

func (q *Queue) setData(ctx context.Context, h dbtx, id int64, data store.Record) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal queue payload: %w", err)
	}
	if _, err := h.ExecContext(ctx, `UPDATE sync_queue SET data = ? WHERE id = ?`, string(b), id); err != nil {
		return fmt.Errorf("failed to update queue entry %d: %w", id, err)
	}
	return nil
}

// ReassignIDTx rewrites an operation's entity id and the id embedded in its
// payload in one statement pair, as part of the reconciliation transaction.
func (q *Queue) ReassignIDTx(ctx context.Context, tx *sql.Tx, op Operation, newID int64) error {
	data := op.Data
	if data != nil {
		data = data.Clone()
		data[store.FieldID] = newID
	}
	var dataJSON any
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal reassigned payload: %w", err)
		}
		dataJSON = string(b)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET entity_id = ?, data = ? WHERE id = ?`,
		newID, dataJSON, op.ID); err != nil {
		return fmt.Errorf("failed to reassign queue entry %d: %w", op.ID, err)
	}
	return nil
}

// RemapEntityIDTx repoints queued operations that still reference a locally
// assigned id at the id the server assigned on create. Only entries behind
// afterID move; the create entry itself stays as applied.
func (q *Queue) RemapEntityIDTx(ctx context.Context, tx *sql.Tx, entity string, oldID, newID, afterID int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET entity_id = ? WHERE entity = ? AND entity_id = ? AND id > ?`,
		newID, entity, oldID, afterID); err != nil {
		return fmt.Errorf("failed to remap queue entries for %s/%d: %w", entity, oldID, err)
	}
	return nil
}

func (q *Queue) selectOps(ctx context.Context, h dbtx, query string, args ...any) ([]Operation, error) {
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var (
			op       Operation
			action   string
			dataJSON sql.NullString
			queued   string
		)
		if err := rows.Scan(&op.ID, &op.Entity, &op.EntityID, &action, &dataJSON, &op.OpKey, &queued); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		op.Action = Action(action)
		if dataJSON.Valid {
			data := make(store.Record)
			if err := json.Unmarshal([]byte(dataJSON.String), &data); err != nil {
				return nil, fmt.Errorf("failed to decode payload for queue entry %d: %w", op.ID, err)
			}
			op.Data = data
		}
		if t, err := time.Parse(time.RFC3339Nano, queued); err == nil {
			op.Queued = t
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync queue: %w", err)
	}
	return ops, nil
}

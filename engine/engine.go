// Package engine orchestrates synchronization: it reconciles locally assigned
// ids against the remote store, then drains the pending-operation queue in
// FIFO order, dispatching each operation to a per-entity handler. A run never
// throws past its boundary; it always returns a Result summary.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yudhapratama/wmb/connectivity"
	"github.com/yudhapratama/wmb/pull"
	"github.com/yudhapratama/wmb/queue"
	"github.com/yudhapratama/wmb/remote"
	"github.com/yudhapratama/wmb/store"
)

// Result summarizes one sync run.
type Result struct {
	Success bool
	Synced  int
	Failed  int
	Message string
}

// Config holds engine tuning.
type Config struct {
	// AuditCollections are append-only collections whose offline-created rows
	// get locally assigned ids that must be remapped below drain.
	AuditCollections []string
}

// DefaultConfig covers the inventory audit log.
func DefaultConfig() *Config {
	return &Config{
		AuditCollections: []string{store.CollectionInventoryLog},
	}
}

// Engine drives sync runs. Sync is guarded by a single-flight lock: a call
// that overlaps a running sync is a no-op reporting "already running".
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	remote   *remote.Client
	net      connectivity.Oracle
	cfg      *Config
	logger   *slog.Logger
	handlers map[string]Handler

	syncMu sync.Mutex
}

// New builds an engine with the built-in entity handlers registered.
func New(st *store.Store, q *queue.Queue, rc *remote.Client, net connectivity.Oracle, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    st,
		queue:    q,
		remote:   rc,
		net:      net,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
	e.Register(store.CollectionExpenses, expensesHandler{})
	e.Register(store.CollectionPurchaseOrders, purchaseOrdersHandler{})
	e.Register(store.CollectionSales, salesHandler{})
	e.Register(store.CollectionInventoryLog, inventoryLogHandler{})
	return e
}

// Register installs (or replaces) the handler for an entity. Entities without
// a handler get the passthrough create/update/delete behavior.
func (e *Engine) Register(entity string, h Handler) {
	e.handlers[entity] = h
}

// Sync runs one full cycle: Reconciling, then Draining. It is a no-op when
// the device is offline or another sync is already in flight.
func (e *Engine) Sync(ctx context.Context) Result {
	if !e.net.Online() {
		return Result{Message: "device is offline, sync postponed"}
	}
	if !e.syncMu.TryLock() {
		return Result{Message: "sync already in progress"}
	}
	defer e.syncMu.Unlock()

	if err := e.reconcile(ctx); err != nil {
		// Draining with a known-colliding id would corrupt remote history, so
		// the run aborts before any operation is applied.
		e.logger.Error("id reconciliation failed, aborting sync run", "error", err)
		return Result{Message: fmt.Sprintf("id reconciliation failed: %v", err)}
	}

	return e.drain(ctx)
}

// BindConnectivity wires the engine to a connectivity monitor: the
// offline-to-online edge triggers an automatic sync attempt. Returns the
// unsubscribe function.
func (e *Engine) BindConnectivity(m *connectivity.Monitor) func() {
	return m.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			res := e.Sync(context.Background())
			e.logger.Info("connectivity-triggered sync finished",
				"success", res.Success, "synced", res.Synced, "failed", res.Failed, "message", res.Message)
		}()
	})
}

// InitialSync performs the bootstrap pull and then drains whatever the
// offline session queued.
func (e *Engine) InitialSync(ctx context.Context, p *pull.Pipeline) Result {
	if !e.net.Online() {
		return Result{Message: "device is offline, sync postponed"}
	}
	if err := p.Bootstrap(ctx); err != nil {
		e.logger.Error("bootstrap pull failed", "error", err)
		return Result{Message: fmt.Sprintf("bootstrap pull failed: %v", err)}
	}
	return e.Sync(ctx)
}

// reconcile remaps the ids of pending creates in audit collections into the
// contiguous range just above the remote's highest assigned id, preserving
// FIFO order. The local row, the queue entry's entity id and the id embedded
// in its payload move together in one transaction, or not at all.
func (e *Engine) reconcile(ctx context.Context) error {
	for _, collection := range e.cfg.AuditCollections {
		n, err := e.queue.CountPending(ctx, collection, queue.ActionCreate)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		remoteMax, err := e.remote.MaxID(ctx, collection)
		if err != nil {
			return fmt.Errorf("failed to learn remote max id for %s: %w", collection, err)
		}
		next := remoteMax + 1

		err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
			ops, err := e.queue.PendingCreatesTx(ctx, tx, collection)
			if err != nil {
				return err
			}

			type move struct {
				op    queue.Operation
				oldID int64
				newID int64
				row   store.Record
			}
			moves := make([]move, 0, len(ops))
			for _, op := range ops {
				oldID := op.EntityID
				if oldID == 0 {
					if id, ok := op.Data.ID(); ok {
						oldID = id
					}
				}
				row, err := e.store.GetTx(ctx, tx, collection, oldID)
				if err != nil {
					return err
				}
				moves = append(moves, move{op: op, oldID: oldID, newID: next, row: row})
				next++
			}

			// Delete every old row before inserting any new one: renumbering
			// can move a row onto an id another pending row still occupies.
			for _, mv := range moves {
				if mv.row != nil {
					if err := e.store.DeleteTx(ctx, tx, collection, mv.oldID); err != nil {
						return err
					}
				}
			}
			for _, mv := range moves {
				if mv.row != nil {
					mv.row[store.FieldID] = mv.newID
					if err := e.store.PutTx(ctx, tx, collection, mv.row); err != nil {
						return err
					}
				}
				if err := e.queue.ReassignIDTx(ctx, tx, mv.op, mv.newID); err != nil {
					return err
				}
				if mv.oldID != mv.newID {
					e.logger.Debug("reassigned audit id", "collection", collection,
						"old_id", mv.oldID, "new_id", mv.newID)
				}
			}

			// Future offline creates start above the range just claimed.
			return e.store.SeedIDFloorTx(ctx, tx, collection, next)
		})
		if err != nil {
			return fmt.Errorf("failed to reassign pending %s ids: %w", collection, err)
		}
		e.logger.Info("reconciled audit collection ids", "collection", collection,
			"remote_max", remoteMax, "reassigned", n)
	}
	return nil
}

// drain applies queued operations strictly FIFO. Failed entries stay queued
// for the next run; nothing is ever dropped automatically.
func (e *Engine) drain(ctx context.Context) Result {
	ops, err := e.queue.All(ctx)
	if err != nil {
		e.logger.Error("failed to read sync queue", "error", err)
		return Result{Message: fmt.Sprintf("failed to read sync queue: %v", err)}
	}
	if len(ops) == 0 {
		return Result{Success: true, Message: "no items to sync"}
	}

	env := &Env{Remote: e.remote, Store: e.store, Queue: e.queue, Logger: e.logger}
	synced, failed := 0, 0
	for _, op := range ops {
		// An earlier entry in this run may have remapped this entry's entity
		// id (server-assigned id adoption), so apply the stored state, not
		// the snapshot.
		fresh, err := e.queue.Get(ctx, op.ID)
		if err != nil {
			failed++
			e.logger.Error("failed to re-read queue entry", "queue_id", op.ID, "error", err)
			continue
		}
		if fresh == nil {
			continue
		}
		op = *fresh

		h, ok := e.handlers[op.Entity]
		if !ok {
			h = passthroughHandler{}
		}
		if err := h.Apply(ctx, env, op); err != nil {
			failed++
			e.logger.Warn("failed to sync operation, keeping it queued",
				"queue_id", op.ID, "entity", op.Entity, "action", op.Action, "error", err)
			continue
		}
		if err := e.queue.Remove(ctx, op.ID); err != nil {
			failed++
			e.logger.Error("failed to remove confirmed operation", "queue_id", op.ID, "error", err)
			continue
		}
		synced++
	}

	e.seedAuditFloors(ctx)

	return Result{
		Success: failed == 0,
		Synced:  synced,
		Failed:  failed,
		Message: fmt.Sprintf("synced %d of %d operations", synced, len(ops)),
	}
}

// seedAuditFloors records a safe next-id floor for each audit collection so
// offline creates after this run start above everything the server and the
// local cache have seen. Best effort; failures only log.
func (e *Engine) seedAuditFloors(ctx context.Context) {
	for _, collection := range e.cfg.AuditCollections {
		remoteMax, err := e.remote.MaxID(ctx, collection)
		if err != nil {
			e.logger.Warn("failed to read remote max id for floor seeding",
				"collection", collection, "error", err)
			continue
		}
		localMax, err := e.store.MaxID(ctx, collection)
		if err != nil {
			e.logger.Warn("failed to read local max id for floor seeding",
				"collection", collection, "error", err)
			continue
		}
		floor := remoteMax
		if localMax > floor {
			floor = localMax
		}
		if err := e.store.SeedIDFloor(ctx, collection, floor+1); err != nil {
			e.logger.Warn("failed to seed id floor", "collection", collection, "error", err)
		}
	}
}

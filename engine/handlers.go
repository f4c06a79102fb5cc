package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/yudhapratama/wmb/queue"
	"github.com/yudhapratama/wmb/remote"
	"github.com/yudhapratama/wmb/store"
)

// Env gives handlers access to the engine's collaborators.
type Env struct {
	Remote *remote.Client
	Store  *store.Store
	Queue  *queue.Queue
	Logger *slog.Logger
}

// Handler applies one queued operation against the remote store. An error
// means the whole queue entry is retried as a unit on the next drain, so
// handlers that decompose into multiple remote calls persist progress markers
// on the entry to keep retries from duplicating already-applied sub-calls.
type Handler interface {
	Apply(ctx context.Context, env *Env, op queue.Operation) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *Env, op queue.Operation) error

func (f HandlerFunc) Apply(ctx context.Context, env *Env, op queue.Operation) error {
	return f(ctx, env, op)
}

// Progress-marker fields the handlers persist on a queue entry's payload.
// They never reach the remote store.
const (
	markRemoteID       = "_remote_id"
	markAppliedItems   = "_applied_items"
	markAppliedDeletes = "_applied_deletes"
)

// adoptRemoteID moves a locally created row, and any queued operations still
// referencing its placeholder id, onto the id the server assigned on create.
// Entries ahead of the create in the queue are untouched.
func (env *Env) adoptRemoteID(ctx context.Context, op queue.Operation, remoteID int64) error {
	if remoteID == 0 || remoteID == op.EntityID {
		return nil
	}
	return env.Store.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := env.Store.GetTx(ctx, tx, op.Entity, op.EntityID)
		if err != nil {
			return err
		}
		if row != nil {
			if err := env.Store.DeleteTx(ctx, tx, op.Entity, op.EntityID); err != nil {
				return err
			}
			row[store.FieldID] = remoteID
			if err := env.Store.PutTx(ctx, tx, op.Entity, row); err != nil {
				return err
			}
		}
		return env.Queue.RemapEntityIDTx(ctx, tx, op.Entity, op.EntityID, remoteID, op.ID)
	})
}

// cleanPayload strips the cache-management fields, progress markers and any
// extra fields from a copy of the payload, leaving what the remote store
// accepts.
func cleanPayload(data store.Record, extra ...string) remote.Item {
	out := make(remote.Item, len(data))
	for k, v := range data {
		switch k {
		case store.FieldID, store.FieldSyncStatus, store.FieldCachedAt,
			"entity_id", markRemoteID, markAppliedItems, markAppliedDeletes:
			continue
		}
		out[k] = v
	}
	for _, k := range extra {
		delete(out, k)
	}
	return out
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// asItems normalizes a nested item list: after a queue round trip it is
// []any of objects, in-process it may still be []store.Record.
func asItems(v any) []store.Record {
	switch list := v.(type) {
	case []store.Record:
		return list
	case []any:
		out := make([]store.Record, 0, len(list))
		for _, raw := range list {
			if obj, ok := raw.(map[string]any); ok {
				out = append(out, store.Record(obj))
			}
		}
		return out
	default:
		return nil
	}
}

// uploadAttachment uploads an attachment payload ({"filename", "content"}
// with base64 content) and returns the assigned remote file id. Values that
// are not attachment objects pass through unchanged.
func uploadAttachment(ctx context.Context, env *Env, v any) (any, error) {
	att, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	name, _ := att["filename"].(string)
	content, _ := att["content"].(string)
	if content == "" {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %q: %w", name, err)
	}
	fileID, err := env.Remote.UploadFile(ctx, name, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to upload attachment %q: %w", name, err)
	}
	return fileID, nil
}

// dateOnly trims a timestamp string to its date part for date-typed remote
// fields.
func dateOnly(v string) string {
	if len(v) >= 10 {
		return v[:10]
	}
	return v
}

func isEmpty(v any) bool {
	return v == nil || v == ""
}

// passthroughHandler is the default: one remote call per operation, payload
// sent after cleaning.
type passthroughHandler struct{}

func (passthroughHandler) Apply(ctx context.Context, env *Env, op queue.Operation) error {
	switch op.Action {
	case queue.ActionCreate:
		created, err := env.Remote.Create(ctx, op.Entity, cleanPayload(op.Data))
		if err != nil {
			return err
		}
		if id, ok := asInt64(created["id"]); ok {
			return env.adoptRemoteID(ctx, op, id)
		}
		return nil
	case queue.ActionUpdate:
		_, err := env.Remote.Update(ctx, op.Entity, op.EntityID, cleanPayload(op.Data))
		return err
	case queue.ActionDelete:
		return env.Remote.Delete(ctx, op.Entity, op.EntityID)
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
}

// inventoryLogHandler sends audit-log creates with their reconciled id so the
// remote row matches the local one exactly.
type inventoryLogHandler struct{}

func (inventoryLogHandler) Apply(ctx context.Context, env *Env, op queue.Operation) error {
	if op.Action != queue.ActionCreate {
		return passthroughHandler{}.Apply(ctx, env, op)
	}
	payload := cleanPayload(op.Data)
	payload["id"] = op.EntityID
	_, err := env.Remote.Create(ctx, op.Entity, payload)
	return err
}

// expensesHandler shapes expense payloads: date-only tanggal, receipt upload
// via /files, and dropping of empty optional fields.
type expensesHandler struct{}

func (expensesHandler) Apply(ctx context.Context, env *Env, op queue.Operation) error {
	if op.Action == queue.ActionDelete {
		return env.Remote.Delete(ctx, op.Entity, op.EntityID)
	}

	payload := cleanPayload(op.Data)
	if v, ok := payload["tanggal"].(string); ok {
		payload["tanggal"] = dateOnly(v)
	}

	if receipt, ok := payload["bukti_pembayaran"]; ok {
		if isEmpty(receipt) {
			delete(payload, "bukti_pembayaran")
		} else {
			uploaded, err := uploadAttachment(ctx, env, receipt)
			if err != nil {
				return err
			}
			payload["bukti_pembayaran"] = uploaded
		}
	}

	// The remote schema rejects empty strings on optional fields; only the
	// expense name is required.
	for k, v := range payload {
		if k != "nama_pengeluaran" && isEmpty(v) {
			delete(payload, k)
		}
	}

	switch op.Action {
	case queue.ActionCreate:
		created, err := env.Remote.Create(ctx, op.Entity, payload)
		if err != nil {
			return err
		}
		if id, ok := asInt64(created["id"]); ok {
			return env.adoptRemoteID(ctx, op, id)
		}
		return nil
	case queue.ActionUpdate:
		_, err := env.Remote.Update(ctx, op.Entity, op.EntityID, payload)
		return err
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
}

// purchaseOrdersHandler decomposes an order operation into parent and line
// item calls. Creates persist the server-assigned parent id and a count of
// applied children back onto the queue entry, so a retry after a mid-loop
// failure resumes instead of duplicating.
type purchaseOrdersHandler struct{}

func (purchaseOrdersHandler) Apply(ctx context.Context, env *Env, op queue.Operation) error {
	switch op.Action {
	case queue.ActionCreate:
		return applyOrderCreate(ctx, env, op)
	case queue.ActionUpdate:
		return applyOrderUpdate(ctx, env, op)
	case queue.ActionDelete:
		return env.Remote.Delete(ctx, op.Entity, op.EntityID)
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
}

func applyOrderCreate(ctx context.Context, env *Env, op queue.Operation) error {
	data := op.Data.Clone()
	items := asItems(data["items"])

	remoteID, created := asInt64(data[markRemoteID])
	if !created {
		orderPayload := cleanPayload(data, "items", "deletedItems")
		createdOrder, err := env.Remote.Create(ctx, op.Entity, orderPayload)
		if err != nil {
			return err
		}
		id, ok := asInt64(createdOrder["id"])
		if !ok {
			return fmt.Errorf("remote create of %s returned no id", op.Entity)
		}
		remoteID = id
		data[markRemoteID] = remoteID
		if err := env.Queue.SetData(ctx, op.ID, data); err != nil {
			return err
		}
	}
	// Later queued operations (a receive or edit of this same order) must
	// land on the server-assigned id, not the placeholder.
	if err := env.adoptRemoteID(ctx, op, remoteID); err != nil {
		return err
	}

	applied := 0
	if n, ok := asInt64(data[markAppliedItems]); ok {
		applied = int(n)
	}
	for i, item := range items {
		if i < applied {
			continue
		}
		payload := cleanPayload(item)
		payload["purchase_order"] = remoteID
		if _, err := env.Remote.Create(ctx, store.CollectionPOItems, payload); err != nil {
			return err
		}
		data[markAppliedItems] = i + 1
		if err := env.Queue.SetData(ctx, op.ID, data); err != nil {
			return err
		}
	}
	return nil
}

func applyOrderUpdate(ctx context.Context, env *Env, op queue.Operation) error {
	data := op.Data.Clone()
	items := asItems(data["items"])
	deletedItems := asItems(data["deletedItems"])

	orderPayload := cleanPayload(data, "items", "deletedItems")
	// Older callers wrote the note under catatan_pembayaran.
	if isEmpty(orderPayload["catatan_pembelian"]) && !isEmpty(orderPayload["catatan_pembayaran"]) {
		orderPayload["catatan_pembelian"] = orderPayload["catatan_pembayaran"]
	}
	delete(orderPayload, "catatan_pembayaran")

	if _, err := env.Remote.Update(ctx, op.Entity, op.EntityID, orderPayload); err != nil {
		return err
	}

	// Child deletes and creates carry the same resume markers as order
	// creates: a retried entry skips sub-calls the failed attempt already
	// applied instead of duplicating line items or re-deleting gone rows.
	deleted := 0
	if n, ok := asInt64(data[markAppliedDeletes]); ok {
		deleted = int(n)
	}
	for i, del := range deletedItems {
		if i < deleted {
			continue
		}
		if id, ok := del.ID(); ok {
			if err := deletePOItem(ctx, env, id); err != nil {
				return err
			}
		}
		data[markAppliedDeletes] = i + 1
		if err := env.Queue.SetData(ctx, op.ID, data); err != nil {
			return err
		}
	}

	applied := 0
	if n, ok := asInt64(data[markAppliedItems]); ok {
		applied = int(n)
	}
	for i, item := range items {
		if i < applied {
			continue
		}
		itemID, hasID := item.ID()
		if hasID {
			payload, err := receivingItemPatch(ctx, env, item)
			if err != nil {
				return err
			}
			if len(payload) > 0 {
				if _, err := env.Remote.Update(ctx, store.CollectionPOItems, itemID, payload); err != nil {
					return err
				}
			}
		} else {
			payload := remote.Item{
				"raw_material_id": item["raw_material_id"],
				"item":            item["raw_material_id"],
				"quantity":        item["quantity"],
				"price":           item["price"],
				"unit":            item["unit"],
				"jumlah_pesan":    firstNonNil(item["quantity"], item["jumlah_pesan"]),
				"harga_satuan":    firstNonNil(item["price"], item["harga_satuan"]),
				"purchase_order":  op.EntityID,
			}
			// The remote schema treats absent and null differently; fields
			// the caller never set stay absent.
			for k, v := range payload {
				if v == nil {
					delete(payload, k)
				}
			}
			if _, err := env.Remote.Create(ctx, store.CollectionPOItems, payload); err != nil {
				return err
			}
		}
		data[markAppliedItems] = i + 1
		if err := env.Queue.SetData(ctx, op.ID, data); err != nil {
			return err
		}
	}
	return nil
}

// deletePOItem removes a line item, treating an already-removed row as done
// so a retried entry cannot wedge on rows an earlier attempt deleted.
func deletePOItem(ctx context.Context, env *Env, id int64) error {
	err := env.Remote.Delete(ctx, store.CollectionPOItems, id)
	if err == nil {
		return nil
	}
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// receivingItemPatch builds the partial item update. The receiving flow sends
// received/shrinkage quantities (plus optional photographic proof); the edit
// flow sends ordered quantity and price under either naming.
func receivingItemPatch(ctx context.Context, env *Env, item store.Record) (remote.Item, error) {
	payload := remote.Item{}

	if _, ok := item["total_diterima"]; ok {
		payload["total_diterima"] = item["total_diterima"]
		payload["total_penyusutan"] = item["total_penyusutan"]
		payload["alasan_penyusutan"] = item["alasan_penyusutan"]
		payload["jumlah_dapat_digunakan"] = item["jumlah_dapat_digunakan"]
		if proof, ok := item["bukti_penyusutan"]; ok && !isEmpty(proof) {
			uploaded, err := uploadAttachment(ctx, env, proof)
			if err != nil {
				return nil, err
			}
			payload["bukti_penyusutan"] = uploaded
		} else {
			payload["bukti_penyusutan"] = item["bukti_penyusutan"]
		}
	}

	if v, ok := item["quantity"]; ok {
		payload["jumlah_pesan"] = v
	}
	if v, ok := item["jumlah_pesan"]; ok {
		payload["jumlah_pesan"] = v
	}
	if v, ok := item["price"]; ok {
		payload["harga_satuan"] = v
	}
	if v, ok := item["harga_satuan"]; ok {
		payload["harga_satuan"] = v
	}
	if v, ok := item["raw_material_id"]; ok {
		payload["raw_material_id"] = v
	}
	if v, ok := item["unit"]; ok {
		payload["unit"] = v
	}
	return payload, nil
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// salesHandler decomposes a sale create into the sale plus its line items,
// with the same resume-on-retry markers as purchase orders.
type salesHandler struct{}

func (salesHandler) Apply(ctx context.Context, env *Env, op queue.Operation) error {
	if op.Action != queue.ActionCreate {
		// The remote store owns date_created/date_updated.
		data := cleanPayload(op.Data, "date_created", "date_updated")
		switch op.Action {
		case queue.ActionUpdate:
			_, err := env.Remote.Update(ctx, op.Entity, op.EntityID, data)
			return err
		case queue.ActionDelete:
			return env.Remote.Delete(ctx, op.Entity, op.EntityID)
		default:
			return fmt.Errorf("unknown action %q", op.Action)
		}
	}

	data := op.Data.Clone()
	items := asItems(data["items"])

	remoteID, created := asInt64(data[markRemoteID])
	if !created {
		salePayload := cleanPayload(data, "items", "date_created", "date_updated")
		createdSale, err := env.Remote.Create(ctx, op.Entity, salePayload)
		if err != nil {
			return err
		}
		id, ok := asInt64(createdSale["id"])
		if !ok {
			return fmt.Errorf("remote create of %s returned no id", op.Entity)
		}
		remoteID = id
		data[markRemoteID] = remoteID
		if err := env.Queue.SetData(ctx, op.ID, data); err != nil {
			return err
		}
	}
	if err := env.adoptRemoteID(ctx, op, remoteID); err != nil {
		return err
	}

	applied := 0
	if n, ok := asInt64(data[markAppliedItems]); ok {
		applied = int(n)
	}
	for i, item := range items {
		if i < applied {
			continue
		}
		payload := cleanPayload(item)
		payload["sales_id"] = remoteID
		if _, err := env.Remote.Create(ctx, store.CollectionSalesItems, payload); err != nil {
			return err
		}
		data[markAppliedItems] = i + 1
		if err := env.Queue.SetData(ctx, op.ID, data); err != nil {
			return err
		}
	}
	return nil
}

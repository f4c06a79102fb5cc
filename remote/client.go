// Package remote is the typed gateway to the remote item store: collection
// scoped CRUD over /items/{collection}, filter/fields/sort/limit query
// parameters, bearer auth with a single transparent refresh-and-retry on 401,
// and multipart file upload. The wire protocol follows the headless platform
// the backend runs (Directus-style data envelopes); everything above this
// package treats it as an opaque item store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnauthorized marks a request that still failed with 401 after the
// refresh-and-retry. The session is invalid; queued writes stay queued until
// the user re-authenticates.
var ErrUnauthorized = errors.New("remote: unauthorized")

// APIError is any non-2xx response from the remote store.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote %s %s returned status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Item is one decoded remote row. Relation fields may arrive either as bare
// scalar ids or as expanded objects, depending on the fields parameter.
type Item = map[string]any

// ListQuery carries the supported query parameters for collection reads.
type ListQuery struct {
	Fields []string       // field selection, supports dotted relation paths
	Filter map[string]any // encoded as the platform's JSON filter parameter
	Sort   []string       // e.g. "-id", "-date_created"
	Limit  int
}

// Client performs collection-scoped CRUD against the remote item store.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
	logger  *slog.Logger
}

// NewClient builds a gateway for the given base URL. Requests carry a bounded
// timeout; a timeout is treated like any other failure and the operation
// stays queued.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Tokens:  tokens,
		logger:  logger,
	}
}

// List fetches items from a collection.
func (c *Client) List(ctx context.Context, collection string, q ListQuery) ([]Item, error) {
	var items []Item
	if err := c.do(ctx, http.MethodGet, "/items/"+collection, q.values(), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Get fetches a single item by id.
func (c *Client) Get(ctx context.Context, collection string, id int64, fields []string) (Item, error) {
	values := url.Values{}
	if len(fields) > 0 {
		values.Set("fields", strings.Join(fields, ","))
	}
	var item Item
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/items/%s/%d", collection, id), values, nil, &item); err != nil {
		return nil, err
	}
	return item, nil
}

// Create inserts an item and returns the stored row, including the
// server-assigned id.
func (c *Client) Create(ctx context.Context, collection string, payload Item) (Item, error) {
	var created Item
	if err := c.do(ctx, http.MethodPost, "/items/"+collection, nil, payload, &created); err != nil {
		return nil, err
	}
	return created, nil
}

// Update patches an item with a partial payload.
func (c *Client) Update(ctx context.Context, collection string, id int64, payload Item) (Item, error) {
	var updated Item
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/items/%s/%d", collection, id), nil, payload, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes an item.
func (c *Client) Delete(ctx context.Context, collection string, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/items/%s/%d", collection, id), nil, nil, nil)
}

// MaxID returns the highest assigned id in a collection, or 0 when empty.
// Reconciliation uses this to pick a collision-free id range.
func (c *Client) MaxID(ctx context.Context, collection string) (int64, error) {
	items, err := c.List(ctx, collection, ListQuery{
		Fields: []string{"id"},
		Sort:   []string{"-id"},
		Limit:  1,
	})
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	switch id := items[0]["id"].(type) {
	case float64:
		return int64(id), nil
	case int64:
		return id, nil
	default:
		return 0, fmt.Errorf("remote %s returned non-numeric id %v", collection, items[0]["id"])
	}
}

func (q ListQuery) values() url.Values {
	values := url.Values{}
	if len(q.Fields) > 0 {
		values.Set("fields", strings.Join(q.Fields, ","))
	}
	if len(q.Filter) > 0 {
		if b, err := json.Marshal(q.Filter); err == nil {
			values.Set("filter", string(b))
		}
	}
	if len(q.Sort) > 0 {
		values.Set("sort", strings.Join(q.Sort, ","))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	return values
}

// do sends one request with the bearer credential attached. A 401 triggers
// exactly one token invalidation and retry; the second 401 surfaces as
// ErrUnauthorized. Response bodies are unwrapped from the {"data": ...}
// envelope into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, values url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	reqURL := c.BaseURL + path
	if len(values) > 0 {
		reqURL += "?" + values.Encode()
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		token, err := c.Tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send %s %s: %w", method, path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.logger.Debug("request unauthorized, refreshing token", "method", method, "path", path)
			c.Tokens.Invalidate()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			apiErr := &APIError{Status: resp.StatusCode, Method: method, Path: path, Body: string(respBody)}
			if resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr)
			}
			return apiErr
		}

		if out == nil {
			resp.Body.Close()
			return nil
		}

		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&envelope)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to decode response from %s %s: %w", method, path, err)
		}
		if len(envelope.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode data envelope from %s %s: %w", method, path, err)
		}
		return nil
	}
}

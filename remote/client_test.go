package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, StaticToken("abc"), nil)
}

func TestListSendsQueryParameters(t *testing.T) {
	var gotPath, gotAuth string
	var gotQuery map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `{"data":[{"id":1,"nama_item":"Gula"},{"id":2,"nama_item":"Kopi"}]}`)
	})

	items, err := c.List(context.Background(), "raw_materials", ListQuery{
		Fields: []string{"*", "kategori.*"},
		Filter: map[string]any{"kategori": map[string]any{"_eq": 3}},
		Sort:   []string{"-id"},
		Limit:  25,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "Gula", items[0]["nama_item"])

	require.Equal(t, "/items/raw_materials", gotPath)
	require.Equal(t, "Bearer abc", gotAuth)
	require.Equal(t, "*,kategori.*", gotQuery["fields"][0])
	require.Equal(t, "-id", gotQuery["sort"][0])
	require.Equal(t, "25", gotQuery["limit"][0])
	require.JSONEq(t, `{"kategori":{"_eq":3}}`, gotQuery["filter"][0])
}

func TestCreateUnwrapsDataEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "Listrik", payload["nama_pengeluaran"])

		fmt.Fprint(w, `{"data":{"id":55,"nama_pengeluaran":"Listrik"}}`)
	})

	created, err := c.Create(context.Background(), "expenses", Item{"nama_pengeluaran": "Listrik"})
	require.NoError(t, err)
	require.EqualValues(t, 55, created["id"])
}

func TestUpdateAndDelete(t *testing.T) {
	var methods []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fmt.Fprint(w, `{"data":{"id":7,"status":"received"}}`)
	})

	updated, err := c.Update(context.Background(), "purchase_orders", 7, Item{"status": "received"})
	require.NoError(t, err)
	require.Equal(t, "received", updated["status"])

	require.NoError(t, c.Delete(context.Background(), "purchase_orders", 7))
	require.Equal(t, []string{
		"PATCH /items/purchase_orders/7",
		"DELETE /items/purchase_orders/7",
	}, methods)
}

func TestNonOKStatusReturnsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"forbidden"}]}`, http.StatusForbidden)
	})

	_, err := c.Get(context.Background(), "sales", 1, nil)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.Status)
	require.Contains(t, apiErr.Body, "forbidden")
}

// recordingTokenSource hands out a sequence of tokens and counts invalidations.
type recordingTokenSource struct {
	tokens      []string
	next        int
	invalidated int
}

func (ts *recordingTokenSource) Token(ctx context.Context) (string, error) {
	tok := ts.tokens[ts.next]
	if ts.next < len(ts.tokens)-1 {
		ts.next++
	}
	return tok, nil
}

func (ts *recordingTokenSource) Invalidate() { ts.invalidated++ }

func TestUnauthorizedRetriesExactlyOnce(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		seen = append(seen, auth)
		if auth != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":1}]}`)
	}))
	defer srv.Close()

	ts := &recordingTokenSource{tokens: []string{"stale", "fresh"}}
	c := NewClient(srv.URL, ts, nil)

	items, err := c.List(context.Background(), "sales", ListQuery{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, ts.invalidated)
	require.Equal(t, []string{"Bearer stale", "Bearer fresh"}, seen)
}

func TestSecondUnauthorizedSurfaces(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ts := &recordingTokenSource{tokens: []string{"stale", "still-stale"}}
	c := NewClient(srv.URL, ts, nil)

	_, err := c.List(context.Background(), "sales", ListQuery{})
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, 2, requests, "exactly one retry")
}

func TestMaxID(t *testing.T) {
	var gotQuery map[string][]string
	empty := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		if empty {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":40}]}`)
	})

	max, err := c.MaxID(context.Background(), "log_inventaris")
	require.NoError(t, err)
	require.Equal(t, int64(40), max)
	require.Equal(t, "-id", gotQuery["sort"][0])
	require.Equal(t, "1", gotQuery["limit"][0])
	require.Equal(t, "id", gotQuery["fields"][0])

	empty = true
	max, err = c.MaxID(context.Background(), "log_inventaris")
	require.NoError(t, err)
	require.Zero(t, max)
}

func TestUploadFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1 << 20))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		require.Equal(t, "receipt.jpg", header.Filename)

		contents, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, "jpeg-bytes", string(contents))

		fmt.Fprint(w, `{"data":{"id":"f8a2c7d1"}}`)
	})

	id, err := c.UploadFile(context.Background(), "receipt.jpg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	require.Equal(t, "f8a2c7d1", id)
}

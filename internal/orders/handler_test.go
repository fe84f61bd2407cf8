package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

func newServer(t *testing.T) (*httptest.Server, *fixture) {
	t.Helper()
	f := newFixture(t, true)
	r := chi.NewRouter()
	NewHandler(f.svc).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, f
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHandlerCreateAndList(t *testing.T) {
	srv, _ := newServer(t)

	resp := post(t, srv.URL+"/orders", `{"userId":"u-1","productId":1,"quantity":2}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "100", created.TotalPrice.String())

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/orders", `{"userId":"u-1","productId":1,"quantity":0}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/orders", `{"productId":1,"quantity":1,"extra":true}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, srv.URL+"/orders", `{"userId":"u-1","productId":9,"quantity":1}`).StatusCode)

	lr, err := http.Get(srv.URL + "/orders")
	require.NoError(t, err)
	defer lr.Body.Close()
	var list []domain.Order
	require.NoError(t, json.NewDecoder(lr.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestClientConfirmAndRepeat(t *testing.T) {
	srv, f := newServer(t)
	ctx := context.Background()
	o, err := f.svc.Create(ctx, CreateInput{UserID: "u", ProductID: 1, Quantity: 1})
	require.NoError(t, err)

	c := NewClient(srv.URL, time.Second)
	got, err := c.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, got.Status)

	require.NoError(t, c.Confirm(ctx, o.ID))
	assert.ErrorIs(t, c.Confirm(ctx, o.ID), domain.ErrConflict)
	assert.ErrorIs(t, c.Cancel(ctx, o.ID), domain.ErrConflict)

	_, err = c.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientCancelRestocks(t *testing.T) {
	srv, f := newServer(t)
	ctx := context.Background()
	o, err := f.svc.Create(ctx, CreateInput{UserID: "u", ProductID: 1, Quantity: 5})
	require.NoError(t, err)

	c := NewClient(srv.URL, time.Second)
	require.NoError(t, c.Cancel(ctx, o.ID))
	assert.Equal(t, 10, f.stock(t))
}

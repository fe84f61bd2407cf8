package products

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nsridhar76/go-fulfillment/internal/cache"
	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/httpx"
)

// StockInput is the payload of PATCH /products/{id}/stock.
type StockInput struct {
	Amount *int `json:"amount"`
}

// Handler serves the product routes. Reads go through the cache when one
// is configured and writes invalidate the affected keys.
type Handler struct {
	svc    *Service
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewHandler returns a Handler. c may be nil to disable caching.
func NewHandler(svc *Service, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, cache: c, ttl: ttl, logger: logger}
}

// Routes mounts the product endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/products", func(r chi.Router) {
		r.Post("/", h.create)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.remove)
		r.Patch("/{id}/stock", h.adjustStock)
		r.Group(func(r chi.Router) {
			if h.cache != nil {
				r.Use(cache.Middleware(h.cache, h.ttl, h.logger))
			}
			r.Get("/", h.list)
			r.Get("/{id}", h.get)
		})
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if items == nil {
		items = []domain.Product{}
	}
	httpx.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	p, err := h.svc.Create(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.invalidate(r, "/products")
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var in UpdateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	p, err := h.svc.Update(r.Context(), id, in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.invalidate(r, "/products", fmt.Sprintf("/products/%d", id))
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.invalidate(r, "/products", fmt.Sprintf("/products/%d", id))
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "product deleted"})
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var in StockInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if in.Amount == nil {
		httpx.WriteError(w, fmt.Errorf("%w: amount is required", domain.ErrValidation))
		return
	}
	p, err := h.svc.AdjustStock(r.Context(), id, *in.Amount)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.invalidate(r, "/products", fmt.Sprintf("/products/%d", id))
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) invalidate(r *http.Request, keys ...string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(r.Context(), keys...); err != nil {
		h.logger.Warn("cache invalidation failed", "keys", keys, "error", err)
	}
}

func productID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid product id %q", domain.ErrValidation, raw)
	}
	return id, nil
}

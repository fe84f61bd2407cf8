package notification

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
	"github.com/nsridhar76/go-fulfillment/internal/httpx"
)

// SendResponse is the body of POST /notify.
type SendResponse struct {
	Message      string               `json:"message"`
	Notification *domain.Notification `json:"notification"`
}

// Handler serves the notification routes.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/notify", h.send)
	r.Get("/notifications", h.list)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var in SendInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	n, err := h.svc.Send(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, SendResponse{Message: "notification sent", Notification: n})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if items == nil {
		items = []domain.Notification{}
	}
	httpx.WriteJSON(w, http.StatusOK, items)
}

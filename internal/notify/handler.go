package notify

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/freelancehq/portal/internal/platform/httpx"
)

// Handler exposes client notifications over HTTP.
type Handler struct {
	logger     *slog.Logger
	dispatcher *Dispatcher
}

func NewHandler(logger *slog.Logger, dispatcher *Dispatcher) *Handler {
	return &Handler{logger: logger, dispatcher: dispatcher}
}

// MountClientRoutes registers routes nested under /clients/{id}.
func (h *Handler) MountClientRoutes(r chi.Router) {
	r.Get("/notifications", h.list)
}

// MountRoutes registers notification routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{id}/read", h.markRead)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || clientID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid client ID", "client id must be a positive integer")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	unread := r.URL.Query().Get("unread") == "true"

	items, err := h.dispatcher.Notifications(r.Context(), clientID, unread, limit)
	if err != nil {
		h.logger.Error("list notifications failed", slog.Any("error", err), slog.Int64("client_id", clientID))
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []Notification{}
	}
	httpx.OK(w, http.StatusOK, items, "")
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid notification ID", "notification id must be a positive integer")
		return
	}
	if err := h.dispatcher.MarkRead(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, map[string]any{"id": id, "is_read": true}, "Notification marked as read")
}

package billing

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/freelancehq/portal/internal/platform/httpx"
	"github.com/freelancehq/portal/internal/shared"
)

// IdempotencyHeader carries the client supplied payment idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes invoice operations as JSON endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds the billing HTTP handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers invoice routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.show)
		r.Post("/items", h.addItem)
		r.Delete("/items/{itemID}", h.removeItem)
		r.Patch("/adjustments", h.adjust)
		r.Post("/payments", h.registerPayment)
		r.Post("/send", h.send)
		r.Post("/cancel", h.cancel)
		r.Post("/reconcile", h.reconcile)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListInvoicesRequest{Status: InvoiceStatus(q.Get("status"))}
	if v := q.Get("client_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid client ID", "client_id must be a positive integer")
			return
		}
		req.ClientID = id
	}
	req.Limit, _ = strconv.Atoi(q.Get("limit"))
	req.Offset, _ = strconv.Atoi(q.Get("offset"))
	if req.Offset < 0 {
		req.Offset = 0
	}

	res, err := h.service.List(r.Context(), req)
	if err != nil {
		h.fail(w, r, "list invoices", err)
		return
	}
	httpx.OK(w, http.StatusOK, res.Data, res.Message)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInvoiceInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	res, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, "create invoice", err)
		return
	}
	httpx.OK(w, http.StatusCreated, res.Data, res.Message)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get invoice", err)
		return
	}
	httpx.OK(w, http.StatusOK, res.Data, res.Message)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in AddItemInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	in.InvoiceID = id
	res, err := h.service.AddItem(r.Context(), in)
	if err != nil {
		h.fail(w, r, "add invoice item", err)
		return
	}
	httpx.OK(w, http.StatusCreated, res.Data, res.Message)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	res, err := h.service.RemoveItem(r.Context(), id, itemID)
	if err != nil {
		h.fail(w, r, "remove invoice item", err)
		return
	}
	httpx.OK(w, http.StatusOK, res.Data, res.Message)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in AdjustmentsInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	in.InvoiceID = id
	res, err := h.service.UpdateTaxDiscount(r.Context(), in)
	if err != nil {
		h.fail(w, r, "adjust invoice", err)
		return
	}
	httpx.OK(w, http.StatusOK, res.Data, res.Message)
}

func (h *Handler) registerPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in RegisterPaymentInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	in.InvoiceID = id
	in.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	res, err := h.service.RegisterPayment(r.Context(), in)
	if err != nil {
		h.fail(w, r, "register payment", err)
		return
	}
	status := http.StatusCreated
	if res.Data.Replayed {
		status = http.StatusOK
	}
	httpx.OK(w, status, res.Data, res.Message)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.service.Send(r.Context(), id)
	if err != nil {
		h.fail(w, r, "send invoice", err)
		return
	}
	httpx.OK(w, http.StatusOK, res.Data, res.Message)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, "cancel invoice", err)
		return
	}
	httpx.OK(w, http.StatusOK, res.Data, res.Message)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		h.fail(w, r, "reconcile invoice", err)
		return
	}
	httpx.OK(w, http.StatusOK, res.Data, res.Message)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := shared.KindOf(err)
	attrs := []any{slog.String("op", op), slog.String("kind", string(kind)), slog.Any("error", err)}
	switch kind {
	case shared.KindStorage, shared.KindConfiguration, shared.KindEmailDelivery:
		h.logger.ErrorContext(r.Context(), "billing request failed", attrs...)
	default:
		h.logger.InfoContext(r.Context(), "billing request rejected", attrs...)
	}
	httpx.RespondError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid "+param, param+" must be a positive integer")
		return 0, false
	}
	return id, true
}

package httpd

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/payloops/backend/internal/domain"
	"github.com/payloops/backend/internal/processor"
	"github.com/payloops/backend/internal/repository"
	"github.com/payloops/backend/internal/usecase"
)

type Handler struct {
	orders     *usecase.OrderUsecase
	reconciler *usecase.Reconciler
	store      *repository.Store
	procs      *processor.Registry
	validate   *validator.Validate
}

func NewHandler(orders *usecase.OrderUsecase, rec *usecase.Reconciler, store *repository.Store, procs *processor.Registry) *Handler {
	return &Handler{
		orders:     orders,
		reconciler: rec,
		store:      store,
		procs:      procs,
		validate:   validator.New(),
	}
}

func (h *Handler) Routes(sig SigConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Merchant API and orchestrator callbacks are HMAC-signed. Processor
	// webhooks carry their own per-processor signatures and are mounted
	// outside the middleware.
	r.Group(func(r chi.Router) {
		r.Use(SignatureMiddleware(sig))

		r.Post("/api/v1/orders", h.CreateOrder)
		r.Post("/api/v1/orders/{referenceNo}/pay", h.PayOrder)
		r.Get("/api/v1/orders", h.ListOrders)
		r.Get("/api/v1/orders/{referenceNo}", h.GetOrder)

		r.Post("/internal/v1/orders/{referenceNo}/awaiting-action", h.AwaitingAction)
	})

	r.Post("/webhooks/{processor}", h.ProcessorWebhook)
	r.Get("/api/v1/healthz", h.Healthz)

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseAmountToMinor(value string) (int64, error) {
	r := new(big.Rat)
	_, ok := r.SetString(value)
	if !ok {
		return 0, errors.New("invalid amount format")
	}

	r.Mul(r, big.NewRat(100, 1))
	i := new(big.Int)
	i.Div(r.Num(), r.Denom())

	return i.Int64(), nil
}

// POST /api/v1/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}

	amountMinor, err := parseAmountToMinor(req.Amount.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	if amountMinor <= 0 {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "amount must be > 0"})
		return
	}

	o, err := h.orders.CreateOrder(r.Context(), req.MerchantID, amountMinor, req.Amount.Currency)
	if err != nil {
		if err == repository.ErrNotFound {
			writeJSON(w, http.StatusNotFound, errResp{Error: "merchant not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResp(o, nil))
}

// POST /api/v1/orders/{referenceNo}/pay
func (h *Handler) PayOrder(w http.ResponseWriter, r *http.Request) {
	var req PayOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}

	o, err := h.orders.Pay(r.Context(), chi.URLParam(r, "referenceNo"), req.Processor)
	if err != nil {
		switch {
		case err == repository.ErrNotFound:
			writeJSON(w, http.StatusNotFound, errResp{Error: "order not found"})
		case errors.Is(err, usecase.ErrIllegalTransition):
			writeJSON(w, http.StatusConflict, errResp{Error: err.Error()})
		case errors.Is(err, usecase.ErrWorkflowStart):
			writeJSON(w, http.StatusBadGateway, errResp{Error: "payment orchestrator unavailable"})
		default:
			writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, toOrderResp(o, nil))
}

// GET /api/v1/orders?merchantId=&status=&limit=&offset=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.OrderFilter{MerchantID: q.Get("merchantId")}
	if st := q.Get("status"); st != "" {
		filter.Status = domain.OrderStatus(st)
	}

	limit := 50
	offset := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	items, err := h.orders.ListOrders(r.Context(), filter, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}

	out := make([]OrderResp, 0, len(items))
	for i := range items {
		out = append(out, toOrderResp(&items[i], nil))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/v1/orders/{referenceNo}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, txns, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "referenceNo"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errResp{Error: "order not found"})
		return
	}

	writeJSON(w, http.StatusOK, toOrderResp(o, txns))
}

// POST /internal/v1/orders/{referenceNo}/awaiting-action
func (h *Handler) AwaitingAction(w http.ResponseWriter, r *http.Request) {
	err := h.orders.MarkAwaitingAction(r.Context(), chi.URLParam(r, "referenceNo"))
	if err != nil {
		if err == repository.ErrNotFound {
			writeJSON(w, http.StatusNotFound, errResp{Error: "order not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /webhooks/{processor}
//
// Processors only ever see 2xx (handled, dropped or duplicate), 400
// (signature or payload rejection) or 5xx (transient persistence failure,
// safe for the processor to retry).
func (h *Handler) ProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "processor")
	proc, ok := h.procs.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errResp{Error: "unknown processor"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "read body error"})
		return
	}

	ev, err := proc.Normalize(body, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrSignatureInvalid):
			writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid signature", Code: "SIGNATURE_INVALID"})
		case errors.Is(err, processor.ErrPayloadMalformed):
			writeJSON(w, http.StatusBadRequest, errResp{Error: "malformed payload", Code: "PAYLOAD_MALFORMED"})
		case errors.Is(err, processor.ErrUnroutable), errors.Is(err, processor.ErrUnhandledType):
			// Authentic but not for us; acknowledge so the processor stops
			// retrying.
			log.Printf("[webhooks] dropping %s event: %v", name, err)
			writeJSON(w, http.StatusOK, WebhookAck{Received: true})
		default:
			writeJSON(w, http.StatusBadRequest, errResp{Error: "malformed payload", Code: "PAYLOAD_MALFORMED"})
		}
		return
	}

	if err := h.applyWithRetry(r, name, ev); err != nil {
		log.Printf("[webhooks] WARNING: persistence failure for %s event %s: %v", name, ev.ProcessorEventID, err)
		writeJSON(w, http.StatusInternalServerError, errResp{Error: "temporarily unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, WebhookAck{Received: true})
}

// applyWithRetry gives transient persistence failures a short bounded retry
// before surfacing 5xx; the reconciliation idempotency check makes replays
// safe.
func (h *Handler) applyWithRetry(r *http.Request, proc string, ev *processor.Event) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if _, err = h.reconciler.Apply(r.Context(), proc, ev); err == nil {
			return nil
		}
	}
	return err
}

func toOrderResp(o *domain.Order, txns []domain.Transaction) OrderResp {
	resp := OrderResp{
		ReferenceNo:  o.ReferenceNo,
		MerchantID:   o.MerchantID,
		AmountString: formatMinorToString(o.AmountMinor),
		Currency:     o.Currency,
		Status:       string(o.Status),
		Processor:    o.Processor,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	for _, t := range txns {
		resp.Transactions = append(resp.Transactions, TxItem{
			Type:           string(t.Type),
			AmountString:   formatMinorToString(t.AmountMinor),
			Status:         string(t.Status),
			ProcessorTxnID: t.ProcessorTxnID,
			ErrorCode:      t.ErrorCode,
			ErrorMessage:   t.ErrorMessage,
			CreatedAt:      t.CreatedAt,
		})
	}
	return resp
}

func formatMinorToString(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}

	intPart := minor / 100
	decPart := minor % 100
	return sign + strconv.FormatInt(intPart, 10) + "." + twoDigits(int(decPart))
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"salonq/internal/cache"
	"salonq/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Handler struct {
	store     store.EntryStore
	waitCache *cache.WaitCache
}

type Options struct {
	WaitCache *cache.WaitCache
}

func NewHandler(store store.EntryStore, options Options) *Handler {
	return &Handler{
		store:     store,
		waitCache: options.WaitCache,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type checkInRequest struct {
	RequestID       string   `json:"request_id" validate:"required,uuid"`
	SalonID         string   `json:"salon_id" validate:"required,uuid"`
	CustomerName    string   `json:"customer_name" validate:"required,max=120"`
	CustomerPhone   string   `json:"customer_phone" validate:"required"`
	CustomerEmail   string   `json:"customer_email" validate:"omitempty,email"`
	ServiceIDs      []string `json:"service_ids" validate:"required,min=1,dive,uuid"`
	StaffID         string   `json:"staff_id" validate:"omitempty,uuid"`
	AppointmentDate string   `json:"appointment_date" validate:"omitempty,datetime=2006-01-02"`
	AppointmentTime string   `json:"appointment_time" validate:"omitempty,datetime=15:04"`
	Notes           string   `json:"notes" validate:"max=500"`
	PaymentMethod   string   `json:"payment_method" validate:"omitempty,oneof=cash card online"`
}

type entryActionRequest struct {
	RequestID string `json:"request_id"`
	SalonID   string `json:"salon_id"`
	Reason    string `json:"reason"`
	Phone     string `json:"phone"`
}

type paymentRequest struct {
	RequestID        string `json:"request_id" validate:"required,uuid"`
	SalonID          string `json:"salon_id" validate:"required,uuid"`
	GatewayOrderID   string `json:"gateway_order_id" validate:"required"`
	GatewayPaymentID string `json:"gateway_payment_id" validate:"required"`
	PaymentMethod    string `json:"payment_method" validate:"omitempty,oneof=cash card online"`
}

type positionResponse struct {
	EntryID     string `json:"entry_id"`
	QueueNumber int    `json:"queue_number"`
	Position    int    `json:"position"`
	InQueue     bool   `json:"in_queue"`
}

type waitTimeResponse struct {
	SalonID              string `json:"salon_id"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/checkins", h.handleCheckIn)
	mux.HandleFunc("/api/entries/", h.handleEntrySubtree)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/bookings", h.handleBookings)
	mux.HandleFunc("/api/wait-time", h.handleWaitTime)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/staff", h.handleStaff)
	mux.HandleFunc("/api/refunds", h.handleRefunds)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req checkInRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SalonID = strings.TrimSpace(req.SalonID)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.StaffID = strings.TrimSpace(req.StaffID)
	req.AppointmentDate = strings.TrimSpace(req.AppointmentDate)
	req.AppointmentTime = strings.TrimSpace(req.AppointmentTime)

	if err := validate.Struct(req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}
	if !isValidPhone(req.CustomerPhone) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "customer_phone must be 8-16 digits")
		return
	}

	entry, _, err := h.store.CheckIn(r.Context(), store.CheckInInput{
		RequestID:       req.RequestID,
		SalonID:         req.SalonID,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		CustomerEmail:   req.CustomerEmail,
		ServiceIDs:      req.ServiceIDs,
		StaffID:         req.StaffID,
		AppointmentDate: req.AppointmentDate,
		AppointmentTime: req.AppointmentTime,
		Notes:           req.Notes,
		PaymentMethod:   req.PaymentMethod,
		CheckInTime:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	h.waitCache.Invalidate(r.Context(), req.SalonID)
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEntrySubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/entries/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	entryID := parts[0]
	if !isValidUUID(entryID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "entry_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetEntry(w, r, entryID)
	case len(parts) == 2 && parts[1] == "position":
		h.handlePosition(w, r, entryID)
	case len(parts) == 2 && parts[1] == "history":
		h.handleEntryHistory(w, r, entryID)
	case len(parts) == 2 && parts[1] == "payment":
		h.handlePayment(w, r, entryID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleEntryAction(w, r, entryID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}

	entry, err := h.store.GetEntry(r.Context(), salonID, entryID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handlePosition(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}

	entry, err := h.store.GetEntry(r.Context(), salonID, entryID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	position, inQueue, err := h.store.PositionOf(r.Context(), salonID, entryID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, positionResponse{
		EntryID:     entry.EntryID,
		QueueNumber: entry.QueueNumber,
		Position:    position,
		InQueue:     inQueue,
	})
}

func (h *Handler) handleEntryHistory(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}
	if !requireSalon(w, r, salonID) {
		return
	}

	events, err := h.store.ListEntryEvents(r.Context(), salonID, entryID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req paymentRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SalonID = strings.TrimSpace(req.SalonID)
	req.GatewayOrderID = strings.TrimSpace(req.GatewayOrderID)
	req.GatewayPaymentID = strings.TrimSpace(req.GatewayPaymentID)
	if err := validate.Struct(req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	entry, _, err := h.store.RecordPayment(r.Context(), store.RecordPaymentInput{
		RequestID:        req.RequestID,
		SalonID:          req.SalonID,
		EntryID:          entryID,
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		PaymentMethod:    req.PaymentMethod,
		PaidAt:           time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEntryAction(w http.ResponseWriter, r *http.Request, entryID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req entryActionRequest
	if !decodeActionRequest(w, r, &req) {
		return
	}

	// Customers cancel their own entry with a phone match; every other
	// action needs an operator session scoped to the salon.
	if action != "cancel" || req.Phone == "" {
		if !requireSalon(w, r, req.SalonID) {
			return
		}
	}

	input := store.EntryActionInput{
		RequestID:  req.RequestID,
		SalonID:    req.SalonID,
		EntryID:    entryID,
		Reason:     strings.TrimSpace(req.Reason),
		Phone:      strings.TrimSpace(req.Phone),
		OccurredAt: time.Now().UTC(),
	}

	var entry interface{}
	var err error
	switch action {
	case "approve":
		entry, _, err = h.store.Approve(r.Context(), input)
	case "reject":
		if input.Reason == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "reason is required")
			return
		}
		entry, _, err = h.store.Reject(r.Context(), input)
	case "join":
		entry, _, err = h.store.JoinQueue(r.Context(), input)
	case "start":
		entry, _, err = h.store.StartService(r.Context(), input)
	case "complete":
		entry, _, err = h.store.CompleteService(r.Context(), input)
	case "cancel":
		entry, _, err = h.store.Cancel(r.Context(), input)
	case "no-show":
		entry, _, err = h.store.MarkNoShow(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	h.waitCache.Invalidate(r.Context(), req.SalonID)
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}
	if !requireSalon(w, r, salonID) {
		return
	}

	statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))
	entries, err := h.store.ListQueue(r.Context(), salonID, statusFilter)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleBookings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}
	phone := strings.TrimSpace(r.URL.Query().Get("phone"))
	if !isValidPhone(phone) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits")
		return
	}

	entries, err := h.store.ListEntriesByPhone(r.Context(), salonID, phone)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleWaitTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}

	if minutes, hit := h.waitCache.Get(r.Context(), salonID); hit {
		writeJSON(w, http.StatusOK, waitTimeResponse{SalonID: salonID, EstimatedWaitMinutes: minutes})
		return
	}

	minutes, err := h.store.EstimateWait(r.Context(), salonID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	h.waitCache.Set(r.Context(), salonID, minutes)
	writeJSON(w, http.StatusOK, waitTimeResponse{SalonID: salonID, EstimatedWaitMinutes: minutes})
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}

	services, err := h.store.ListServices(r.Context(), salonID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleStaff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}

	members, err := h.store.ListStaff(r.Context(), salonID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *Handler) handleRefunds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}
	if !requireSalon(w, r, salonID) {
		return
	}

	intents, err := h.store.ListRefundIntents(r.Context(), salonID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	salonID, ok := salonIDFromQuery(w, r)
	if !ok {
		return
	}
	if !requireSalon(w, r, salonID) {
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), salonID, after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func decodeActionRequest(w http.ResponseWriter, r *http.Request, req *entryActionRequest) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SalonID = strings.TrimSpace(req.SalonID)

	if req.RequestID == "" || req.SalonID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and salon_id are required")
		return false
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.SalonID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and salon_id must be UUIDs")
		return false
	}
	return true
}

func salonIDFromQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	salonID := strings.TrimSpace(r.URL.Query().Get("salon_id"))
	if salonID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "salon_id is required")
		return "", false
	}
	if !isValidUUID(salonID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "salon_id must be a UUID")
		return "", false
	}
	return salonID, true
}

func validationMessage(err error) string {
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		first := fieldErrors[0]
		return first.Field() + " failed " + first.Tag() + " validation"
	}
	return "invalid request payload"
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	digits := strings.TrimPrefix(value, "+")
	if len(digits) < 8 || len(digits) > 16 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrSalonNotFound):
		return http.StatusNotFound, "salon_not_found", "salon not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrStaffNotFound):
		return http.StatusNotFound, "staff_not_found", "staff member not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "entry not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "entry status does not allow this action"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "entry was updated concurrently, retry"
	case errors.Is(err, store.ErrAllocationConflict):
		return http.StatusConflict, "allocation_conflict", "queue number allocation contention, retry"
	case errors.Is(err, store.ErrPaymentState):
		return http.StatusConflict, "payment_state", "payment state does not allow this action"
	case errors.Is(err, store.ErrReasonRequired):
		return http.StatusBadRequest, "invalid_request", "reason is required"
	case errors.Is(err, store.ErrPhoneMismatch):
		return http.StatusForbidden, "phone_mismatch", "phone does not match entry"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

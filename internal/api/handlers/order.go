// Package handlers provides HTTP handlers for the intake API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/api/middleware"
	"github.com/drfirst/go-careplan/internal/careplan"
	"github.com/drfirst/go-careplan/internal/domain/intake"
	"github.com/drfirst/go-careplan/internal/fhir/mapper"
	"github.com/drfirst/go-careplan/internal/fhir/r5"
)

// Response messages.
const (
	MessageCreated       = "Order created successfully."
	WarningPrefix        = "Saved with warning: "
	MessageStorageFailed = "The order could not be saved. Please retry."
)

const maxBodyBytes = 1 << 20

// OrderService is the intake surface the handler needs.
type OrderService interface {
	Submit(ctx context.Context, in intake.RawInput) (*intake.OrderRecord, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*intake.OrderRecord, error)
}

// CarePlanService is the care plan surface the handler needs.
type CarePlanService interface {
	Generate(ctx context.Context, orderID uuid.UUID) (*careplan.Outcome, error)
	Get(ctx context.Context, orderID uuid.UUID) (*intake.CarePlan, error)
}

// OrderHandler handles order endpoints
type OrderHandler struct {
	orders OrderService
	plans  CarePlanService
	// inline generates the care plan within the submit request
	inline bool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewOrderHandler creates a handler. plans may be nil when care plan
// generation is not configured.
func NewOrderHandler(orders OrderService, plans CarePlanService, inline bool, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{
		orders: orders,
		plans:  plans,
		inline: inline && plans != nil,
		logger: logger,
		tracer: otel.Tracer("order-handler"),
	}
}

// Routes returns the handler routes
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/fhir", h.CreateFHIR)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/fhir", h.GetFHIR)
	r.Post("/{id}/careplan", h.GenerateCarePlan)
	r.Get("/{id}/careplan", h.GetCarePlan)
	return r
}

// CreateResponse is the body of a successful submission.
type CreateResponse struct {
	Order           *intake.OrderRecord `json:"order"`
	Message         string              `json:"message,omitempty"`
	Warning         string              `json:"warning,omitempty"`
	CarePlan        *intake.CarePlan    `json:"care_plan,omitempty"`
	CarePlanMessage string              `json:"care_plan_message,omitempty"`
}

// ValidationResponse lists every failing field.
type ValidationResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

// Create handles POST /orders with a JSON object or form body.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_order")
	defer span.End()

	in, err := decodeRawInput(w, r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, ok := h.submit(ctx, w, in, false)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("order_id", rec.Order.ID.String()))

	resp := CreateResponse{Order: rec}
	if rec.Order.Reason != "" {
		resp.Warning = WarningPrefix + rec.Order.Reason
	} else {
		resp.Message = MessageCreated
	}

	if h.inline {
		outcome, err := h.plans.Generate(ctx, rec.Order.ID)
		switch {
		case err != nil:
			h.logger.Error("inline care plan failed",
				zap.String("order_id", rec.Order.ID.String()),
				zap.Error(err))
			resp.CarePlanMessage = careplan.SafeMessage
		case outcome.Generated():
			resp.CarePlan = outcome.Plan
		default:
			resp.CarePlanMessage = outcome.Message
		}
	}

	w.Header().Set("Location", "/api/v1/orders/"+rec.Order.ID.String())
	h.writeJSON(w, http.StatusCreated, resp)
}

// CreateFHIR handles POST /orders/fhir with a FHIR Bundle body.
func (h *OrderHandler) CreateFHIR(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_order_fhir")
	defer span.End()

	var bundle r5.Bundle
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&bundle); err != nil {
		h.fhirError(w, http.StatusBadRequest, "structure", "invalid bundle: "+err.Error())
		return
	}
	in, err := mapper.FromBundle(&bundle)
	if err != nil {
		h.fhirError(w, http.StatusBadRequest, "structure", err.Error())
		return
	}

	rec, ok := h.submit(ctx, w, in, true)
	if !ok {
		return
	}

	out, err := mapper.ToBundle(rec)
	if err != nil {
		h.logger.Error("export bundle failed", zap.Error(err))
		h.fhirError(w, http.StatusInternalServerError, "exception", "failed to export order")
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+rec.Order.ID.String()+"/fhir")
	h.writeFHIR(w, http.StatusCreated, out)
}

// submit runs the intake and writes the error response when it fails,
// as an OperationOutcome when asFHIR is set.
func (h *OrderHandler) submit(ctx context.Context, w http.ResponseWriter, in intake.RawInput, asFHIR bool) (*intake.OrderRecord, bool) {
	rec, err := h.orders.Submit(ctx, in)
	if err == nil {
		h.logger.Info("order accepted",
			zap.String("order_id", rec.Order.ID.String()),
			zap.Bool("flagged", rec.Flagged()),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		return rec, true
	}

	var verrs intake.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		if asFHIR {
			h.writeFHIR(w, http.StatusUnprocessableEntity, validationOutcome(verrs))
			break
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, ValidationResponse{
			Error:  "validation failed",
			Fields: verrs.Fields(),
		})
	case errors.Is(err, intake.ErrDuplicateOrder):
		if asFHIR {
			h.fhirError(w, http.StatusConflict, "duplicate", err.Error())
			break
		}
		h.jsonError(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("order submission failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		if asFHIR {
			h.fhirError(w, http.StatusServiceUnavailable, "transient", MessageStorageFailed)
			break
		}
		h.jsonError(w, MessageStorageFailed, http.StatusServiceUnavailable)
	}
	return nil, false
}

func validationOutcome(verrs intake.ValidationErrors) *r5.OperationOutcome {
	fields := verrs.Fields()
	issues := make([]r5.OperationOutcomeIssue, 0, len(fields))
	for _, err := range verrs {
		var fe *intake.FormatError
		if !errors.As(err, &fe) {
			continue
		}
		issues = append(issues, r5.OperationOutcomeIssue{
			Severity:    "error",
			Code:        "invalid",
			Diagnostics: fe.Message,
			Expression:  []string{fe.Field},
		})
	}
	return r5.NewOperationOutcome(issues...)
}

// Get handles GET /orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// GetFHIR handles GET /orders/{id}/fhir
func (h *OrderHandler) GetFHIR(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	out, err := mapper.ToBundle(rec)
	if err != nil {
		h.fhirError(w, http.StatusInternalServerError, "exception", "failed to export order")
		return
	}
	h.writeFHIR(w, http.StatusOK, out)
}

// GenerateCarePlan handles POST /orders/{id}/careplan
func (h *OrderHandler) GenerateCarePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	if h.plans == nil {
		h.jsonError(w, "care plan generation is not configured", http.StatusServiceUnavailable)
		return
	}

	outcome, err := h.plans.Generate(r.Context(), id)
	switch {
	case errors.Is(err, intake.ErrNotFound):
		h.jsonError(w, "order not found", http.StatusNotFound)
	case err != nil:
		h.logger.Error("care plan generation failed", zap.String("order_id", id.String()), zap.Error(err))
		h.jsonError(w, careplan.SafeMessage, http.StatusServiceUnavailable)
	case !outcome.Generated():
		h.writeJSON(w, http.StatusServiceUnavailable, outcome)
	default:
		h.writeJSON(w, http.StatusOK, outcome)
	}
}

// GetCarePlan handles GET /orders/{id}/careplan
func (h *OrderHandler) GetCarePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	if h.plans == nil {
		h.jsonError(w, "care plan generation is not configured", http.StatusServiceUnavailable)
		return
	}

	plan, err := h.plans.Get(r.Context(), id)
	switch {
	case errors.Is(err, intake.ErrNotFound):
		h.jsonError(w, "care plan not found", http.StatusNotFound)
	case err != nil:
		h.logger.Error("load care plan failed", zap.String("order_id", id.String()), zap.Error(err))
		h.jsonError(w, "failed to load care plan", http.StatusServiceUnavailable)
	default:
		h.writeJSON(w, http.StatusOK, careplan.Outcome{Plan: plan})
	}
}

func (h *OrderHandler) load(w http.ResponseWriter, r *http.Request) (*intake.OrderRecord, bool) {
	id, ok := h.orderID(w, r)
	if !ok {
		return nil, false
	}
	rec, err := h.orders.GetOrder(r.Context(), id)
	switch {
	case errors.Is(err, intake.ErrNotFound):
		h.jsonError(w, "order not found", http.StatusNotFound)
		return nil, false
	case err != nil:
		h.logger.Error("load order failed", zap.String("order_id", id.String()), zap.Error(err))
		h.jsonError(w, "failed to load order", http.StatusServiceUnavailable)
		return nil, false
	}
	return rec, true
}

func (h *OrderHandler) orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.jsonError(w, "invalid order id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// decodeRawInput reads a JSON object or a form body into raw fields. JSON
// numbers keep their literal text and string arrays are joined with commas.
func decodeRawInput(w http.ResponseWriter, r *http.Request) (intake.RawInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		in := intake.RawInput{}
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				in[k] = vs[0]
			}
		}
		return in, nil
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	in := make(intake.RawInput, len(body))
	for k, v := range body {
		switch val := v.(type) {
		case nil:
		case string:
			in[k] = val
		case json.Number:
			in[k] = val.String()
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("field %s: list items must be strings", k)
				}
				parts = append(parts, s)
			}
			in[k] = strings.Join(parts, ",")
		default:
			return nil, fmt.Errorf("field %s: unsupported value", k)
		}
	}
	return in, nil
}

func (h *OrderHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response failed", zap.Error(err))
	}
}

func (h *OrderHandler) writeFHIR(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response failed", zap.Error(err))
	}
}

func (h *OrderHandler) fhirError(w http.ResponseWriter, code int, issue, diagnostics string) {
	h.writeFHIR(w, code, r5.NewErrorOutcome(issue, diagnostics))
}

func (h *OrderHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}

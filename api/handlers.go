/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  POST /api/regie/{regie}/from-bookings/          Reconcile and commit
  POST /api/regie/{regie}/from-bookings/dry-run/  Reconcile, no writes

REQUEST FLOW:
  1. Decode and validate the payload
  2. Convert to a domain request
  3. Call the engine (FromBookings or DryRun)
  4. Map the result or error onto the response envelope

ERROR HANDLING:
  Every response carries the {err, err_class, errors, data} envelope:
  - 400: invalid payload (with per-field errors), no changes,
         wrong regie, pricing and payer-data failures
  - 404: unknown regie slug
  - 500: storage or internal failures

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are
  public; deploy behind an authenticating proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - billing/engine.go: The orchestration these handlers call
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridian/billing-engine/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
}

// NewHandler creates a new handler around an engine.
func NewHandler(engine *billing.Engine) *Handler {
	return &Handler{Engine: engine}
}

// =============================================================================
// FROM-BOOKINGS HANDLERS
// =============================================================================

// FromBookings reconciles the submitted events and commits the
// resulting documents.
// POST /api/regie/{regie}/from-bookings/
func (h *Handler) FromBookings(w http.ResponseWriter, r *http.Request) {
	regieSlug := chi.URLParam(r, "regie")

	payload, ok := decodePayload(w, r, false)
	if !ok {
		return
	}

	result, err := h.Engine.FromBookings(r.Context(), regieSlug, payload.toRequest())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	data := map[string]any{}
	if result.Document != nil {
		doc := result.Document
		dto := toDocumentDTO(doc)
		kind := "invoice"
		if doc.Kind == billing.KindCredit {
			kind = "credit"
		}
		data[kind+"_id"] = dto.ID
		data[kind] = dto
		data["api_urls"] = map[string]string{
			kind: fmt.Sprintf("/api/regie/%s/%s/%s/", regieSlug, kind, dto.ID),
		}
		data["urls"] = map[string]string{
			kind + "_pdf": fmt.Sprintf("/api/regie/%s/%s/%s/pdf/", regieSlug, kind, dto.ID),
		}
	}
	if len(result.OtherPayerCreditDrafts) > 0 {
		ids := make([]string, 0, len(result.OtherPayerCreditDrafts))
		for _, draft := range result.OtherPayerCreditDrafts {
			ids = append(ids, draft.ID.String())
		}
		data["other_payer_credit_draft_ids"] = ids
	}

	writeSuccess(w, data)
}

// DryRun reconciles the submitted events without writing anything.
// POST /api/regie/{regie}/from-bookings/dry-run/
func (h *Handler) DryRun(w http.ResponseWriter, r *http.Request) {
	regieSlug := chi.URLParam(r, "regie")

	payload, ok := decodePayload(w, r, true)
	if !ok {
		return
	}

	result, err := h.Engine.DryRun(r.Context(), regieSlug, payload.toRequest())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	data := map[string]any{}
	if result.Primary != nil {
		kind := "credit"
		if result.Primary.IsInvoice {
			kind = "invoice"
		}
		data[kind] = toPreviewDTO(result.Primary)
	}
	if len(result.OtherPayerCreditDrafts) > 0 {
		drafts := make([]PreviewDTO, 0, len(result.OtherPayerCreditDrafts))
		for _, preview := range result.OtherPayerCreditDrafts {
			drafts = append(drafts, toPreviewDTO(preview))
		}
		data["other_payer_credit_drafts"] = drafts
	}

	writeSuccess(w, data)
}

// decodePayload decodes and validates the request body, writing the
// invalid-payload envelope itself when the payload is bad.
func decodePayload(w http.ResponseWriter, r *http.Request, dryRun bool) (FromBookingsPayload, bool) {
	var payload FromBookingsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeEnvelope(w, http.StatusBadRequest, Envelope{
			Err:      1,
			ErrClass: "invalid payload",
			Errors:   map[string][]string{"body": {err.Error()}},
		})
		return payload, false
	}
	if problems := payload.validate(dryRun); problems != nil {
		writeEnvelope(w, http.StatusBadRequest, Envelope{
			Err:      1,
			ErrClass: "invalid payload",
			Errors:   problems,
		})
		return payload, false
	}
	return payload, true
}

// =============================================================================
// ENVELOPE WRITERS
// =============================================================================

func writeEnvelope(w http.ResponseWriter, status int, envelope Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, Envelope{Err: 0, Data: data})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrRegieNotFound):
		writeEnvelope(w, http.StatusNotFound, Envelope{Err: 1, ErrClass: "regie not found"})
	case billing.IsClientError(err):
		writeEnvelope(w, http.StatusBadRequest, Envelope{Err: 1, ErrClass: billing.ErrorClass(err)})
	default:
		writeEnvelope(w, http.StatusInternalServerError, Envelope{Err: 1, ErrClass: "internal error"})
	}
}

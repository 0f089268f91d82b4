/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

ENVELOPE:
  Every response is wrapped in {err, err_class?, errors?, data?}:
  - err 0: success, payload under data
  - err 1: failure, err_class names the failure, errors carries
    per-field validation messages when the payload itself was bad

AMOUNTS:
  Amounts cross the wire as JSON numbers. The engine computes in
  decimal; conversion to float happens only at this boundary.

SEE ALSO:
  - handlers.go: Handler implementations
  - billing/engine.go: The domain types these DTOs project
*/
package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/meridian/billing-engine/billing"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope is the uniform response wrapper.
type Envelope struct {
	Err      int                 `json:"err"`
	ErrClass string              `json:"err_class,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
	Data     any                 `json:"data,omitempty"`
}

// =============================================================================
// REQUEST PAYLOADS
// =============================================================================

// EventPayload is one booking or cancellation notification. Unknown
// custom_field_* keys are captured and forwarded to the pricing
// resolver untouched.
type EventPayload struct {
	AgendaSlug   string
	Slug         string
	PrimaryEvent string
	DateTime     string
	Label        string
	Extra        map[string]string
}

// UnmarshalJSON picks the known keys and collects custom_field_*
// entries into Extra.
func (p *EventPayload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	stringField := func(key string) string {
		var s string
		if msg, ok := raw[key]; ok {
			json.Unmarshal(msg, &s)
		}
		return s
	}

	p.AgendaSlug = stringField("agenda_slug")
	p.Slug = stringField("slug")
	p.PrimaryEvent = stringField("primary_event")
	p.DateTime = stringField("datetime")
	p.Label = stringField("label")

	for key, msg := range raw {
		if !strings.HasPrefix(key, "custom_field_") {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]string)
		}
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			s = string(msg)
		}
		p.Extra[key] = s
	}
	return nil
}

// eventDateTimeLayouts are the accepted datetime formats, tried in
// order.
var eventDateTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

func parseEventDateTime(value string) (time.Time, bool) {
	for _, layout := range eventDateTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// toEvent converts the payload to a domain event. A primary_event of
// the form "agenda@slug" keeps only the slug part.
func (p EventPayload) toEvent() billing.Event {
	primary := p.PrimaryEvent
	if idx := strings.Index(primary, "@"); idx >= 0 {
		primary = primary[idx+1:]
	}
	start, _ := parseEventDateTime(p.DateTime)
	return billing.Event{
		AgendaSlug:   p.AgendaSlug,
		Slug:         p.Slug,
		PrimaryEvent: primary,
		Start:        start,
		Label:        p.Label,
		Extra:        p.Extra,
	}
}

// FromBookingsPayload is the request body for both the committing and
// the dry-run endpoint. The committing endpoint requires the date and
// label fields; the dry run only needs identifiers and event lists.
type FromBookingsPayload struct {
	DateDue                  string `json:"date_due"`
	DatePaymentDeadline      string `json:"date_payment_deadline"`
	DatePublication          string `json:"date_publication"`
	DatePaymentDeadlineShown string `json:"date_payment_deadline_displayed"`
	DateInvoicing            string `json:"date_invoicing"`

	Label           string `json:"label"`
	UserExternalID  string `json:"user_external_id"`
	UserFirstName   string `json:"user_first_name"`
	UserLastName    string `json:"user_last_name"`
	PayerExternalID string `json:"payer_external_id"`

	FormURL            string `json:"form_url"`
	PaymentCallbackURL string `json:"payment_callback_url"`
	CancelCallbackURL  string `json:"cancel_callback_url"`

	BookedEvents    []EventPayload `json:"booked_events"`
	CancelledEvents []EventPayload `json:"cancelled_events"`
}

// validate returns per-field problems. dryRun relaxes the date and
// label requirements.
func (p FromBookingsPayload) validate(dryRun bool) map[string][]string {
	problems := make(map[string][]string)
	addRequired := func(field, value string) {
		if value == "" {
			problems[field] = append(problems[field], "required")
		}
	}
	addDate := func(field, value string, required bool) {
		if value == "" {
			if required {
				problems[field] = append(problems[field], "required")
			}
			return
		}
		if _, ok := parseEventDateTime(value); !ok {
			problems[field] = append(problems[field], "invalid date")
		}
	}

	addRequired("user_external_id", p.UserExternalID)
	addRequired("payer_external_id", p.PayerExternalID)
	if !dryRun {
		addRequired("label", p.Label)
		addRequired("user_first_name", p.UserFirstName)
		addRequired("user_last_name", p.UserLastName)
	}
	addDate("date_due", p.DateDue, !dryRun)
	addDate("date_payment_deadline", p.DatePaymentDeadline, !dryRun)
	addDate("date_publication", p.DatePublication, !dryRun)
	addDate("date_payment_deadline_displayed", p.DatePaymentDeadlineShown, false)
	addDate("date_invoicing", p.DateInvoicing, false)

	checkEvents := func(field string, events []EventPayload) {
		for _, event := range events {
			if event.AgendaSlug == "" || event.Slug == "" {
				problems[field] = append(problems[field], "agenda_slug and slug are required")
				return
			}
			if _, ok := parseEventDateTime(event.DateTime); !ok {
				problems[field] = append(problems[field], "invalid datetime")
				return
			}
		}
	}
	checkEvents("booked_events", p.BookedEvents)
	checkEvents("cancelled_events", p.CancelledEvents)

	if len(problems) == 0 {
		return nil
	}
	return problems
}

// toRequest converts the payload into a domain request. Call validate
// first; conversion ignores parse failures.
func (p FromBookingsPayload) toRequest() billing.FromBookingsRequest {
	req := billing.FromBookingsRequest{
		Label:              p.Label,
		UserExternalID:     p.UserExternalID,
		UserFirstName:      p.UserFirstName,
		UserLastName:       p.UserLastName,
		PayerExternalID:    p.PayerExternalID,
		FormURL:            p.FormURL,
		PaymentCallbackURL: p.PaymentCallbackURL,
		CancelCallbackURL:  p.CancelCallbackURL,
	}
	req.Dates.Due, _ = parseEventDateTime(p.DateDue)
	req.Dates.PaymentDeadline, _ = parseEventDateTime(p.DatePaymentDeadline)
	req.Dates.Publication, _ = parseEventDateTime(p.DatePublication)
	if t, ok := parseEventDateTime(p.DatePaymentDeadlineShown); ok {
		req.Dates.PaymentDeadlineDisplayed = &t
	}
	if t, ok := parseEventDateTime(p.DateInvoicing); ok {
		req.Dates.Invoicing = &t
	}
	for _, event := range p.BookedEvents {
		req.BookedEvents = append(req.BookedEvents, event.toEvent())
	}
	for _, event := range p.CancelledEvents {
		req.CancelledEvents = append(req.CancelledEvents, event.toEvent())
	}
	return req
}

// =============================================================================
// RESPONSE DTOS
// =============================================================================

// DocumentDTO is the committed-document projection returned to callers.
type DocumentDTO struct {
	ID              string  `json:"id"`
	Number          string  `json:"number"`
	TotalAmount     float64 `json:"total_amount"`
	RemainingAmount float64 `json:"remaining_amount"`
}

func toDocumentDTO(doc *billing.Document) DocumentDTO {
	return DocumentDTO{
		ID:              doc.ID.String(),
		Number:          doc.FormattedNumber,
		TotalAmount:     doc.TotalAmount.InexactFloat64(),
		RemainingAmount: doc.RemainingAmount().InexactFloat64(),
	}
}

// PreviewLineDTO is one dry-run line.
type PreviewLineDTO struct {
	Label       string  `json:"label"`
	Description string  `json:"description"`
	UnitAmount  float64 `json:"unit_amount"`
	Quantity    float64 `json:"quantity"`
	TotalAmount float64 `json:"total_amount"`
}

// PreviewDTO is one dry-run document.
type PreviewDTO struct {
	TotalAmount     float64          `json:"total_amount"`
	Lines           []PreviewLineDTO `json:"lines"`
	PayerExternalID string           `json:"payer_external_id"`
	PayerName       string           `json:"payer_name"`
}

func toPreviewDTO(preview *billing.Preview) PreviewDTO {
	dto := PreviewDTO{
		TotalAmount:     preview.TotalAmount.InexactFloat64(),
		Lines:           []PreviewLineDTO{},
		PayerExternalID: preview.PayerExternalID,
		PayerName:       preview.PayerName,
	}
	for _, line := range preview.Lines {
		dto.Lines = append(dto.Lines, PreviewLineDTO{
			Label:       line.Label,
			Description: line.Description,
			UnitAmount:  line.UnitAmount.InexactFloat64(),
			Quantity:    line.Quantity.InexactFloat64(),
			TotalAmount: line.TotalAmount.InexactFloat64(),
		})
	}
	return dto
}

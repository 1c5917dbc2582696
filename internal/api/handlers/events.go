// Package handlers contains the HTTP handlers mounted on the ingestion API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crmrelay/internal/core"
	"crmrelay/internal/forward"
	"crmrelay/internal/types"
)

// maxIngestBodyBytes fits a full batch of typical events.
const maxIngestBodyBytes = 4 << 20

// EventProcessor runs the qualification pipeline for one event and schedules
// the forward job when it qualifies.
type EventProcessor interface {
	Process(ctx context.Context, event types.Event) (forward.Decision, error)
}

// IngestResponse summarizes the decisions for one request. Results are in
// request order.
type IngestResponse struct {
	Forwarded int           `json:"forwarded"`
	Skipped   int           `json:"skipped"`
	Results   []EventResult `json:"results"`
}

// EventResult is the decision taken for a single event.
type EventResult struct {
	Index    int              `json:"index"`
	Event    string           `json:"event"`
	Decision forward.Decision `json:"decision"`
}

// EventsHandler accepts analytics events over HTTP. It only decides and
// enqueues; CRM calls happen later in the forward worker or local scheduler.
type EventsHandler struct {
	processor EventProcessor
	validator *core.Validator
	maxBatch  int
	logger    *slog.Logger
}

// NewEventsHandler creates an EventsHandler accepting at most maxBatch events
// per request.
func NewEventsHandler(processor EventProcessor, v *core.Validator, maxBatch int, l *slog.Logger) *EventsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &EventsHandler{
		processor: processor,
		validator: v,
		maxBatch:  maxBatch,
		logger:    l,
	}
}

// RegisterRoutes mounts the ingestion endpoint.
func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/events", h.Ingest)
}

// Ingest handles POST /v1/events. The body is either one event object or an
// envelope of the form {"batch": [event, ...]}.
//
// Responds 202 with per-event decisions once every qualifying event has been
// scheduled. A scheduling failure aborts the request with 500 so the sender
// retries; events scheduled before the failure may then be forwarded twice.
func (h *EventsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	raw, err := core.ReadJSONBody(w, r, maxIngestBodyBytes)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	events, err := h.parseEvents(raw)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	ctx := r.Context()
	resp := IngestResponse{Results: make([]EventResult, 0, len(events))}
	for i, event := range events {
		decision, err := h.processor.Process(ctx, event)
		if err != nil {
			h.logger.ErrorContext(ctx, "event ingestion failed",
				"index", i,
				"event", event.Event,
				"request_id", types.GetRequestID(ctx),
				"error", err,
			)
			var appErr *types.AppError
			if errors.As(err, &appErr) {
				err = appErr.WithDetails(map[string]any{"index": i, "forwarded": resp.Forwarded})
			}
			core.Error(w, r, err)
			return
		}

		if decision == forward.DecisionForward {
			resp.Forwarded++
		} else {
			resp.Skipped++
		}
		resp.Results = append(resp.Results, EventResult{Index: i, Event: event.Event, Decision: decision})
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: resp})
}

// batchEnvelope detects the batch form. Any other keys belong to a single event.
type batchEnvelope struct {
	Batch []json.RawMessage `json:"batch"`
}

func (h *EventsHandler) parseEvents(raw json.RawMessage) ([]types.Event, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEvent,
			"request body must be an event object or a batch envelope", nil)
	}

	var env batchEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEvent, "batch must be an array of events", err)
	}

	items := env.Batch
	if items == nil {
		items = []json.RawMessage{raw}
	} else if result := h.validator.ValidateVar("batch", items, fmt.Sprintf("min=1,max=%d", h.maxBatch)); !result.IsValid() {
		return nil, result.ToAppError(types.ErrCodeValidationBatchSize)
	}

	events := make([]types.Event, 0, len(items))
	for i, item := range items {
		var event types.Event
		if err := json.Unmarshal(item, &event); err != nil {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidEvent,
				"event could not be decoded", err, map[string]any{"index": i})
		}
		events = append(events, event)
	}
	return events, nil
}

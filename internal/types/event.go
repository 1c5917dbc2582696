package types

// Event is an analytics event as delivered by the tracking pipeline. Only the
// fields the relay reads are declared; anything else in the payload (including
// a top-level "email") is dropped on decode and never consulted.
//
// Timestamp is left untyped because producers send it either as a JSON number
// or as a numeric string.
type Event struct {
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Set        map[string]any `json:"$set,omitempty"`
	Timestamp  any            `json:"timestamp,omitempty"`
	SentAt     string         `json:"sent_at,omitempty"`
	UUID       string         `json:"uuid,omitempty"`
}

// ResolvedContact is the identity extracted from an Event. Email is empty when
// no valid address was found; ExternalID falls back to the event's distinct_id.
type ResolvedContact struct {
	Email      string
	ExternalID string
}

// ForwardJob is the deferred unit of work carrying everything needed to run the
// search-then-send protocol for one qualifying event. It is the SQS message
// body on the forward jobs queue.
type ForwardJob struct {
	Email     string `json:"email,omitempty"`
	EventName string `json:"event_name"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
	TraceID   string `json:"trace_id"`

	// RetryCount is the number of earlier executions that ended retryable.
	// It is incremented once per re-submission, never by the transport.
	RetryCount int `json:"retry_count"`
}

// ContactMatch is the first contact returned by a CRM contact search.
type ContactMatch struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

// EventSubmission is the payload submitted to the CRM events endpoint.
type EventSubmission struct {
	EventName  string
	Email      string
	ExternalID string
	CreatedAt  int64
}

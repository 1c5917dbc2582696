package forward

import (
	"context"

	"crmrelay/internal/types"
)

// ContactAPI is the remote contact client used by the Executor.
type ContactAPI interface {
	SearchContact(ctx context.Context, email, externalID string) (*types.ContactMatch, types.Outcome)
	SendEvent(ctx context.Context, sub types.EventSubmission) types.Outcome
}

// Executor runs one forward job: search, then send only on a match.
type Executor struct {
	client  ContactAPI
	logger  types.Logger
	metrics Metrics
	clock   types.Clock
}

// NewExecutor creates an Executor. A nil metrics sink records nothing.
func NewExecutor(client ContactAPI, logger types.Logger, metrics Metrics) *Executor {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Executor{
		client:  client,
		logger:  logger,
		metrics: metrics,
		clock:   types.RealClock{},
	}
}

// Execute performs the search-then-send protocol for job. The returned
// Outcome is retryable only when a transport failure occurred; a missing
// contact or a rejected request ends the job.
func (e *Executor) Execute(ctx context.Context, job types.ForwardJob) types.Outcome {
	if types.GetRequestID(ctx) == "" && job.TraceID != "" {
		ctx = types.WithRequestID(ctx, job.TraceID)
	}
	logger := e.logger.With("trace_id", job.TraceID, "event", job.EventName, "retry_count", job.RetryCount)

	start := e.clock.Now()
	defer func() {
		e.metrics.RecordLatency(ctx, e.clock.Now().Sub(start))
	}()

	match, outcome := e.client.SearchContact(ctx, job.Email, job.UserID)
	e.metrics.RecordOutcome(ctx, StageSearch, outcome.Kind)
	if outcome.IsRetryable() {
		logger.Warn("contact search failed, job will be retried", "error", outcome.Message)
		return outcome
	}
	if !outcome.IsSuccess() {
		logger.Info("contact search unsuccessful, event not forwarded", "outcome", outcome.String())
		return outcome
	}
	if match == nil {
		logger.Info("no matching contact, event not forwarded", "email", job.Email, "user_id", job.UserID)
		return outcome
	}

	externalID := job.UserID
	if externalID == "" {
		externalID = match.ExternalID
	}

	outcome = e.client.SendEvent(ctx, types.EventSubmission{
		EventName:  job.EventName,
		Email:      job.Email,
		ExternalID: externalID,
		CreatedAt:  job.Timestamp,
	})
	e.metrics.RecordOutcome(ctx, StageSend, outcome.Kind)

	switch {
	case outcome.IsRetryable():
		logger.Warn("send event failed, job will be retried", "error", outcome.Message)
	case outcome.IsSuccess():
		logger.Info("event forwarded", "contact_id", match.ID)
	default:
		logger.Info("send event rejected", "outcome", outcome.String())
	}
	return outcome
}

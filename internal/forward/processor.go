// Package forward turns qualifying analytics events into deferred forward jobs
// and executes those jobs against the CRM with the search-then-send protocol.
//
// The Processor is the ingestion side: it decides synchronously and hands the
// job to a Scheduler. The Executor is the job side: it performs the network
// calls and reports an explicit types.Outcome so hosts can distinguish
// retryable transport failures from terminal ones.
package forward

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crmrelay/internal/qualify"
	"crmrelay/internal/types"
)

// Decision is the result of running the qualification pipeline on one event.
type Decision string

const (
	DecisionForward            Decision = "forward"
	DecisionEventNotTriggering Decision = "event_not_triggering"
	DecisionNoIdentity         Decision = "no_identity"
	DecisionDomainIgnored      Decision = "domain_ignored"
)

// Scheduler accepts forward jobs for asynchronous execution. A zero delay
// means run as soon as possible. Implementations must not block on the CRM.
type Scheduler interface {
	Submit(ctx context.Context, job types.ForwardJob, delay time.Duration) error
}

// ProcessorConfig carries the raw, comma-separated filter lists.
type ProcessorConfig struct {
	TriggeringEvents    string
	IgnoredEmailDomains string
}

// Processor runs the qualification pipeline and dispatches forward jobs.
type Processor struct {
	cfg       ProcessorConfig
	scheduler Scheduler
	logger    types.Logger
	metrics   Metrics
	clock     types.Clock
	newID     func() string
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithClock overrides the clock used for the timestamp fallback.
func WithClock(c types.Clock) ProcessorOption {
	return func(p *Processor) { p.clock = c }
}

// WithIDGenerator overrides the trace id generator used when an event has no uuid.
func WithIDGenerator(fn func() string) ProcessorOption {
	return func(p *Processor) { p.newID = fn }
}

// WithProcessorMetrics sets the metrics sink for decisions.
func WithProcessorMetrics(m Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a Processor that submits jobs to scheduler.
func NewProcessor(cfg ProcessorConfig, scheduler Scheduler, logger types.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		cfg:       cfg,
		scheduler: scheduler,
		logger:    logger,
		metrics:   NopMetrics{},
		clock:     types.RealClock{},
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide runs the filters and resolvers and, when the event qualifies, builds
// the job. It performs no I/O.
func (p *Processor) Decide(event types.Event) (*types.ForwardJob, Decision) {
	job, decision, _ := p.decide(event)
	return job, decision
}

func (p *Processor) decide(event types.Event) (*types.ForwardJob, Decision, qualify.TimestampSource) {
	if !qualify.IsTriggeringEvent(p.cfg.TriggeringEvents, event.Event) {
		return nil, DecisionEventNotTriggering, ""
	}

	contact, ok := qualify.ResolveContact(event)
	if !ok {
		return nil, DecisionNoIdentity, ""
	}
	if contact.Email != "" && qualify.IsIgnoredEmailDomain(p.cfg.IgnoredEmailDomains, contact.Email) {
		return nil, DecisionDomainIgnored, ""
	}

	ts, src := qualify.ResolveTimestamp(event, p.clock.Now())

	traceID := event.UUID
	if traceID == "" {
		traceID = p.newID()
	}

	return &types.ForwardJob{
		Email:     contact.Email,
		EventName: event.Event,
		UserID:    contact.ExternalID,
		Timestamp: ts,
		TraceID:   traceID,
	}, DecisionForward, src
}

// Process decides and, for qualifying events, submits the job without
// waiting for it to run. A submit failure is returned so the host can retry
// ingestion; filter misses are not errors.
func (p *Processor) Process(ctx context.Context, event types.Event) (Decision, error) {
	job, decision, src := p.decide(event)
	p.metrics.RecordDecision(ctx, decision)

	if job == nil {
		p.logger.Info("event skipped",
			"event", event.Event,
			"distinct_id", event.DistinctID,
			"decision", string(decision),
		)
		return decision, nil
	}

	logger := p.logger.With("trace_id", job.TraceID, "event", job.EventName)
	if src != qualify.TimestampFromEvent && event.Timestamp != nil {
		logger.Warn("event timestamp unusable, using fallback",
			"timestamp", event.Timestamp,
			"source", string(src),
		)
	}

	if err := p.scheduler.Submit(ctx, *job, 0); err != nil {
		logger.Error("failed to schedule forward job", "error", err)
		return decision, types.NewAppError(types.ErrCodeInternalQueue, "failed to schedule forward job", err)
	}

	logger.Info("forward job scheduled", "email", job.Email, "user_id", job.UserID)
	return decision, nil
}

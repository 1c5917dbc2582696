// Package main is the ingest worker Lambda. It consumes analytics events from
// an SQS queue, runs each through the qualification pipeline and publishes the
// qualifying ones as forward jobs to SQS_FORWARD_JOBS.
//
// Malformed messages are logged and acknowledged so they cannot loop. A
// message whose job could not be published is reported as a batch item
// failure and redelivered by SQS.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"crmrelay/internal/config"
	"crmrelay/internal/forward"
	"crmrelay/internal/queue"
	"crmrelay/internal/telemetry"
	"crmrelay/internal/types"
)

// slogAdapter wraps *slog.Logger to implement types.Logger, whose With
// returns the interface rather than *slog.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// EventProcessor decides on one event and dispatches its job.
type EventProcessor interface {
	Process(ctx context.Context, event types.Event) (forward.Decision, error)
}

// Handler holds the dependencies for the ingest worker Lambda handler.
type Handler struct {
	processor EventProcessor
	metrics   forward.Metrics
	logger    types.Logger
}

// Handle processes an SQS event containing one or more analytics events.
// Records are handled in order and independently; only records whose job
// could not be dispatched are returned in BatchItemFailures.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process event message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	// One PutMetricData round trip per batch, after the work is done.
	h.metrics.Flush(ctx)
	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var event types.Event
	if err := json.Unmarshal([]byte(record.Body), &event); err != nil {
		// Poison message: retrying cannot fix the payload.
		h.logger.Error("failed to unmarshal event, acknowledging",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	if sentTS, ok := record.Attributes["SentTimestamp"]; ok {
		if sent, err := parseMillisTimestamp(sentTS); err == nil {
			h.metrics.RecordQueueLag(ctx, time.Since(sent))
		}
	}

	decision, err := h.processor.Process(ctx, event)
	if err != nil {
		return fmt.Errorf("event %q: %w", event.Event, err)
	}

	h.logger.Info("event processed",
		"message_id", record.MessageId,
		"event", event.Event,
		"decision", string(decision),
	)
	return nil
}

// parseMillisTimestamp parses a string of milliseconds since epoch into
// time.Time. Used for the SQS SentTimestamp attribute.
func parseMillisTimestamp(ms string) (time.Time, error) {
	var millis int64
	if _, err := fmt.Sscanf(ms, "%d", &millis); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

// newHandler wires a Handler from loaded configuration.
func newHandler(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (*Handler, error) {
	if cfg.AWS.ForwardJobsQueue == "" {
		return nil, fmt.Errorf("SQS_FORWARD_JOBS is required for the ingest worker")
	}
	typedLogger := &slogAdapter{logger: logger}

	var metrics forward.Metrics = forward.NopMetrics{}
	if cfg.Observability.EnableMetrics {
		metrics = forward.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, typedLogger)
	}

	publisher := queue.NewJobPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.ForwardJobsQueue, logger)
	processor := forward.NewProcessor(
		forward.ProcessorConfig{
			TriggeringEvents:    cfg.Filters.TriggeringEvents,
			IgnoredEmailDomains: cfg.Filters.IgnoredEmailDomains,
		},
		publisher,
		typedLogger,
		forward.WithProcessorMetrics(metrics),
	)

	return &Handler{
		processor: processor,
		metrics:   metrics,
		logger:    typedLogger,
	}, nil
}

func main() {
	// Info until LOG_LEVEL is known.
	logger := telemetry.NewLogger(os.Stdout, "info")
	logger.Info("Ingest Worker Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = telemetry.NewLogger(os.Stdout, cfg.LogLevel)

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		logger.Error("Failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	handler, err := newHandler(cfg, awsCfg, logger)
	if err != nil {
		logger.Error("Failed to create handler", "error", err)
		os.Exit(1)
	}

	logger.Info("Ingest Worker Lambda initialized",
		"forward_jobs_queue", cfg.AWS.ForwardJobsQueue,
		"triggering_events", cfg.Filters.TriggeringEvents,
		"metrics_enabled", cfg.Observability.EnableMetrics,
		"build", cfg.Build.String(),
	)

	lambda.Start(handler.Handle)
}

var _ types.Logger = (*slogAdapter)(nil)

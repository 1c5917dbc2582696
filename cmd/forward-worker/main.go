// Package main is the forward worker Lambda, the consumer of the forward jobs
// queue. Each message carries one types.ForwardJob; the worker runs the
// search-then-send protocol against the CRM for it.
//
// Outcome handling:
//   - success or application failure: the message is acknowledged.
//   - retryable: the job is re-published with RetryCount+1 and a backoff
//     delay, then the original is acknowledged. Once the policy is exhausted
//     the job is logged and dropped.
//   - re-publish failure: the record is reported in BatchItemFailures so SQS
//     redelivers the original.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"crmrelay/internal/config"
	"crmrelay/internal/external"
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

// Handler holds the dependencies for the forward worker Lambda handler.
type Handler struct {
	runner      forward.JobRunner
	requeue     forward.Scheduler
	retryPolicy forward.RetryPolicy
	metrics     forward.Metrics
	logger      types.Logger
	concurrency int
}

// Handle runs every job in the batch with bounded concurrency. Jobs share no
// state, so their order within a batch does not matter.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu       sync.Mutex
		response events.SQSEventResponse
	)

	limit := h.concurrency
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for _, record := range sqsEvent.Records {
		g.Go(func() error {
			if err := h.processMessage(ctx, record); err != nil {
				h.logger.Error("failed to process forward job message",
					"message_id", record.MessageId,
					"error", err,
				)
				mu.Lock()
				response.BatchItemFailures = append(response.BatchItemFailures, events.SQSBatchItemFailure{
					ItemIdentifier: record.MessageId,
				})
				mu.Unlock()
			}
			// Failures are collected per record; never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()

	h.metrics.Flush(ctx)
	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var job types.ForwardJob
	if err := json.Unmarshal([]byte(record.Body), &job); err != nil {
		h.logger.Error("failed to unmarshal forward job, acknowledging",
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

	logger := h.logger.With("trace_id", job.TraceID, "retry_count", job.RetryCount)

	outcome := h.runner.Execute(ctx, job)
	if !outcome.IsRetryable() {
		return nil
	}

	requeued, err := forward.Reschedule(ctx, h.requeue, h.retryPolicy, job)
	if err != nil {
		return fmt.Errorf("re-publishing job %s: %w", job.TraceID, err)
	}
	if !requeued {
		logger.Error("forward job retries exhausted, dropping",
			"event", job.EventName,
			"last_error", outcome.Message,
		)
		return nil
	}

	logger.Warn("forward job re-queued after transport failure",
		"next_attempt", job.RetryCount+1,
		"last_error", outcome.Message,
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
		return nil, fmt.Errorf("SQS_FORWARD_JOBS is required for the forward worker")
	}
	typedLogger := &slogAdapter{logger: logger}

	var metrics forward.Metrics = forward.NopMetrics{}
	if cfg.Observability.EnableMetrics {
		metrics = forward.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, typedLogger)
	}

	var clientOpts []external.BaseClientOption
	if cfg.Observability.EnableTracing {
		clientOpts = append(clientOpts, external.WithTracing())
	}
	contacts := external.NewContactClient(
		&http.Client{Timeout: cfg.CRM.Timeout},
		external.ContactClientConfig{
			APIKey:    cfg.CRM.APIKey,
			BaseURL:   cfg.CRM.BaseURL,
			UserAgent: cfg.CRM.UserAgent,
			Logger:    logger,
		},
		clientOpts...,
	)

	return &Handler{
		runner:  forward.NewExecutor(contacts, typedLogger, metrics),
		requeue: queue.NewJobPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.ForwardJobsQueue, logger),
		retryPolicy: forward.RetryPolicy{
			MaxAttempts:   cfg.Forward.MaxAttempts,
			BaseDelay:     cfg.Forward.BaseDelay,
			MaxDelay:      cfg.Forward.MaxDelay,
			BackoffFactor: cfg.Forward.BackoffFactor,
		},
		metrics:     metrics,
		logger:      typedLogger,
		concurrency: cfg.Forward.Concurrency,
	}, nil
}

func main() {
	// Info until LOG_LEVEL is known.
	logger := telemetry.NewLogger(os.Stdout, "info")
	logger.Info("Forward Worker Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = telemetry.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.Observability.EnableTracing {
		// Spans are flushed by the batcher; the Lambda runtime gives no
		// shutdown hook to call the returned func from.
		if _, err := telemetry.InitTracer(telemetry.TracerConfig{
			ServiceName: cfg.Service,
			Version:     cfg.Build.Version,
			Environment: cfg.Environment,
		}, logger); err != nil {
			logger.Error("Failed to initialize tracer", "error", err)
			os.Exit(1)
		}
	}

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

	logger.Info("Forward Worker Lambda initialized",
		"forward_jobs_queue", cfg.AWS.ForwardJobsQueue,
		"crm_base_url", cfg.CRM.BaseURL,
		"max_attempts", cfg.Forward.MaxAttempts,
		"concurrency", cfg.Forward.Concurrency,
		"build", cfg.Build.String(),
	)

	lambda.Start(handler.Handle)
}

var _ types.Logger = (*slogAdapter)(nil)

// Package main is the entry point for the crmrelay ingestion API.
//
// It loads configuration, builds the CRM client and the forward job
// scheduler, mounts POST /v1/events and GET /health on the core chassis and
// starts listening for requests.
//
// With SQS_FORWARD_JOBS set, qualifying events are published to that queue for
// cmd/forward-worker. Without it, jobs run in-process on a LocalScheduler.
//
// In local mode the binary runs a standard HTTP server with graceful shutdown
// on SIGINT/SIGTERM. Inside AWS Lambda it serves API Gateway HTTP API events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	proxycore "github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/go-chi/chi/v5"

	"crmrelay/internal/api/handlers"
	"crmrelay/internal/config"
	"crmrelay/internal/core"
	"crmrelay/internal/external"
	"crmrelay/internal/forward"
	"crmrelay/internal/queue"
	"crmrelay/internal/telemetry"
	"crmrelay/internal/types"
)

const (
	// localQueueSize bounds pending in-process jobs before Submit blocks.
	localQueueSize = 1024

	metricsFlushInterval = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// SSM resolution is bypassed when APP_ENV=local, so the provider is only
	// dialled in deployed environments.
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("crmrelay API starting",
		"environment", cfg.Environment,
		"build", cfg.Build.String(),
		"port", cfg.Server.Port,
		"crm_base_url", cfg.CRM.BaseURL,
	)

	srv, err := buildServer(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}

	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires every dependency of the ingestion API and mounts its
// routes. Background workers it starts are stopped by srv.Shutdown.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	typedLogger := &slogAdapter{logger: logger}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	var clientOpts []external.BaseClientOption
	if cfg.Observability.EnableTracing {
		shutdownTracer, err := telemetry.InitTracer(telemetry.TracerConfig{
			ServiceName: cfg.Service,
			Version:     cfg.Build.Version,
			Environment: cfg.Environment,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing tracer: %w", err)
		}
		srv.ShutdownHooks = append(srv.ShutdownHooks, core.ShutdownHook(shutdownTracer))
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
	srv.HealthProbes = append(srv.HealthProbes, external.NewHealthProbe(contacts))

	var awsCfg aws.Config
	if cfg.Observability.EnableMetrics || cfg.AWS.ForwardJobsQueue != "" {
		awsCfg, err = loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
	}

	var (
		metrics   forward.Metrics = forward.NopMetrics{}
		cwMetrics *forward.CloudWatchMetrics
	)
	if cfg.Observability.EnableMetrics {
		cwMetrics = forward.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, typedLogger)
		metrics = cwMetrics
		srv.Metrics = cwMetrics
	}

	policy := forward.RetryPolicy{
		MaxAttempts:   cfg.Forward.MaxAttempts,
		BaseDelay:     cfg.Forward.BaseDelay,
		MaxDelay:      cfg.Forward.MaxDelay,
		BackoffFactor: cfg.Forward.BackoffFactor,
	}

	var scheduler forward.Scheduler
	if cfg.AWS.ForwardJobsQueue != "" {
		sqsClient := sqs.NewFromConfig(awsCfg)
		scheduler = queue.NewJobPublisher(sqsClient, cfg.AWS.ForwardJobsQueue, logger)
		srv.HealthProbes = append(srv.HealthProbes, queue.NewHealthProbe(sqsClient, cfg.AWS.ForwardJobsQueue))
		logger.Info("forward jobs published to SQS", "queue_url", cfg.AWS.ForwardJobsQueue)
	} else {
		local := forward.NewLocalScheduler(
			forward.NewExecutor(contacts, typedLogger, metrics),
			forward.LocalSchedulerConfig{
				Workers:   cfg.Forward.Concurrency,
				QueueSize: localQueueSize,
				Policy:    policy,
			},
			typedLogger,
			metrics,
		)
		go func() {
			if err := local.Run(context.Background()); err != nil {
				logger.Error("local scheduler stopped", "error", err)
			}
		}()
		srv.ShutdownHooks = append(srv.ShutdownHooks, func(context.Context) error {
			local.Stop()
			return nil
		})
		scheduler = local
		logger.Info("forward jobs run in-process", "workers", cfg.Forward.Concurrency)
	}

	processor := forward.NewProcessor(
		forward.ProcessorConfig{
			TriggeringEvents:    cfg.Filters.TriggeringEvents,
			IgnoredEmailDomains: cfg.Filters.IgnoredEmailDomains,
		},
		scheduler,
		typedLogger,
		forward.WithProcessorMetrics(metrics),
	)

	eventsHandler := handlers.NewEventsHandler(processor, srv.Validator, cfg.Server.MaxBatchSize, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		eventsHandler.RegisterRoutes(r)
	})

	if cwMetrics != nil {
		flushCtx, stopFlush := context.WithCancel(context.Background())
		go cwMetrics.Run(flushCtx, metricsFlushInterval)
		// Last hook, so the local scheduler has stopped recording.
		srv.ShutdownHooks = append(srv.ShutdownHooks, func(ctx context.Context) error {
			stopFlush()
			cwMetrics.Flush(ctx)
			return nil
		})
	}

	srv.MountRoutes()
	return srv, nil
}

// loadAWSConfig loads the SDK configuration, pointing every client at
// AWS_ENDPOINT_URL when it is set (LocalStack).
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	return awsCfg, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda serves API Gateway HTTP API events through the chi router.
// lambda.Start never returns.
func runLambda(srv *core.Server, logger *slog.Logger) error {
	logger.Info("running in Lambda mode")
	if srv.Config.AWS.ForwardJobsQueue == "" {
		// The runtime freezes the process between invocations.
		logger.Warn("forward jobs run in-process under Lambda; set SQS_FORWARD_JOBS")
	}
	lambda.Start(newGatewayHandler(srv.Handler()))
	return nil
}

// newGatewayHandler bridges API Gateway HTTP API (payload 2.0) events to h.
func newGatewayHandler(h http.Handler) func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	return httpadapter.NewV2(gatewayRequestID(h)).ProxyWithContext
}

// gatewayRequestID seeds X-Request-Id from the gateway's request id when the
// caller sent none, so logs line up with API Gateway access logs.
func gatewayRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			if gw, ok := proxycore.GetAPIGatewayV2ContextFromContext(r.Context()); ok && gw.RequestID != "" {
				r.Header.Set("X-Request-Id", gw.RequestID)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stops the local scheduler and flushes spans.
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}

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

var _ types.Logger = (*slogAdapter)(nil)

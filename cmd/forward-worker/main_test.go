package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmrelay/internal/config"
	"crmrelay/internal/external"
	"crmrelay/internal/forward"
	"crmrelay/internal/types"
)

// --- Mock Types ---

// fakeRunner returns the outcome registered for a job's trace id, success
// otherwise.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes map[string]types.Outcome
	ran      []string
}

func (r *fakeRunner) Execute(_ context.Context, job types.ForwardJob) types.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, job.TraceID)
	if o, ok := r.outcomes[job.TraceID]; ok {
		return o
	}
	return types.Succeeded(http.StatusOK)
}

type submission struct {
	job   types.ForwardJob
	delay time.Duration
}

type fakeRequeue struct {
	mu    sync.Mutex
	subs  []submission
	fails bool
}

func (q *fakeRequeue) Submit(_ context.Context, job types.ForwardJob, delay time.Duration) error {
	if q.fails {
		return errors.New("sqs unavailable")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs, submission{job: job, delay: delay})
	return nil
}

type mockMetrics struct {
	forward.NopMetrics
	queueLagCalls atomic.Int32
	flushes       atomic.Int32
}

func (m *mockMetrics) RecordQueueLag(_ context.Context, _ time.Duration) {
	m.queueLagCalls.Add(1)
}

func (m *mockMetrics) Flush(context.Context) {
	m.flushes.Add(1)
}

type testLogger struct{}

func (l *testLogger) Info(_ string, _ ...any)    {}
func (l *testLogger) Error(_ string, _ ...any)   {}
func (l *testLogger) Warn(_ string, _ ...any)    {}
func (l *testLogger) With(_ ...any) types.Logger { return l }

// --- Helper Functions ---

func testJob(traceID string, retryCount int) types.ForwardJob {
	return types.ForwardJob{
		Email:      "alice@acme.io",
		EventName:  "signed_up",
		UserID:     "user-1",
		Timestamp:  1700000000,
		TraceID:    traceID,
		RetryCount: retryCount,
	}
}

func buildSQSEvent(t *testing.T, jobs ...types.ForwardJob) events.SQSEvent {
	t.Helper()
	records := make([]events.SQSMessage, len(jobs))
	for i, job := range jobs {
		body, err := json.Marshal(job)
		require.NoError(t, err)
		records[i] = events.SQSMessage{
			MessageId: "msg-" + job.TraceID,
			Body:      string(body),
			Attributes: map[string]string{
				"SentTimestamp": "1706745600000",
			},
		}
	}
	return events.SQSEvent{Records: records}
}

func newTestHandler(runner forward.JobRunner, requeue forward.Scheduler) *Handler {
	return &Handler{
		runner:      runner,
		requeue:     requeue,
		retryPolicy: forward.DefaultRetryPolicy,
		metrics:     &mockMetrics{},
		logger:      &testLogger{},
		concurrency: 4,
	}
}

// --- Tests ---

func TestHandler_TerminalOutcomesAreAcknowledged(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string]types.Outcome{
		"t-app": types.ApplicationFailure(http.StatusBadRequest, "bad event"),
	}}
	requeue := &fakeRequeue{}
	h := newTestHandler(runner, requeue)

	resp, err := h.Handle(context.Background(), buildSQSEvent(t, testJob("t-ok", 0), testJob("t-app", 0)))

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Empty(t, requeue.subs)
	assert.ElementsMatch(t, []string{"t-ok", "t-app"}, runner.ran)
	assert.Equal(t, int32(2), h.metrics.(*mockMetrics).queueLagCalls.Load())
	assert.Equal(t, int32(1), h.metrics.(*mockMetrics).flushes.Load(), "metrics are flushed once per batch")
}

func TestHandler_RetryableOutcomeIsRepublished(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string]types.Outcome{
		"t-net": types.RetryableFailure(errors.New("connection reset")),
	}}
	requeue := &fakeRequeue{}
	h := newTestHandler(runner, requeue)

	resp, err := h.Handle(context.Background(), buildSQSEvent(t, testJob("t-net", 1)))

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures, "original is acknowledged once the retry is queued")
	require.Len(t, requeue.subs, 1)
	assert.Equal(t, 2, requeue.subs[0].job.RetryCount)
	assert.Equal(t, forward.CalculateNextRetry(forward.DefaultRetryPolicy, 1), requeue.subs[0].delay)
	assert.Equal(t, "t-net", requeue.subs[0].job.TraceID)
}

func TestHandler_RetriesExhaustedDropsJob(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string]types.Outcome{
		"t-net": types.RetryableFailure(errors.New("connection reset")),
	}}
	requeue := &fakeRequeue{}
	h := newTestHandler(runner, requeue)

	last := forward.DefaultRetryPolicy.MaxAttempts - 1
	resp, err := h.Handle(context.Background(), buildSQSEvent(t, testJob("t-net", last)))

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Empty(t, requeue.subs)
}

func TestHandler_RepublishFailureReportsBatchItem(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string]types.Outcome{
		"t-net": types.RetryableFailure(errors.New("connection reset")),
	}}
	h := newTestHandler(runner, &fakeRequeue{fails: true})

	resp, err := h.Handle(context.Background(), buildSQSEvent(t, testJob("t-ok", 0), testJob("t-net", 0)))

	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "msg-t-net", resp.BatchItemFailures[0].ItemIdentifier)
}

func TestHandler_MalformedMessageIsAcknowledged(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, &fakeRequeue{})

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{{MessageId: "msg-bad", Body: "{{not valid json}}"}},
	})

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Empty(t, runner.ran)
}

func TestHandler_ZeroConcurrencyStillRuns(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, &fakeRequeue{})
	h.concurrency = 0

	_, err := h.Handle(context.Background(), buildSQSEvent(t, testJob("t-1", 0), testJob("t-2", 0)))

	require.NoError(t, err)
	assert.Len(t, runner.ran, 2)
}

// TestHandler_WithExecutor runs real jobs through the CRM client: a reachable
// CRM completes the job, an unreachable one re-queues it.
func TestHandler_WithExecutor(t *testing.T) {
	var sends atomic.Int32
	crm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/contacts/search":
			_, _ = io.WriteString(w, `{"data":[{"id":"c-1","external_id":"user-1","email":"alice@acme.io"}],"total_count":1}`)
		case "/events":
			sends.Add(1)
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer crm.Close()

	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	newExecutor := func(baseURL string) *forward.Executor {
		client := external.NewContactClient(&http.Client{Timeout: time.Second}, external.ContactClientConfig{
			APIKey:  "test-key",
			BaseURL: baseURL,
			Logger:  logger,
		})
		return forward.NewExecutor(client, &testLogger{}, nil)
	}

	t.Run("reachable", func(t *testing.T) {
		requeue := &fakeRequeue{}
		h := newTestHandler(newExecutor(crm.URL), requeue)

		resp, err := h.Handle(context.Background(), buildSQSEvent(t, testJob("t-live", 0)))

		require.NoError(t, err)
		assert.Empty(t, resp.BatchItemFailures)
		assert.Empty(t, requeue.subs)
		assert.Equal(t, int32(1), sends.Load())
	})

	t.Run("unreachable", func(t *testing.T) {
		requeue := &fakeRequeue{}
		h := newTestHandler(newExecutor(closedURL), requeue)

		resp, err := h.Handle(context.Background(), buildSQSEvent(t, testJob("t-down", 0)))

		require.NoError(t, err)
		assert.Empty(t, resp.BatchItemFailures)
		require.Len(t, requeue.subs, 1)
		assert.Equal(t, 1, requeue.subs[0].job.RetryCount)
	})
}

func TestNewHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("requires forward queue", func(t *testing.T) {
		_, err := newHandler(&config.Config{}, aws.Config{}, logger)
		assert.Error(t, err)
	})

	t.Run("policy from config", func(t *testing.T) {
		cfg := &config.Config{
			CRM: config.CRMConfig{APIKey: "k", BaseURL: "https://api.intercom.io", Timeout: time.Second},
			AWS: config.AWSConfig{ForwardJobsQueue: "http://localhost:4566/000000000000/forward-jobs"},
			Forward: config.ForwardConfig{
				MaxAttempts:   3,
				BaseDelay:     time.Second,
				MaxDelay:      time.Minute,
				BackoffFactor: 2,
				Concurrency:   8,
			},
		}
		h, err := newHandler(cfg, aws.Config{Region: "us-east-1"}, logger)
		require.NoError(t, err)
		assert.Equal(t, forward.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}, h.retryPolicy)
		assert.Equal(t, 8, h.concurrency)
	})
}

func TestParseMillisTimestamp(t *testing.T) {
	ts, err := parseMillisTimestamp("1706745600000")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.UnixMilli(1706745600000)))

	_, err = parseMillisTimestamp("not-a-number")
	assert.Error(t, err)
}

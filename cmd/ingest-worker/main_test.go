package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmrelay/internal/config"
	"crmrelay/internal/forward"
	"crmrelay/internal/types"
)

// --- Mock Types ---

type mockProcessor struct {
	mu       sync.Mutex
	events   []types.Event
	failFor  string
	decision forward.Decision
}

func (m *mockProcessor) Process(_ context.Context, event types.Event) (forward.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if event.Event == m.failFor {
		return "", errors.New("queue unavailable")
	}
	return m.decision, nil
}

type mockMetrics struct {
	forward.NopMetrics
	queueLagCalls int
	flushes       int
}

func (m *mockMetrics) RecordQueueLag(_ context.Context, _ time.Duration) {
	m.queueLagCalls++
}

func (m *mockMetrics) Flush(context.Context) {
	m.flushes++
}

type recordingScheduler struct {
	jobs []types.ForwardJob
}

func (s *recordingScheduler) Submit(_ context.Context, job types.ForwardJob, _ time.Duration) error {
	s.jobs = append(s.jobs, job)
	return nil
}

type testLogger struct{}

func (l *testLogger) Info(_ string, _ ...any)    {}
func (l *testLogger) Error(_ string, _ ...any)   {}
func (l *testLogger) Warn(_ string, _ ...any)    {}
func (l *testLogger) With(_ ...any) types.Logger { return l }

// --- Helper Functions ---

func buildSQSEvent(t *testing.T, evts ...types.Event) events.SQSEvent {
	t.Helper()
	records := make([]events.SQSMessage, len(evts))
	for i, evt := range evts {
		body, err := json.Marshal(evt)
		require.NoError(t, err)
		records[i] = events.SQSMessage{
			MessageId: "msg-" + evt.Event,
			Body:      string(body),
			Attributes: map[string]string{
				"SentTimestamp": "1706745600000",
			},
		}
	}
	return events.SQSEvent{Records: records}
}

// --- Tests ---

func TestHandler_AllProcessed(t *testing.T) {
	proc := &mockProcessor{decision: forward.DecisionForward}
	metrics := &mockMetrics{}
	h := &Handler{processor: proc, metrics: metrics, logger: &testLogger{}}

	resp, err := h.Handle(context.Background(), buildSQSEvent(t,
		types.Event{Event: "signed_up", DistinctID: "u-1"},
		types.Event{Event: "upgraded", DistinctID: "u-2"},
	))

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	require.Len(t, proc.events, 2)
	assert.Equal(t, "signed_up", proc.events[0].Event)
	assert.Equal(t, "upgraded", proc.events[1].Event)
	assert.Equal(t, 2, metrics.queueLagCalls)
	assert.Equal(t, 1, metrics.flushes, "metrics are flushed once per batch")
}

func TestHandler_MalformedMessageIsAcknowledged(t *testing.T) {
	proc := &mockProcessor{decision: forward.DecisionForward}
	h := &Handler{processor: proc, metrics: &mockMetrics{}, logger: &testLogger{}}

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{{MessageId: "msg-bad", Body: "{{not valid json}}"}},
	})

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Empty(t, proc.events)
}

func TestHandler_DispatchFailureReportsOnlyThatRecord(t *testing.T) {
	proc := &mockProcessor{decision: forward.DecisionForward, failFor: "upgraded"}
	h := &Handler{processor: proc, metrics: &mockMetrics{}, logger: &testLogger{}}

	resp, err := h.Handle(context.Background(), buildSQSEvent(t,
		types.Event{Event: "signed_up", DistinctID: "u-1"},
		types.Event{Event: "upgraded", DistinctID: "u-2"},
		types.Event{Event: "churned", DistinctID: "u-3"},
	))

	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "msg-upgraded", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Len(t, proc.events, 3, "later records still processed")
}

func TestHandler_WithRealProcessor(t *testing.T) {
	sched := &recordingScheduler{}
	proc := forward.NewProcessor(forward.ProcessorConfig{
		TriggeringEvents:    "signed_up",
		IgnoredEmailDomains: "example.com",
	}, sched, &testLogger{})
	h := &Handler{processor: proc, metrics: forward.NopMetrics{}, logger: &testLogger{}}

	resp, err := h.Handle(context.Background(), buildSQSEvent(t,
		types.Event{Event: "signed_up", DistinctID: "u-1", Properties: map[string]any{"email": "alice@acme.io"}, Timestamp: float64(1700000000), UUID: "evt-1"},
		types.Event{Event: "signed_up", DistinctID: "u-2", Properties: map[string]any{"email": "bob@example.com"}},
		types.Event{Event: "page_view", DistinctID: "u-3"},
	))

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	require.Len(t, sched.jobs, 1)
	assert.Equal(t, types.ForwardJob{
		Email:     "alice@acme.io",
		EventName: "signed_up",
		UserID:    "u-1",
		Timestamp: 1700000000,
		TraceID:   "evt-1",
	}, sched.jobs[0])
}

func TestNewHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("requires forward queue", func(t *testing.T) {
		_, err := newHandler(&config.Config{}, aws.Config{}, logger)
		assert.Error(t, err)
	})

	t.Run("wires publisher", func(t *testing.T) {
		cfg := &config.Config{
			AWS: config.AWSConfig{
				Region:           "us-east-1",
				ForwardJobsQueue: "http://localhost:4566/000000000000/forward-jobs",
			},
		}
		h, err := newHandler(cfg, aws.Config{Region: "us-east-1"}, logger)
		require.NoError(t, err)
		assert.NotNil(t, h.processor)
		assert.IsType(t, forward.NopMetrics{}, h.metrics)
	})
}

func TestParseMillisTimestamp(t *testing.T) {
	ts, err := parseMillisTimestamp("1706745600000")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.UnixMilli(1706745600000)))

	_, err = parseMillisTimestamp("not-a-number")
	assert.Error(t, err)
}

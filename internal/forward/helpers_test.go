package forward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"crmrelay/internal/types"
)

// testLogger records log lines; safe for concurrent use.
type testLogger struct {
	mu    sync.Mutex
	lines *[]string
	attrs []any
}

func newTestLogger() *testLogger {
	return &testLogger{lines: &[]string{}}
}

func (l *testLogger) record(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := append(append([]any{}, l.attrs...), args...)
	*l.lines = append(*l.lines, fmt.Sprintf("%s:%s %v", level, msg, all))
}

func (l *testLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *testLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *testLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *testLogger) With(args ...any) types.Logger {
	return &testLogger{lines: l.lines, attrs: append(append([]any{}, l.attrs...), args...)}
}

func (l *testLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), *l.lines...)
}

// fixedClock always returns t.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// mockContactAPI is a testify mock of ContactAPI.
type mockContactAPI struct {
	mock.Mock
}

func (m *mockContactAPI) SearchContact(ctx context.Context, email, externalID string) (*types.ContactMatch, types.Outcome) {
	args := m.Called(ctx, email, externalID)
	match, _ := args.Get(0).(*types.ContactMatch)
	return match, args.Get(1).(types.Outcome)
}

func (m *mockContactAPI) SendEvent(ctx context.Context, sub types.EventSubmission) types.Outcome {
	args := m.Called(ctx, sub)
	return args.Get(0).(types.Outcome)
}

// submission is one recorded Scheduler.Submit call.
type submission struct {
	job   types.ForwardJob
	delay time.Duration
}

// recordingScheduler captures submissions instead of running them.
type recordingScheduler struct {
	mu        sync.Mutex
	submitted []submission
	err       error
}

func (s *recordingScheduler) Submit(_ context.Context, job types.ForwardJob, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, submission{job: job, delay: delay})
	return nil
}

func (s *recordingScheduler) Submissions() []submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submission(nil), s.submitted...)
}

// recordingMetrics captures metric calls.
type recordingMetrics struct {
	mu        sync.Mutex
	decisions []Decision
	outcomes  []string
	latencies int
	lags      int
	flushes   int
}

func (m *recordingMetrics) RecordDecision(_ context.Context, d Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
}

func (m *recordingMetrics) RecordOutcome(_ context.Context, stage Stage, kind types.OutcomeKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, string(stage)+":"+string(kind))
}

func (m *recordingMetrics) RecordLatency(context.Context, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *recordingMetrics) RecordQueueLag(context.Context, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lags++
}

func (m *recordingMetrics) Flush(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

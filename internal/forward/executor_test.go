package forward

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"crmrelay/internal/types"
)

func TestExecute_SearchThenSend(t *testing.T) {
	api := &mockContactAPI{}
	metrics := &recordingMetrics{}
	job := types.ForwardJob{Email: "a@b.com", EventName: "$identify", UserID: "a@b.com", Timestamp: 1690000000, TraceID: "t-1"}

	api.On("SearchContact", mock.Anything, "a@b.com", "a@b.com").
		Return(&types.ContactMatch{ID: "c_1", ExternalID: "ext-1"}, types.Succeeded(200)).Once()
	api.On("SendEvent", mock.MatchedBy(func(ctx context.Context) bool {
		return types.GetRequestID(ctx) == "t-1"
	}), types.EventSubmission{
		EventName:  "$identify",
		Email:      "a@b.com",
		ExternalID: "a@b.com",
		CreatedAt:  1690000000,
	}).Return(types.Succeeded(202)).Once()

	outcome := NewExecutor(api, newTestLogger(), metrics).Execute(context.Background(), job)

	assert.True(t, outcome.IsSuccess())
	assert.Equal(t, 202, outcome.StatusCode)
	assert.Equal(t, []string{"search:success", "send:success"}, metrics.outcomes)
	assert.Equal(t, 1, metrics.latencies)
	api.AssertExpectations(t)
}

func TestExecute_UsesMatchedExternalIDWhenUserIDMissing(t *testing.T) {
	api := &mockContactAPI{}
	job := types.ForwardJob{Email: "a@b.com", EventName: "$identify", Timestamp: 10}

	api.On("SearchContact", mock.Anything, "a@b.com", "").
		Return(&types.ContactMatch{ID: "c_1", ExternalID: "ext-1"}, types.Succeeded(200))
	api.On("SendEvent", mock.Anything, mock.MatchedBy(func(sub types.EventSubmission) bool {
		return sub.ExternalID == "ext-1"
	})).Return(types.Succeeded(200))

	outcome := NewExecutor(api, newTestLogger(), nil).Execute(context.Background(), job)

	assert.True(t, outcome.IsSuccess())
	api.AssertExpectations(t)
}

func TestExecute_NoMatchNeverSends(t *testing.T) {
	api := &mockContactAPI{}
	api.On("SearchContact", mock.Anything, "a@b.com", "a@b.com").Return(nil, types.Succeeded(200))

	outcome := NewExecutor(api, newTestLogger(), nil).Execute(context.Background(),
		types.ForwardJob{Email: "a@b.com", EventName: "$identify", UserID: "a@b.com"})

	assert.False(t, outcome.IsRetryable())
	api.AssertNotCalled(t, "SendEvent", mock.Anything, mock.Anything)
}

func TestExecute_SearchApplicationFailureNeverSends(t *testing.T) {
	api := &mockContactAPI{}
	api.On("SearchContact", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, types.ApplicationFailure(401, "Access Token Invalid"))

	outcome := NewExecutor(api, newTestLogger(), nil).Execute(context.Background(), types.ForwardJob{Email: "a@b.com"})

	assert.Equal(t, types.OutcomeApplicationFailure, outcome.Kind)
	assert.False(t, outcome.IsRetryable())
	api.AssertNotCalled(t, "SendEvent", mock.Anything, mock.Anything)
}

func TestExecute_TransportErrorIsRetryable(t *testing.T) {
	api := &mockContactAPI{}
	connErr := errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	api.On("SearchContact", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, types.RetryableFailure(connErr))

	outcome := NewExecutor(api, newTestLogger(), nil).Execute(context.Background(), types.ForwardJob{Email: "a@b.com"})

	assert.True(t, outcome.IsRetryable())
	assert.NotEqual(t, types.OutcomeApplicationFailure, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, connErr)
	api.AssertNotCalled(t, "SendEvent", mock.Anything, mock.Anything)
}

func TestExecute_SendFailures(t *testing.T) {
	tests := []struct {
		name      string
		send      types.Outcome
		retryable bool
	}{
		{"rejected", types.ApplicationFailure(422, "User Not Found"), false},
		{"transport", types.RetryableFailure(errors.New("connection reset by peer")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockContactAPI{}
			api.On("SearchContact", mock.Anything, mock.Anything, mock.Anything).
				Return(&types.ContactMatch{ID: "c_1"}, types.Succeeded(200))
			api.On("SendEvent", mock.Anything, mock.Anything).Return(tt.send)

			outcome := NewExecutor(api, newTestLogger(), nil).Execute(context.Background(),
				types.ForwardJob{Email: "a@b.com", UserID: "u"})

			assert.Equal(t, tt.retryable, outcome.IsRetryable())
			assert.Equal(t, tt.send.Kind, outcome.Kind)
		})
	}
}

package queue

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockAttributesGetter struct {
	input *sqs.GetQueueAttributesInput
	err   error
}

func (m *mockAttributesGetter) GetQueueAttributes(_ context.Context, params *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func TestHealthProbe_Healthy(t *testing.T) {
	mock := &mockAttributesGetter{}
	probe := NewHealthProbe(mock, testQueueURL)

	if probe.Name() != "sqs" {
		t.Errorf("Name() = %q, want sqs", probe.Name())
	}
	if err := probe.Check(context.Background()); err != nil {
		t.Fatalf("Check returned unexpected error: %v", err)
	}
	if *mock.input.QueueUrl != testQueueURL {
		t.Errorf("probed %q, want %q", *mock.input.QueueUrl, testQueueURL)
	}
}

func TestHealthProbe_Unreachable(t *testing.T) {
	mock := &mockAttributesGetter{err: errors.New("QueueDoesNotExist")}
	probe := NewHealthProbe(mock, testQueueURL)

	err := probe.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "QueueDoesNotExist") {
		t.Fatalf("expected wrapped SQS error, got %v", err)
	}
}

// Package queue provides the SQS producer and health probe for the forward
// jobs queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"crmrelay/internal/types"
)

// maxDelaySeconds is the SQS DelaySeconds ceiling.
const maxDelaySeconds = 900

// Message attribute names set on every forward job.
const (
	AttrTraceID    = "trace_id"
	AttrRetryCount = "retry_count"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// JobPublisher submits forward jobs to SQS. It satisfies forward.Scheduler, so
// the ingestion path and the retry path share one producer.
//
// The job is serialized exactly as given. RetryCount is owned by the caller.
type JobPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewJobPublisher creates a JobPublisher targeting queueURL.
func NewJobPublisher(client SQSSender, queueURL string, logger *slog.Logger) *JobPublisher {
	return &JobPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Submit sends job to the forward jobs queue. The delay is clamped to the SQS
// range of 0..900 seconds.
func (p *JobPublisher) Submit(ctx context.Context, job types.ForwardJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ForwardJob: %w", err)
	}

	delaySec := clampDelay(delay)

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			AttrTraceID: {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.TraceID),
			},
			AttrRetryCount: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(job.RetryCount)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send ForwardJob to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "forward job queued",
		"queue_url", p.queueURL,
		"trace_id", job.TraceID,
		"event_name", job.EventName,
		"retry_count", job.RetryCount,
		"delay_seconds", delaySec,
	)

	return nil
}

func clampDelay(delay time.Duration) int32 {
	sec := int64(delay / time.Second)
	if sec > maxDelaySeconds {
		return maxDelaySeconds
	}
	if sec < 0 {
		return 0
	}
	return int32(sec)
}

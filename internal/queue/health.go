package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAttributesGetter is the SQS call used by the health probe.
type SQSAttributesGetter interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// HealthProbe checks that the forward jobs queue is reachable.
type HealthProbe struct {
	client   SQSAttributesGetter
	queueURL string
}

// NewHealthProbe creates a probe for queueURL.
func NewHealthProbe(client SQSAttributesGetter, queueURL string) *HealthProbe {
	return &HealthProbe{client: client, queueURL: queueURL}
}

// Name identifies the probe in health responses.
func (p *HealthProbe) Name() string { return "sqs" }

// Check fetches the approximate queue depth, which fails fast when the queue
// is missing or credentials are wrong.
func (p *HealthProbe) Check(ctx context.Context) error {
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.queueURL),
		AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("sqs queue unreachable: %w", err)
	}
	return nil
}

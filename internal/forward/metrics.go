package forward

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"crmrelay/internal/types"
)

// Stage names the remote call an outcome belongs to.
type Stage string

const (
	StageSearch Stage = "search"
	StageSend   Stage = "send"
)

// Metrics records forwarding telemetry. Implementations must never fail the
// caller; errors are logged and swallowed.
type Metrics interface {
	RecordDecision(ctx context.Context, decision Decision)
	RecordOutcome(ctx context.Context, stage Stage, kind types.OutcomeKind)
	RecordLatency(ctx context.Context, d time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)

	// Flush publishes anything buffered. Hosts call it once per unit of work
	// (an SQS batch) or periodically.
	Flush(ctx context.Context)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordDecision(context.Context, Decision)                {}
func (NopMetrics) RecordOutcome(context.Context, Stage, types.OutcomeKind) {}
func (NopMetrics) RecordLatency(context.Context, time.Duration)            {}
func (NopMetrics) RecordQueueLag(context.Context, time.Duration)           {}
func (NopMetrics) Flush(context.Context)                                   {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// maxMetricDatums is the PutMetricData per-request limit.
const maxMetricDatums = 1000

// CloudWatchMetrics emits forwarding metrics to AWS CloudWatch. Record calls
// only buffer; nothing reaches CloudWatch until Flush, so recording stays off
// the ingest path's latency.
//
// Metrics emitted:
//   - EventDecision: Dims {Decision}, on every processed event
//   - ForwardOutcome: Dims {Stage, Result}, after every search and send
//   - ForwardLatency: no dims, wall time of one job execution
//   - ForwardJobQueueLag: no dims, enqueue to processing start
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace,
// or types.MetricNamespace when namespace is empty.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *CloudWatchMetrics) RecordDecision(ctx context.Context, decision Decision) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricEventDecision),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimDecision), Value: aws.String(string(decision))},
		},
	})
}

func (m *CloudWatchMetrics) RecordOutcome(ctx context.Context, stage Stage, kind types.OutcomeKind) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricForwardOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimStage), Value: aws.String(string(stage))},
			{Name: aws.String(types.DimResult), Value: aws.String(string(kind))},
		},
	})
}

// RecordLatency is recorded in milliseconds for CloudWatch precision.
func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricForwardLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricJobQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

// RecordRequest records ingestion API request count and latency. It lets the
// same publisher back the HTTP metrics middleware.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimMethod), Value: aws.String(method)},
		{Name: aws.String(types.DimEndpoint), Value: aws.String(endpoint)},
		{Name: aws.String(types.DimStatus), Value: aws.String(status)},
	}
	ctx := context.Background()
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPIRequests),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	})
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: dims,
	})
}

func (m *CloudWatchMetrics) put(_ context.Context, datum cwtypes.MetricDatum) {
	datum.Timestamp = aws.Time(time.Now())
	m.mu.Lock()
	m.pending = append(m.pending, datum)
	m.mu.Unlock()
}

// Flush sends everything buffered so far in as few PutMetricData calls as the
// API allows. Failed chunks are logged and dropped.
func (m *CloudWatchMetrics) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for chunk := range slices.Chunk(batch, maxMetricDatums) {
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: chunk,
		})
		if err != nil {
			m.logger.Error("failed to record metrics",
				"error", err.Error(),
				"datums", len(chunk),
			)
		}
	}
}

// Run flushes every interval until ctx is done. The final flush is left to
// the caller so it can bound it with its own deadline.
func (m *CloudWatchMetrics) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Flush(ctx)
		}
	}
}

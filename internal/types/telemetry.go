package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricEventDecision  = "EventDecision"
	MetricForwardOutcome = "ForwardOutcome"
	MetricForwardLatency = "ForwardLatency"
	MetricJobQueueLag    = "ForwardJobQueueLag"
	MetricAPILatency     = "APILatency"
	MetricAPIRequests    = "APIRequestCount"

	// Dimension Keys
	DimDecision = "Decision"
	DimStage    = "Stage"
	DimResult   = "Result"
	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "StatusCode"

	// Metric Namespace
	MetricNamespace = "CRMRelay"
)

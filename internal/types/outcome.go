package types

import "fmt"

// OutcomeKind classifies the result of a remote CRM operation.
type OutcomeKind string

const (
	// OutcomeSuccess means the remote call completed with a 2xx status and no
	// application-level errors.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeApplicationFailure means the remote side answered but rejected the
	// request (non-2xx or an "errors" payload). Terminal for this attempt.
	OutcomeApplicationFailure OutcomeKind = "application_failure"

	// OutcomeRetryable means the request never produced an HTTP response
	// (network, DNS, connection reset, open circuit). The whole job should be
	// re-submitted later.
	OutcomeRetryable OutcomeKind = "retryable"
)

// Outcome is the explicit result of a remote operation. Callers branch on Kind
// rather than on error types.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Message    string
	Err        error
}

// Succeeded returns an OutcomeSuccess with the given status code.
func Succeeded(status int) Outcome {
	return Outcome{Kind: OutcomeSuccess, StatusCode: status}
}

// ApplicationFailure returns an OutcomeApplicationFailure.
func ApplicationFailure(status int, message string) Outcome {
	return Outcome{Kind: OutcomeApplicationFailure, StatusCode: status, Message: message}
}

// RetryableFailure returns an OutcomeRetryable wrapping the transport error.
func RetryableFailure(err error) Outcome {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Kind: OutcomeRetryable, Message: msg, Err: err}
}

// IsSuccess reports whether the outcome is OutcomeSuccess.
func (o Outcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }

// IsRetryable reports whether the outcome should cause a re-submission.
func (o Outcome) IsRetryable() bool { return o.Kind == OutcomeRetryable }

// String renders the outcome for log lines.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return fmt.Sprintf("success (status %d)", o.StatusCode)
	case OutcomeApplicationFailure:
		return fmt.Sprintf("application failure (status %d): %s", o.StatusCode, o.Message)
	case OutcomeRetryable:
		return "retryable: " + o.Message
	default:
		return string(o.Kind)
	}
}

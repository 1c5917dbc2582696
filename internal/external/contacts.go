package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crmrelay/internal/types"
)

const defaultUserAgent = "crmrelay/1.0"

// ContactClientConfig holds the configuration for creating a ContactClient.
type ContactClientConfig struct {
	APIKey    types.SecretString
	BaseURL   string // chosen once at startup, see config.ResolveBaseURL
	UserAgent string
	Logger    *slog.Logger
}

// ContactClient talks to the CRM contacts and events endpoints through
// BaseClient. Neither operation returns an error: the result is always an
// Outcome and HTTP-level failures are logged here.
type ContactClient struct {
	base    *BaseClient
	apiKey  types.SecretString
	baseURL string
	logger  *slog.Logger
}

// NewContactClient creates a ContactClient with its own circuit breaker.
func NewContactClient(httpClient *http.Client, cfg ContactClientConfig, opts ...BaseClientOption) *ContactClient {
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return NewContactClientWithBase(NewBaseClient(httpClient, "crm", ua, opts...), cfg)
}

// NewContactClientWithBase creates a ContactClient with a pre-configured
// BaseClient.
func NewContactClientWithBase(base *BaseClient, cfg ContactClientConfig) *ContactClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ContactClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type searchQuery struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type searchRequest struct {
	Query searchQuery `json:"query"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type searchResponse struct {
	Data       []types.ContactMatch `json:"data"`
	TotalCount int                  `json:"total_count"`
	Errors     []apiError           `json:"errors"`
}

type eventRequest struct {
	EventName string `json:"event_name"`
	CreatedAt int64  `json:"created_at"`
	Email     string `json:"email,omitempty"`
	ID        string `json:"id,omitempty"`
}

type errorResponse struct {
	Errors []apiError `json:"errors"`
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// SearchContact looks up a contact by exact email when email is non-empty,
// otherwise by exact external_id. The returned match is nil unless the search
// succeeded and found at least one contact.
func (c *ContactClient) SearchContact(ctx context.Context, email, externalID string) (*types.ContactMatch, types.Outcome) {
	query := searchQuery{Field: "external_id", Operator: "=", Value: externalID}
	subject := externalID
	if email != "" {
		query = searchQuery{Field: "email", Operator: "=", Value: email}
		subject = email
	}
	logger := c.logger.With("contact", subject, "trace_id", types.GetRequestID(ctx))

	resp, outcome := c.post(ctx, "/contacts/search", searchRequest{Query: query})
	if resp == nil {
		logNoResponse(logger, "contact search", outcome)
		return nil, outcome
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("contact search response unreadable", "status", resp.StatusCode, "error", err)
		return nil, types.RetryableFailure(err)
	}

	var parsed searchResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if !statusOK(resp.StatusCode) || len(parsed.Errors) > 0 {
		msg := firstErrorMessage(parsed.Errors)
		logger.Error("unable to search contact",
			"status", resp.StatusCode,
			"error_message", msg,
		)
		return nil, types.ApplicationFailure(resp.StatusCode, msg)
	}
	if decodeErr != nil {
		logger.Error("unable to decode contact search response",
			"status", resp.StatusCode,
			"error", decodeErr,
		)
		return nil, types.ApplicationFailure(resp.StatusCode, "malformed search response")
	}

	if len(parsed.Data) == 0 {
		logger.Info("contact not found")
		return nil, types.Succeeded(resp.StatusCode)
	}

	match := parsed.Data[0]
	logger.Info("contact found", "contact_id", match.ID)
	return &match, types.Succeeded(resp.StatusCode)
}

// SendEvent submits an event against a contact. The email field is omitted
// from the payload when empty.
func (c *ContactClient) SendEvent(ctx context.Context, sub types.EventSubmission) types.Outcome {
	logger := c.logger.With(
		"event", sub.EventName,
		"email", sub.Email,
		"external_id", sub.ExternalID,
		"trace_id", types.GetRequestID(ctx),
	)

	resp, outcome := c.post(ctx, "/events", eventRequest{
		EventName: sub.EventName,
		CreatedAt: sub.CreatedAt,
		Email:     sub.Email,
		ID:        sub.ExternalID,
	})
	if resp == nil {
		logNoResponse(logger, "send event", outcome)
		return outcome
	}
	defer resp.Body.Close()

	if statusOK(resp.StatusCode) {
		logger.Info("sent event to crm", "status", resp.StatusCode)
		return types.Succeeded(resp.StatusCode)
	}

	// Best effort; an unparseable body still yields a logged failure.
	var parsed errorResponse
	if body, err := io.ReadAll(resp.Body); err == nil {
		_ = json.Unmarshal(body, &parsed)
	}
	msg := firstErrorMessage(parsed.Errors)
	logger.Error("unable to send event",
		"status", resp.StatusCode,
		"error_message", msg,
	)
	return types.ApplicationFailure(resp.StatusCode, msg)
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// post marshals payload and sends it. A nil response means the attempt failed
// before any HTTP status was received; the returned Outcome says why.
func (c *ContactClient) post(ctx context.Context, path string, payload any) (*http.Response, types.Outcome) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.ApplicationFailure(0, fmt.Sprintf("marshal request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, types.ApplicationFailure(0, fmt.Sprintf("build request: %v", err))
	}
	c.setHeaders(req)

	resp, err := c.base.Do(req)
	if err != nil {
		if IsRetryable(err) {
			return nil, types.RetryableFailure(err)
		}
		return nil, types.ApplicationFailure(0, err.Error())
	}
	return resp, types.Outcome{}
}

// logNoResponse logs an attempt that produced no HTTP status. Only retryable
// outcomes are transport failures; the rest never left the process.
func logNoResponse(logger *slog.Logger, op string, outcome types.Outcome) {
	if outcome.IsRetryable() {
		logger.Warn(op+" transport failure", "error", outcome.Message)
		return
	}
	logger.Error(op+" request failed", "error", outcome.Message)
}

func (c *ContactClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey.Unmask())
}

func statusOK(code int) bool {
	return code >= 200 && code < 300
}

func firstErrorMessage(errs []apiError) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[0].Message
}

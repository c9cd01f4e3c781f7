/**
 * @description
 * This package provides a client for the payout provider's batch payouts API. It
 * encapsulates authenticated HTTP requests for submitting a payout batch and for
 * fetching a batch with its per-item outcomes, and it classifies provider errors so
 * callers can tell "rejected" from "outcome unknown".
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - go.uber.org/zap: Structured logging.
 *
 * @notes
 * - Amounts cross this boundary as decimal strings ("12.34"); inside the service they are
 *   int64 cents. FormatAmount/ParseAmount convert between the two.
 * - sender_batch_id is the provider-side idempotency key. Resubmitting a used id is
 *   reported as a duplicate rather than creating a second payout.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client is a client for the payout provider API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new payout provider client.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(zap.String("component", "payout_client")),
	}
}

// Money is the provider's amount representation.
type Money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// SenderBatchHeader identifies a submitted batch on the sender side.
type SenderBatchHeader struct {
	SenderBatchID string `json:"sender_batch_id"`
	EmailSubject  string `json:"email_subject,omitempty"`
	RecipientType string `json:"recipient_type,omitempty"`
}

// PayoutItem is one recipient of a submitted batch.
type PayoutItem struct {
	RecipientType string `json:"recipient_type"`
	Amount        Money  `json:"amount"`
	Receiver      string `json:"receiver"`
	SenderItemID  string `json:"sender_item_id"`
	Note          string `json:"note,omitempty"`
}

// SubmitBatchRequest represents the payload for creating a batch payout.
type SubmitBatchRequest struct {
	SenderBatchHeader SenderBatchHeader `json:"sender_batch_header"`
	Items             []PayoutItem      `json:"items"`
}

// BatchHeader is the provider's view of a batch.
type BatchHeader struct {
	PayoutBatchID     string            `json:"payout_batch_id"`
	BatchStatus       string            `json:"batch_status"`
	SenderBatchHeader SenderBatchHeader `json:"sender_batch_header"`
	TimeCreated       *time.Time        `json:"time_created,omitempty"`
	TimeCompleted     *time.Time        `json:"time_completed,omitempty"`
}

// SubmitBatchResponse is the expected response from the create batch endpoint.
type SubmitBatchResponse struct {
	BatchHeader BatchHeader `json:"batch_header"`
}

// ItemError is the provider's per-item failure detail.
type ItemError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// BatchItem is one item of a fetched batch.
type BatchItem struct {
	PayoutItemID      string     `json:"payout_item_id"`
	TransactionStatus string     `json:"transaction_status"`
	PayoutBatchID     string     `json:"payout_batch_id"`
	PayoutItem        PayoutItem `json:"payout_item"`
	TimeProcessed     *time.Time `json:"time_processed,omitempty"`
	Errors            *ItemError `json:"errors,omitempty"`
}

// BatchDetails is the response of the get batch endpoint.
type BatchDetails struct {
	BatchHeader BatchHeader `json:"batch_header"`
	Items       []BatchItem `json:"items"`
}

// ErrorResponse represents an error from the provider API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	DebugID    string `json:"debug_id"`
	Details    []struct {
		Field string `json:"field"`
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e *ErrorResponse) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("payout api error (status %d): %s - %s", e.StatusCode, e.Name, e.Message)
	}
	return fmt.Sprintf("payout api error (status %d)", e.StatusCode)
}

// IsTransient reports whether the request may have been, or may later be, processed:
// rate limiting and server errors leave the outcome unknown.
func (e *ErrorResponse) IsTransient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsDuplicateSenderBatch reports whether the provider already accepted this sender batch id.
func (e *ErrorResponse) IsDuplicateSenderBatch() bool {
	return e.StatusCode == http.StatusConflict || e.Name == "SENDER_BATCH_ID_ALREADY_USED"
}

// IsTransientError reports whether err leaves a provider call's outcome unknown. Network
// failures and timeouts are transient; only a definite 4xx rejection is not.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *ErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.IsTransient()
	}
	return true
}

// SubmitBatch creates a batch payout.
func (c *Client) SubmitBatch(ctx context.Context, payload SubmitBatchRequest) (*SubmitBatchResponse, error) {
	var resp SubmitBatchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments/payouts", payload, &resp, "submit_batch"); err != nil {
		return nil, err
	}
	if resp.BatchHeader.PayoutBatchID == "" {
		return nil, fmt.Errorf("payout api returned no payout_batch_id for sender batch %s", payload.SenderBatchHeader.SenderBatchID)
	}
	return &resp, nil
}

// GetBatch fetches a batch and its items.
func (c *Client) GetBatch(ctx context.Context, providerBatchID string) (*BatchDetails, error) {
	var resp BatchDetails
	path := "/v1/payments/payouts/" + url.PathEscape(providerBatchID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, "get_batch"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}, op string) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			c.logger.Warn("non-2xx response with unparsable error body",
				zap.String("op", op), zap.Int("status", resp.StatusCode))
		} else {
			c.logger.Warn("non-2xx response",
				zap.String("op", op), zap.Int("status", resp.StatusCode),
				zap.String("name", errResp.Name), zap.String("debug_id", errResp.DebugID))
		}
		return errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// FormatAmount renders cents as the provider's decimal string.
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// ParseAmount converts a provider decimal string to cents. At most two fractional digits
// are accepted.
func ParseAmount(value string) (int64, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, errors.New("empty amount")
	}
	negative := strings.HasPrefix(v, "-")
	v = strings.TrimPrefix(v, "-")

	whole, frac, _ := strings.Cut(v, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimal places", value)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	total := units*100 + cents
	if negative {
		total = -total
	}
	return total, nil
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amelin/walletgate/internal/logger"
)

// Error codes
// Network errors are transient and worth retrying, a rejection is the
// provider's authoritative no and must not be retried
const (
	CodeNetwork  = "network"
	CodeRejected = "rejected"
)

// Provider-reported transaction statuses
const (
	StatusPending = "pending"
	StatusSettled = "settled"
	StatusFailed  = "failed"
)

const requestTimeout = 5 * time.Second

type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %s, message: %s, error: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(code string, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Wire format of the payment provider. Submissions carry the ledger entry id
// as order id, so resubmitting the same entry is deduplicated on their side
type submitRequest struct {
	PlayerID string          `json:"playerId"`
	OrderID  string          `json:"orderId"`
	Amount   decimal.Decimal `json:"amt"`
}

type submitResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

type Client struct {
	ProviderAddr string

	client *http.Client
	logger logger.Logger
}

func NewClient(addr string, logger logger.Logger) *Client {
	return &Client{
		ProviderAddr: addr,
		client:       &http.Client{},
		logger:       logger,
	}
}

// SubmitCredit registers a deposit with the provider and returns its reference
func (c *Client) SubmitCredit(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, amount decimal.Decimal) (string, error) {
	return c.submit(ctx, "/api/deposits", userID, entryID, amount)
}

// SubmitDebit registers a withdrawal with the provider and returns its reference
func (c *Client) SubmitDebit(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, amount decimal.Decimal) (string, error) {
	return c.submit(ctx, "/api/withdrawals", userID, entryID, amount)
}

func (c *Client) submit(ctx context.Context, path string, userID uuid.UUID, entryID uuid.UUID, amount decimal.Decimal) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	payload, err := json.Marshal(submitRequest{
		PlayerID: userID.String(),
		OrderID:  entryID.String(),
		Amount:   amount,
	})
	if err != nil {
		return "", NewError(CodeNetwork, "", fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ProviderAddr+path, bytes.NewReader(payload))
	if err != nil {
		return "", NewError(CodeNetwork, "", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", NewError(CodeNetwork, "", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	var body submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// No parseable body counts as transient, whatever the status code
		c.logger.Warn("Failed to decode provider response", "status_code", resp.StatusCode, "error", err)
		return "", NewError(CodeNetwork, "", fmt.Errorf("failed to decode response: %w", err))
	}

	switch {
	case body.Success && body.TransactionID != "":
		c.logger.Debug("Provider accepted submission", "entry_id", entryID, "ref", body.TransactionID)
		return body.TransactionID, nil
	case body.Success:
		return "", NewError(CodeNetwork, "", fmt.Errorf("provider accepted but sent no transaction id"))
	case body.Message != "":
		// Structured rejection is authoritative
		c.logger.Info("Provider rejected submission", "entry_id", entryID, "message", body.Message)
		return "", NewError(CodeRejected, body.Message, fmt.Errorf("provider rejected submission"))
	default:
		return "", NewError(CodeNetwork, "", fmt.Errorf("unexpected provider response, status code %d", resp.StatusCode))
	}
}

// PollStatus asks the provider for the authoritative status of a submitted transaction
func (c *Client) PollStatus(ctx context.Context, providerRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	query := url.Values{"transactionId": {providerRef}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ProviderAddr+"/api/transactions?"+query.Encode(), nil)
	if err != nil {
		return "", NewError(CodeNetwork, "", fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", NewError(CodeNetwork, "", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Warn("Failed to decode provider status", "status_code", resp.StatusCode, "error", err)
		return "", NewError(CodeNetwork, "", fmt.Errorf("failed to decode response: %w", err))
	}

	if !body.Success {
		if body.Message != "" {
			return "", NewError(CodeRejected, body.Message, fmt.Errorf("provider rejected status query"))
		}
		return "", NewError(CodeNetwork, "", fmt.Errorf("unexpected provider response, status code %d", resp.StatusCode))
	}

	switch body.Status {
	case StatusPending, StatusSettled, StatusFailed:
		c.logger.Debug("Provider status", "ref", providerRef, "status", body.Status)
		return body.Status, nil
	default:
		return "", NewError(CodeNetwork, "", fmt.Errorf("unknown provider status %q", body.Status))
	}
}

package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tipcall/tipcall/internal/config"
)

type transferRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type transferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type providerErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type httpAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPAdapter(cfg config.Config) Adapter {
	return &httpAdapter{
		baseURL: strings.TrimRight(cfg.ProviderBaseURL, "/"),
		apiKey:  cfg.ProviderAPIKey,
		client:  &http.Client{Timeout: cfg.ProviderTimeout},
	}
}

func (c *httpAdapter) SubmitTransfer(ctx context.Context, idempotencyKey, destination string, amountTokens int64) (TransferResult, error) {
	if c.baseURL == "" {
		return TransferResult{}, permanentf("settlement provider not configured")
	}
	if strings.TrimSpace(destination) == "" {
		return TransferResult{}, permanentf("empty destination")
	}

	body, err := json.Marshal(transferRequest{
		Destination: destination,
		Amount:      amountTokens,
		Currency:    "token",
	})
	if err != nil {
		return TransferResult{}, permanentf("encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return TransferResult{}, permanentf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable; the idempotency
		// key makes the retry safe even if the first call went through.
		if errors.Is(err, context.DeadlineExceeded) {
			return TransferResult{}, transientf("provider timeout")
		}
		return TransferResult{}, transientf("provider unreachable: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out transferResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return TransferResult{}, transientf("decode response: %v", err)
		}
		return TransferResult{
			TransferID: out.ID,
			Status:     normalizeStatus(out.Status),
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return TransferResult{}, transientf("provider returned %d", resp.StatusCode)
	default:
		var failure providerErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		msg := failure.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return TransferResult{}, permanentf("provider rejected transfer: %s", msg)
	}
}

func normalizeStatus(raw string) TransferStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "paid":
		return TransferSucceeded
	case "failed":
		return TransferFailed
	default:
		return TransferPending
	}
}

// RetryBackoff returns the delay before attempt n is retried (1-based).
func RetryBackoff(attempt int) time.Duration {
	backoff := time.Duration(attempt*attempt) * 30 * time.Second
	if backoff > 30*time.Minute {
		backoff = 30 * time.Minute
	}
	return backoff
}

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"funding-service/internal/config"
	"funding-service/internal/models"

	"github.com/shopspring/decimal"
)

// Client is the second-channel gateway to the payment provider. It confirms
// that a transaction truly succeeded independent of the webhook payload.
//
// Two trust tiers exist: with a secret key configured, success comes from the
// provider's verify API; without one the client runs in sandbox mode and
// trusts the webhook's self-reported status. The tier is recorded in
// VerificationResult.Mode so the two never look alike in logs.
type Client struct {
	name       string
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		httpClient: &http.Client{
			Timeout: cfg.VerifyTimeout,
		},
	}
}

type verifyResponse struct {
	Status string `json:"status"`
	Data   *struct {
		Status string          `json:"status"`
		Amount decimal.Decimal `json:"amount"`
	} `json:"data"`
}

// Verify checks the transaction with the provider. A transport error, timeout
// or non-success response always yields Verified=false, never a silent
// success. Retry policy belongs to the caller.
func (c *Client) Verify(ctx context.Context, n models.WebhookNotification) (models.VerificationResult, error) {
	if c.secretKey == "" {
		// Sandbox mode: no credential to call the verify API with, trust the
		// self-reported webhook status.
		status := strings.ToLower(n.Status)
		verified := status == "successful" || status == "success"
		return models.VerificationResult{
			Verified: verified,
			Amount:   n.Amount,
			Mode:     models.VerifyModeSandbox,
		}, nil
	}

	verifyURL := fmt.Sprintf("%s/v3/transactions/verify_by_reference?tx_ref=%s",
		c.baseURL, url.QueryEscape(n.Reference))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, verifyURL, nil)
	if err != nil {
		return models.VerificationResult{Mode: models.VerifyModeAPI}, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.VerificationResult{Mode: models.VerifyModeAPI}, fmt.Errorf("provider verify call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.VerificationResult{Mode: models.VerifyModeAPI}, fmt.Errorf("provider verify returned status %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.VerificationResult{Mode: models.VerifyModeAPI}, fmt.Errorf("failed to decode verify response: %w", err)
	}

	if body.Status != "success" || body.Data == nil {
		log.Printf("Provider %s declined verification for reference %s: status=%s", c.name, n.Reference, body.Status)
		return models.VerificationResult{Mode: models.VerifyModeAPI}, nil
	}

	return models.VerificationResult{
		Verified: true,
		Amount:   body.Data.Amount,
		Mode:     models.VerifyModeAPI,
	}, nil
}

// Package transfer moves stablecoin between custodial wallets through the
// wallet-engine HTTP API. The engine signs and broadcasts; this adapter only
// requests transfers and reports the resulting hash.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TransferError is any on-chain, signing or engine-side failure.
type TransferError struct {
	Status  int
	Message string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (%d): %s", e.Status, e.Message)
}

// Request describes one stablecoin movement. An empty From means the
// platform custody wallet.
type Request struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Chain  string `json:"chain"`
	Token  string `json:"token"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(baseURL, apiKey string, timeoutMS int, log *zap.Logger) *Client {
	timeout := 60 * time.Second
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Transfer submits the movement and returns the transaction hash.
func (c *Client) Transfer(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/wallets/%s/transfer", c.baseURL, req.Chain)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("wallet engine unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &TransferError{Status: resp.StatusCode, Message: string(body)}
	}

	var result struct {
		TransactionHash string `json:"transaction_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.TransactionHash == "" {
		return "", &TransferError{Status: resp.StatusCode, Message: "engine returned no transaction hash"}
	}

	c.log.Debug("transfer submitted",
		zap.String("chain", req.Chain),
		zap.String("token", req.Token),
		zap.String("hash", result.TransactionHash),
	)
	return result.TransactionHash, nil
}

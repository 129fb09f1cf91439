// Package mpesa is a thin adapter over the Daraja mobile-money API: STK push
// debits, B2C payouts and B2B paybill/till payments. Vendor specifics stay
// here; callers see only Result.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Result is the provider-agnostic outcome of an initiation request.
// Accepted means the gateway queued the request; final settlement arrives
// later on the callback URLs.
type Result struct {
	Accepted          bool
	ProviderReference string
	ErrorMessage      string
}

type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	Shortcode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	CallbackURL        string
	ResultURL          string
	TimeoutMS          int
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	timeout := 30 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// accessToken returns a cached OAuth token, refreshing when it is within
// 30 seconds of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-30*time.Second)) {
		return c.token, nil
	}

	url := fmt.Sprintf("%s/oauth/v1/generate?grant_type=client_credentials", c.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}

	ttl := 3600
	if v, err := strconv.Atoi(tok.ExpiresIn); err == nil && v > 0 {
		ttl = v
	}
	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(ttl) * time.Second)
	return c.token, nil
}

// InitiateDeposit re/initiates an STK push debit against the subscriber.
// phone must already be in international numeric form.
func (c *Client) InitiateDeposit(ctx context.Context, phone, amount, accountReference string) (*Result, error) {
	kes, err := wholeKES(amount)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")
	body := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          stkPassword(c.cfg.Shortcode, c.cfg.Passkey, timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            kes,
		"PartyA":            phone,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  accountReference,
		"TransactionDesc":   "PesaBridge deposit",
	}

	var resp struct {
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ErrorMessage        string `json:"errorMessage"`
	}
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", body, &resp); err != nil {
		return nil, err
	}

	if resp.ResponseCode != "0" {
		return &Result{Accepted: false, ErrorMessage: firstNonEmpty(resp.ErrorMessage, resp.ResponseDescription)}, nil
	}
	return &Result{Accepted: true, ProviderReference: resp.CheckoutRequestID}, nil
}

// InitiateWithdrawal re/initiates a B2C disbursement to the subscriber.
func (c *Client) InitiateWithdrawal(ctx context.Context, phone, amount, remarks string) (*Result, error) {
	kes, err := wholeKES(amount)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"InitiatorName":      c.cfg.InitiatorName,
		"SecurityCredential": c.cfg.SecurityCredential,
		"CommandID":          "BusinessPayment",
		"Amount":             kes,
		"PartyA":             c.cfg.Shortcode,
		"PartyB":             phone,
		"Remarks":            remarks,
		"QueueTimeOutURL":    c.cfg.ResultURL,
		"ResultURL":          c.cfg.ResultURL,
		"Occasion":           "PesaBridge payout",
	}

	var resp struct {
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		ConversationID      string `json:"ConversationID"`
		ErrorMessage        string `json:"errorMessage"`
	}
	if err := c.post(ctx, "/mpesa/b2c/v1/paymentrequest", body, &resp); err != nil {
		return nil, err
	}

	if resp.ResponseCode != "0" {
		return &Result{Accepted: false, ErrorMessage: firstNonEmpty(resp.ErrorMessage, resp.ResponseDescription)}, nil
	}
	return &Result{Accepted: true, ProviderReference: resp.ConversationID}, nil
}

// InitiateBusinessPayment pays a paybill or till on the user's behalf.
// commandID is "BusinessPayBill" or "BusinessBuyGoods".
func (c *Client) InitiateBusinessPayment(ctx context.Context, commandID, destShortcode, accountReference, amount string) (*Result, error) {
	kes, err := wholeKES(amount)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"Initiator":              c.cfg.InitiatorName,
		"SecurityCredential":     c.cfg.SecurityCredential,
		"CommandID":              commandID,
		"SenderIdentifierType":   "4",
		"RecieverIdentifierType": "4",
		"Amount":                 kes,
		"PartyA":                 c.cfg.Shortcode,
		"PartyB":                 destShortcode,
		"AccountReference":       accountReference,
		"Remarks":                "PesaBridge bill payment",
		"QueueTimeOutURL":        c.cfg.ResultURL,
		"ResultURL":              c.cfg.ResultURL,
	}

	var resp struct {
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		ConversationID      string `json:"ConversationID"`
		ErrorMessage        string `json:"errorMessage"`
	}
	if err := c.post(ctx, "/mpesa/b2b/v1/paymentrequest", body, &resp); err != nil {
		return nil, err
	}

	if resp.ResponseCode != "0" {
		return &Result{Accepted: false, ErrorMessage: firstNonEmpty(resp.ErrorMessage, resp.ResponseDescription)}, nil
	}
	return &Result{Accepted: true, ProviderReference: resp.ConversationID}, nil
}

// post sends an authenticated JSON request. 5xx and transport failures come
// back as errors so the caller's backoff wrapper can retry them; 4xx bodies
// are decoded into out (business rejections, not retryable).
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding gateway response: %w", err)
	}
	return nil
}

// stkPassword is the Daraja STK password: base64(shortcode+passkey+timestamp).
func stkPassword(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// wholeKES parses a numeric-as-string amount and rounds up to the whole
// shillings the gateway requires.
func wholeKES(amount string) (int64, error) {
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	return int64(math.Ceil(v)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

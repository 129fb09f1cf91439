package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow statuses
const (
	EscrowStatusPending   = "pending"
	EscrowStatusCompleted = "completed"
	EscrowStatusFailed    = "failed"
	EscrowStatusReserved  = "reserved"
	EscrowStatusError     = "error"
	EscrowStatusExhausted = "exhausted"
)

// Transaction directions
const (
	DirectionFiatToCrypto    = "fiat_to_crypto"
	DirectionCryptoToFiat    = "crypto_to_fiat"
	DirectionCryptoToPaybill = "crypto_to_paybill"
	DirectionCryptoToTill    = "crypto_to_till"
)

// Valid state transitions: from -> []to.
// pending -> pending covers a re-initiated attempt accepted by the gateway
// while the previous push is still unresolved. error and exhausted are
// manual-reconciliation states and never leave automatically.
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusPending:   {EscrowStatusPending, EscrowStatusCompleted, EscrowStatusFailed, EscrowStatusReserved, EscrowStatusError, EscrowStatusExhausted},
	EscrowStatusFailed:    {EscrowStatusPending, EscrowStatusFailed, EscrowStatusReserved, EscrowStatusError, EscrowStatusExhausted},
	EscrowStatusReserved:  {EscrowStatusPending, EscrowStatusCompleted, EscrowStatusFailed, EscrowStatusError, EscrowStatusExhausted},
	EscrowStatusCompleted: {},
	EscrowStatusError:     {},
	EscrowStatusExhausted: {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// EscrowRecord is one fiat<->crypto conversion and its lifecycle state.
// Amounts are numeric-as-string so they round-trip exactly.
type EscrowRecord struct {
	ID               uuid.UUID      `json:"id"`
	TransactionID    string         `json:"transaction_id"`
	UserID           uuid.UUID      `json:"user_id"`
	Direction        string         `json:"direction"`
	FiatAmount       string         `json:"fiat_amount"`
	CryptoAmount     string         `json:"crypto_amount"`
	Status           string         `json:"status"`
	GatewayReference *string        `json:"gateway_reference,omitempty"`
	TransferHash     *string        `json:"transfer_hash,omitempty"`
	RetryCount       int            `json:"retry_count"`
	LastRetryAt      *time.Time     `json:"last_retry_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Metadata keys for withdrawal routing.
const (
	MetaChain            = "chain"
	MetaToken            = "token"
	MetaPaybillNumber    = "paybill_number"
	MetaTillNumber       = "till_number"
	MetaAccountReference = "account_reference"
)

// RetryEligible mirrors the retry-candidate scan predicate: budget not
// spent, created inside the age window, and not in a state the engine must
// never touch again.
func (e *EscrowRecord) RetryEligible(now time.Time, ageWindow time.Duration, maxRetries int) bool {
	switch e.Status {
	case EscrowStatusCompleted, EscrowStatusExhausted, EscrowStatusError:
		return false
	}
	if e.RetryCount >= maxRetries {
		return false
	}
	return e.CreatedAt.After(now.Add(-ageWindow))
}

// MetaString returns a string metadata value, or fallback when absent.
func (e *EscrowRecord) MetaString(key, fallback string) string {
	if e.Metadata == nil {
		return fallback
	}
	if v, ok := e.Metadata[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

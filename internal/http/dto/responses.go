package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  any    `json:"user"`
}

type FeeQuoteResponse struct {
	Direction string  `json:"direction"`
	AmountKES string  `json:"amount_kes"`
	FeeKES    float64 `json:"fee_kes"`
}

type RetryCycleResponse struct {
	DepositsReinitiated    int `json:"deposits_reinitiated"`
	WithdrawalsReinitiated int `json:"withdrawals_reinitiated"`
}

package dto

type CreateDepositRequest struct {
	FiatAmount   string `json:"fiat_amount"`
	CryptoAmount string `json:"crypto_amount"`
	Chain        string `json:"chain,omitempty"`
	Token        string `json:"token,omitempty"`
}

type CreateWithdrawalRequest struct {
	Direction        string `json:"direction"` // crypto_to_fiat, crypto_to_paybill, crypto_to_till
	FiatAmount       string `json:"fiat_amount"`
	CryptoAmount     string `json:"crypto_amount"`
	Chain            string `json:"chain,omitempty"`
	Token            string `json:"token,omitempty"`
	PaybillNumber    string `json:"paybill_number,omitempty"`
	TillNumber       string `json:"till_number,omitempty"`
	AccountReference string `json:"account_reference,omitempty"`
}

type DevTokenRequest struct {
	PhoneNumber   string  `json:"phone_number"`
	WalletAddress *string `json:"wallet_address,omitempty"`
}

// StkCallbackRequest mirrors the Daraja STK push result envelope.
type StkCallbackRequest struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// B2CResultRequest mirrors the Daraja B2C/B2B result envelope.
type B2CResultRequest struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
	} `json:"Result"`
}

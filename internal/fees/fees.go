// Package fees holds the fixed platform fee schedule. Fees are a tiered
// lookup on the KES amount, not a percentage.
package fees

import (
	"errors"
	"fmt"

	"github.com/pesabridge/backend/internal/models"
)

var ErrOutOfRange = errors.New("amount outside supported range")

type band struct {
	upTo float64 // inclusive upper bound, KES
	fee  float64 // flat fee, KES
}

// Deposit (STK push) bands.
var depositBands = []band{
	{100, 0},
	{500, 7},
	{1000, 13},
	{2500, 33},
	{5000, 57},
	{10000, 90},
	{25000, 105},
	{70000, 108},
	{150000, 108},
}

// Payout (B2C / paybill / till) bands carry the disbursement cost.
var payoutBands = []band{
	{100, 0},
	{500, 9},
	{1000, 15},
	{2500, 39},
	{5000, 69},
	{10000, 99},
	{25000, 139},
	{70000, 148},
	{150000, 148},
}

// Lookup returns the flat fee in KES for the given direction and amount.
func Lookup(direction string, amountKES float64) (float64, error) {
	if amountKES <= 0 {
		return 0, fmt.Errorf("%w: %.2f", ErrOutOfRange, amountKES)
	}

	var bands []band
	switch direction {
	case models.DirectionFiatToCrypto:
		bands = depositBands
	case models.DirectionCryptoToFiat, models.DirectionCryptoToPaybill, models.DirectionCryptoToTill:
		bands = payoutBands
	default:
		return 0, fmt.Errorf("unknown direction %q", direction)
	}

	for _, b := range bands {
		if amountKES <= b.upTo {
			return b.fee, nil
		}
	}
	return 0, fmt.Errorf("%w: %.2f exceeds %.0f KES", ErrOutOfRange, amountKES, bands[len(bands)-1].upTo)
}

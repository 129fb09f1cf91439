// Package phone normalizes MSISDNs to the international numeric form the
// mobile-money gateway expects.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("invalid phone number")

// subscriberDigits is the national significant number length for Kenyan
// mobile numbers (7XXXXXXXX / 1XXXXXXXX).
const subscriberDigits = 9

// Normalize converts a user-entered phone number to <countryCode><subscriber>
// digits, e.g. "0712345678" -> "254712345678". Numbers already carrying the
// country code (with or without "+") pass through unchanged.
func Normalize(countryCode, msisdn string) (string, error) {
	s := strings.TrimSpace(msisdn)
	s = strings.TrimPrefix(s, "+")
	s = strings.NewReplacer(" ", "", "-", "").Replace(s)

	if s == "" || !allDigits(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, msisdn)
	}

	switch {
	case strings.HasPrefix(s, countryCode) && len(s) == len(countryCode)+subscriberDigits:
		return s, nil
	case strings.HasPrefix(s, "0") && len(s) == subscriberDigits+1:
		return countryCode + s[1:], nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalid, msisdn)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

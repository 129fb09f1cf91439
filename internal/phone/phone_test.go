package phone

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"0712345678", "254712345678", false},
		{"+254712345678", "254712345678", false},
		{"254712345678", "254712345678", false},
		{"0110123456", "254110123456", false},
		{" 0712 345-678 ", "254712345678", false},
		{"", "", true},
		{"not a number", "", true},
		{"+2547123", "", true},          // too short
		{"07123456789012", "", true},    // too long
		{"1712345678", "", true},        // no recognizable prefix
		{"712345678", "", true},         // missing leading 0 or country code
		{"+1254712345678", "", true},    // wrong country code
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Normalize("254", tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q) expected error, got %q", tt.input, got)
				}
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("Normalize(%q) error = %v, want ErrInvalid", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

// All accepted spellings of the same subscriber must normalize identically.
func TestNormalizeEquivalence(t *testing.T) {
	inputs := []string{"0712345678", "+254712345678", "254712345678"}

	first, err := Normalize("254", inputs[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, in := range inputs[1:] {
		got, err := Normalize("254", in)
		if err != nil {
			t.Fatalf("Normalize(%q) unexpected error: %v", in, err)
		}
		if got != first {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, first)
		}
	}
}

package domain

import (
	"fmt"
	"strings"
)

// NormalizeSymbol canonicalizes a ticker for use as a map and store key:
// surrounding whitespace is dropped and the remainder upper-cased.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol rejects tickers that cannot serve as store keys.
// Allowed characters are A-Z, 0-9, dot and dash (class shares like
// BRK.B, indices like SPX-500).
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-':
		default:
			return fmt.Errorf("invalid symbol %q: character %q not allowed", symbol, r)
		}
	}
	return nil
}

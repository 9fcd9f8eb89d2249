package model

import "strings"

// SplitSymbol breaks a "BASE/QUOTE" pair into its currencies. The second
// return is false when the symbol is not in pair form.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

package domain

import "strings"

// SplitPair parses a "SELL-ASK" pair identifier into its two asset types.
// It returns ErrInvalidInput for anything that is not exactly two non-empty
// segments.
func SplitPair(pair string) (sellType, askType string, err error) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidInput
	}
	return parts[0], parts[1], nil
}

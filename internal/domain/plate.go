package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPlate is returned when a plate canonicalizes to fewer than 2
	// or more than 10 characters.
	ErrInvalidPlate = errors.New("invalid plate")
	// ErrInvalidPlateState is returned when a state code is not exactly two
	// letters.
	ErrInvalidPlateState = errors.New("invalid plate state")
)

// CanonicalPlate uppercases a raw plate string and strips every character
// outside [A-Z0-9]. The result must be 2..10 characters long.
func CanonicalPlate(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	p := b.String()
	if len(p) < 2 || len(p) > 10 {
		return "", fmt.Errorf("%w: %q canonicalizes to %q (length %d)", ErrInvalidPlate, raw, p, len(p))
	}
	return p, nil
}

// CanonicalPlateState uppercases a state/province code and requires exactly
// two letters.
func CanonicalPlateState(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) != 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlateState, raw)
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPlateState, raw)
		}
	}
	return s, nil
}

// PlateKey is the cache/partition key for a canonical plate within a state.
func PlateKey(plate, state string) string {
	return plate + "|" + state
}

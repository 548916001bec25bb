// Package phone turns verified phone numbers into lookup keys. Raw numbers are
// never stored; only the derived key reaches persistence.
package phone

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kindlyrobotics/phonebox/internal/common"
)

const (
	minDigits = 8
	maxDigits = 15 // E.164
)

var (
	formatting = regexp.MustCompile(`[\s\-.()]`)
	e164       = regexp.MustCompile(`^\+[1-9]\d+$`)
)

// Normalize reduces a phone number to E.164 form (+ and digits only).
// Numbers without an explicit country code are rejected.
func Normalize(raw string) (string, error) {
	normalized := formatting.ReplaceAllString(strings.TrimSpace(raw), "")
	if normalized == "" {
		return "", fmt.Errorf("%w: empty phone number", common.ErrInvalidInput)
	}
	if !e164.MatchString(normalized) {
		return "", fmt.Errorf("%w: phone number must be in E.164 format", common.ErrInvalidInput)
	}
	digits := len(normalized) - 1
	if digits < minDigits || digits > maxDigits {
		return "", fmt.Errorf("%w: phone number must have %d to %d digits", common.ErrInvalidInput, minDigits, maxDigits)
	}
	return normalized, nil
}

// Last4 returns the last four digits for display, e.g. in logs
func Last4(normalized string) string {
	if len(normalized) < 4 {
		return normalized
	}
	return normalized[len(normalized)-4:]
}

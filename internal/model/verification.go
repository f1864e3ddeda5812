package model

import "strings"

type VerificationStatus string

const (
	VerificationValid   VerificationStatus = "valid"
	VerificationInvalid VerificationStatus = "invalid"
	VerificationRisky   VerificationStatus = "risky"
	VerificationUnknown VerificationStatus = "unknown"
)

// NormalizeEmail is the key used by the verification registry.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Package sql screens text that will be forwarded to the query engine, which turns it
// into SQL against the customer database.
package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on a field value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Field       string // Name of the field that failed the check
}

// CheckFieldForInjection uses libinjection to detect SQL injection patterns in value.
// Returns nil if the value is clean.
//
// Example:
//
//	result := CheckFieldForInjection("description", "active customers in Bandung")
//	// result == nil
//
//	result = CheckFieldForInjection("description", "'; DROP TABLE customers--")
//	// result.IsSQLi == true
func CheckFieldForInjection(field, value string) *InjectionCheckResult {
	if value == "" {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		Field:       field,
	}
}

// CheckDescriptionForInjection screens a segment description before it is sent to
// the query engine.
func CheckDescriptionForInjection(description string) *InjectionCheckResult {
	return CheckFieldForInjection("description", description)
}

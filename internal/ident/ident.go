// Package ident validates the caller-supplied identifiers that key all
// persisted and pooled state. Tenant and server ids appear in storage keys,
// log records, and signed tokens, so they are held to a strict charset.
package ident

import (
	"fmt"
	"regexp"
)

// maxLen bounds identifier length; ids are embedded in storage keys and
// bearer tokens, so unbounded input is rejected outright.
const maxLen = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidTenantID reports whether s is an acceptable tenant identifier.
func ValidTenantID(s string) bool {
	return valid(s)
}

// ValidServerID reports whether s is an acceptable server identifier.
func ValidServerID(s string) bool {
	return valid(s)
}

// CheckTenantID returns a descriptive error for an invalid tenant id.
func CheckTenantID(s string) error {
	if !valid(s) {
		return fmt.Errorf("invalid tenant id %q", s)
	}
	return nil
}

// CheckServerID returns a descriptive error for an invalid server id.
func CheckServerID(s string) error {
	if !valid(s) {
		return fmt.Errorf("invalid server id %q", s)
	}
	return nil
}

func valid(s string) bool {
	if s == "" || len(s) > maxLen {
		return false
	}
	return idPattern.MatchString(s)
}

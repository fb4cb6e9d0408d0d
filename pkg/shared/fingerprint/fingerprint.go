// Package fingerprint provides the stable identifiers used for replay detection.
//
// IMPORTANT: fingerprints are the primary key of the settlement ledger.
// Any change to the algorithms below makes already-paid vulnerabilities
// look new again, so changes must ship with a ledger migration.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Type represents the identity scheme used to build a fingerprint.
type Type string

const (
	// TypeClaim identifies a vulnerability by the audit ID its claim was filed under.
	TypeClaim Type = "claim"

	// TypeVulnerability identifies a vulnerability by what was broken, independent
	// of who reported it or under which audit ID.
	TypeVulnerability Type = "vuln"

	// TypeContract identifies a vulnerability in a deployed contract.
	TypeContract Type = "contract"
)

// Input contains the data needed to generate a fingerprint.
// Only the fields relevant for Type are read.
type Input struct {
	Type Type

	// Claim fields
	AuditID string

	// Vulnerability fields
	TargetID  string // Target system identifier
	Class     string // Vulnerability class (e.g., "secret_disclosure")
	Component string // Affected component or endpoint

	// Contract fields
	ContractAddress string
	ChainID         int
	Circuit         string // Circuit or entry point the proof was produced for
}

// Generate creates a fingerprint for the given input.
// The fingerprint is a SHA256 hash (64 hex characters).
func Generate(input Input) string {
	var data string

	switch input.Type {
	case TypeVulnerability:
		data = fmt.Sprintf("vuln:%s:%s:%s",
			normalize(input.TargetID),
			normalize(input.Class),
			normalize(input.Component),
		)

	case TypeContract:
		data = fmt.Sprintf("contract:%d:%s:%s",
			input.ChainID,
			normalizeAddress(input.ContractAddress),
			normalize(input.Circuit),
		)

	default:
		data = "claim:" + normalize(input.AuditID)
	}

	return Hash(data)
}

// Claim is the fingerprint of a claim filed under auditID.
// Audit IDs differing only in case or surrounding whitespace share a fingerprint.
func Claim(auditID string) string {
	return Generate(Input{Type: TypeClaim, AuditID: auditID})
}

// Vulnerability is the fingerprint of a vulnerability class on a target component.
func Vulnerability(targetID, class, component string) string {
	return Generate(Input{
		Type:      TypeVulnerability,
		TargetID:  targetID,
		Class:     class,
		Component: component,
	})
}

// Hash computes SHA256 hash of the input string.
// Returns 64 hex characters.
func Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// normalize trims whitespace and lowercases.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeAddress lowercases and ensures the 0x prefix.
func normalizeAddress(addr string) string {
	addr = normalize(addr)
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// IsValid reports whether s looks like a fingerprint produced by this package.
func IsValid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

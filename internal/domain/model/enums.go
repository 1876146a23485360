package model

import "strings"

// ValidationResult is the outcome of validating a license key for a plugin.
type ValidationResult string

const (
	ResultValid            ValidationResult = "VALID"
	ResultNotFound         ValidationResult = "NOT_FOUND"
	ResultWrongPlugin      ValidationResult = "WRONG_PLUGIN"
	ResultExpired          ValidationResult = "EXPIRED"
	ResultRevoked          ValidationResult = "REVOKED"
	ResultSignatureInvalid ValidationResult = "SIGNATURE_INVALID"
	ResultRemoteError      ValidationResult = "REMOTE_ERROR"
)

var validationResults = []ValidationResult{
	ResultValid,
	ResultNotFound,
	ResultWrongPlugin,
	ResultExpired,
	ResultRevoked,
	ResultSignatureInvalid,
	ResultRemoteError,
}

// ParseValidationResult maps a result code to a ValidationResult, ignoring case.
// The second return value is false for unknown codes, in which case the result
// is ResultRemoteError.
func ParseValidationResult(raw string) (ValidationResult, bool) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	for _, r := range validationResults {
		if string(r) == upper {
			return r, true
		}
	}
	return ResultRemoteError, false
}

// Mode selects which authority the license service trusts.
type Mode string

const (
	ModeLocal  Mode = "LOCAL"  // Local store only; the panel is never contacted.
	ModeRemote Mode = "REMOTE" // Panel is authoritative; no local fallback on reads.
	ModeHybrid Mode = "HYBRID" // Panel first, local store when the panel is unavailable.
)

// ParseMode parses a configured mode, ignoring case. Empty or unknown values
// fall back to ModeHybrid.
func ParseMode(raw string) Mode {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(raw))); m {
	case ModeLocal, ModeRemote, ModeHybrid:
		return m
	default:
		return ModeHybrid
	}
}

// StorageType selects the persistent store backend.
type StorageType string

const (
	StorageYAML     StorageType = "YAML"
	StorageSQLite   StorageType = "SQLITE"
	StorageBolt     StorageType = "BOLT"
	StorageMySQL    StorageType = "MYSQL"
	StoragePostgres StorageType = "POSTGRES"
)

// ParseStorageType parses a configured storage backend, ignoring case. Empty or
// unknown values fall back to StorageSQLite.
func ParseStorageType(raw string) StorageType {
	switch s := StorageType(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StorageYAML, StorageSQLite, StorageBolt, StorageMySQL, StoragePostgres:
		return s
	default:
		return StorageSQLite
	}
}

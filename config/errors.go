package config

import (
	"fmt"
	"strings"
)

// LoadError is returned when a document cannot be read or parsed.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load config %s: %s", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }
func (e *LoadError) Cause() error  { return e.Err }

// SaveError is returned when a document cannot be written.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string { return fmt.Sprintf("save config %s: %s", e.Path, e.Err) }
func (e *SaveError) Unwrap() error { return e.Err }
func (e *SaveError) Cause() error  { return e.Err }

// BackupError is returned when a backup cannot be taken.
type BackupError struct {
	Path string
	Err  error
}

func (e *BackupError) Error() string { return fmt.Sprintf("backup config %s: %s", e.Path, e.Err) }
func (e *BackupError) Unwrap() error { return e.Err }
func (e *BackupError) Cause() error  { return e.Err }

// RestoreReason tells apart the ways a restore can be refused.
type RestoreReason int

const (
	RestoreFailed RestoreReason = iota
	RestoreMissing
	RestoreCorrupted
)

func (r RestoreReason) String() string {
	switch r {
	case RestoreMissing:
		return "backup missing"
	case RestoreCorrupted:
		return "backup corrupted"
	default:
		return "restore failed"
	}
}

// RestoreError is returned when a backup cannot be restored. For a checksum
// mismatch Expected and Actual hold the two digests.
type RestoreError struct {
	Path     string
	Reason   RestoreReason
	Expected string
	Actual   string
	Err      error
}

func (e *RestoreError) Error() string {
	msg := fmt.Sprintf("restore config %s: %s", e.Path, e.Reason)
	if e.Reason == RestoreCorrupted {
		msg += fmt.Sprintf(" (checksum %s, want %s)", e.Actual, e.Expected)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RestoreError) Unwrap() error { return e.Err }

// ValidationError carries a failed ValidationResult.
type ValidationError struct {
	Path   string
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s is invalid: %s", e.Path, strings.Join(e.Result.Errors, "; "))
}

// EnvironmentVariableError means a sensitive placeholder had neither an
// environment value nor a default.
type EnvironmentVariableError struct {
	Path string
	Name string
}

func (e *EnvironmentVariableError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("required sensitive environment variable %s is not set", e.Name)
	}
	return fmt.Sprintf("config %s: required sensitive environment variable %s is not set", e.Path, e.Name)
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMapping             = errors.New("mapping error")
	ErrAudit               = errors.New("audit error")
	ErrTransactionInactive = errors.New("transaction is not active")
	ErrRevisionNotFound    = errors.New("revision not found")
	ErrNotFound            = errors.New("not found")
)

// ErrEventRejected marks a publish failure that retrying cannot fix.
var ErrEventRejected = errors.New("event rejected")

// MappingError reports a malformed identifier or inconsistent metadata.
// It is fatal and never retried.
type MappingError struct {
	Entity   EntityName
	Property string
	Reason   string
}

func (e *MappingError) Error() string {
	switch {
	case e.Entity != "" && e.Property != "":
		return fmt.Sprintf("mapping error: %s.%s: %s", e.Entity, e.Property, e.Reason)
	case e.Entity != "":
		return fmt.Sprintf("mapping error: %s: %s", e.Entity, e.Reason)
	default:
		return "mapping error: " + e.Reason
	}
}

func (e *MappingError) Is(target error) bool {
	return target == ErrMapping
}

func mappingErr(entity EntityName, property, format string, args ...any) error {
	return &MappingError{Entity: entity, Property: property, Reason: fmt.Sprintf(format, args...)}
}

// NewMappingError builds a MappingError with a formatted reason.
func NewMappingError(entity EntityName, property, format string, args ...any) error {
	return mappingErr(entity, property, format, args...)
}

// AuditError reports a precondition violation of the audit engine, such as a
// flush attempted outside an active transaction.
type AuditError struct {
	Op     string
	Reason string
	Err    error
}

func (e *AuditError) Error() string {
	msg := "audit error"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuditError) Is(target error) bool {
	return target == ErrAudit
}

func (e *AuditError) Unwrap() error {
	return e.Err
}

// NewAuditError builds an AuditError for op with a formatted reason.
func NewAuditError(op, format string, args ...any) error {
	return &AuditError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

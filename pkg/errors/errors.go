// Package errors defines custom error types for CRISP.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error cases.
var (
	ErrNotFound              = errors.New("resource not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("access forbidden")
	ErrInvalidInput          = errors.New("invalid input")
	ErrConflict              = errors.New("resource conflict")
	ErrInternalError         = errors.New("internal error")
	ErrDuplicateRelationship = fmt.Errorf("%w: trust relationship already exists", ErrConflict)
	ErrNotAParty             = fmt.Errorf("%w: organization is not a party to the relationship", ErrForbidden)
	ErrInvalidTransition     = errors.New("invalid relationship state transition")
	ErrPolicyViolation       = errors.New("policy violation")
	ErrPolicyInvalid         = errors.New("invalid policy")
	ErrValidationFailed      = errors.New("stix validation failed")
	ErrTAXIICompliance       = errors.New("object is not taxii compliant")
	ErrTransportUnavailable  = errors.New("sharing transport unavailable")
)

// ValidationError represents a validation error with field-specific details.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// AuthorizationError is returned when an organization acts on a relationship
// or group it is not entitled to change.
type AuthorizationError struct {
	OrgID          string
	RelationshipID string
	Operation      string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("organization '%s' may not %s relationship '%s'", e.OrgID, e.Operation, e.RelationshipID)
}

func (e *AuthorizationError) Unwrap() error {
	return ErrNotAParty
}

// NewAuthorizationError creates a new authorization error.
func NewAuthorizationError(orgID, relationshipID, operation string) *AuthorizationError {
	return &AuthorizationError{OrgID: orgID, RelationshipID: relationshipID, Operation: operation}
}

// NotFoundError names the kind of entity that was missing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransitionError represents a state change a relationship cannot make.
type TransitionError struct {
	RelationshipID string
	From           string
	Operation      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s relationship '%s' in status '%s'", e.Operation, e.RelationshipID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewTransitionError creates a new transition error.
func NewTransitionError(relationshipID, from, operation string) *TransitionError {
	return &TransitionError{RelationshipID: relationshipID, From: from, Operation: operation}
}

// PolicyError represents an error related to policy evaluation.
type PolicyError struct {
	PolicyID string
	Input    string
	Reason   string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy '%s' denied access: %s", e.PolicyID, e.Reason)
}

// NewPolicyError creates a new policy error.
func NewPolicyError(policyID, input, reason string) *PolicyError {
	return &PolicyError{PolicyID: policyID, Input: input, Reason: reason}
}

// Package models defines the core data structures for CrisisPipe.
//
// It includes the emotion, assessment and crisis event types shared across modules,
// the error taxonomy and the JSON envelope used by the HTTP API.
package models

import (
	"errors"
	"time"
)

// Error variables for better error handling and testability
var (
	// ErrInvalidInput reports a structurally malformed request or oracle result.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInsufficientSignal reports an empty fusion window.
	ErrInsufficientSignal = errors.New("insufficient signal")
	// ErrOracleUnavailable reports a scoring oracle that could not produce a result.
	ErrOracleUnavailable = errors.New("scoring oracle unavailable")
	// ErrNotFound reports an unknown crisis event or user record.
	ErrNotFound = errors.New("not found")
	// ErrCounselorUnavailable reports that no counselor could be reached.
	ErrCounselorUnavailable = errors.New("counselor unavailable")
	// ErrNoContacts reports that a user has no registered emergency contacts.
	ErrNoContacts = errors.New("no emergency contacts registered")
)

// Validation constants for input validation
const (
	// MaxUserIDLength bounds user identifiers accepted by the service.
	MaxUserIDLength = 128
	// MaxTextLength bounds the free text accepted for scoring.
	MaxTextLength = 8192
)

// ValidateUserID checks that a user identifier is usable as a per-user key.
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.Join(ErrInvalidInput, errors.New("user_id is required"))
	}
	if len(userID) > MaxUserIDLength {
		return errors.Join(ErrInvalidInput, errors.New("user_id exceeds maximum length"))
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Recorded creates a recorded API response.
func Recorded() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		Build()
}

// TimerInfo describes a pending timer registration.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description,omitempty"`
}

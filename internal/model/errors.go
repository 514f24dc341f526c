package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to API callers and status events
type ErrorKind string

const (
	KindInvalidCronExpression   ErrorKind = "InvalidCronExpression"
	KindInvalidRequest          ErrorKind = "InvalidRequest"
	KindNotFound                ErrorKind = "NotFound"
	KindUnauthorized            ErrorKind = "Unauthorized"
	KindNoCredential            ErrorKind = "NoCredential"
	KindCredentialRefreshFailed ErrorKind = "CredentialRefreshFailed"
	KindProviderFetchFailed     ErrorKind = "ProviderFetchFailed"
	KindProviderTimeout         ErrorKind = "ProviderTimeout"
	KindStorageWriteFailed      ErrorKind = "StorageWriteFailed"
	KindChannelBusy             ErrorKind = "ChannelBusy"
	KindQueueUnavailable        ErrorKind = "QueueUnavailable"
	KindInternal                ErrorKind = "Internal"
)

// Sub-kinds of KindCredentialRefreshFailed
const (
	ReasonRefreshDenied         = "RefreshDenied"
	ReasonTransientNetworkError = "TransientNetworkError"
)

// Error is the typed error of the orchestrator
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind, and on reason when the target sets one
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	// ErrInvalidCronExpression is returned when a cron expression does not parse
	ErrInvalidCronExpression = &Error{Kind: KindInvalidCronExpression}

	// ErrInvalidRequest is returned for malformed create or update payloads
	ErrInvalidRequest = &Error{Kind: KindInvalidRequest}

	// ErrNotFound is returned when a schedule, credential or channel does not exist
	ErrNotFound = &Error{Kind: KindNotFound}

	// ErrUnauthorized is returned when the caller does not own the channel
	ErrUnauthorized = &Error{Kind: KindUnauthorized}

	// ErrNoCredential is returned when no active credential exists for a channel
	ErrNoCredential = &Error{Kind: KindNoCredential}

	// ErrCredentialRefreshFailed matches every refresh failure
	ErrCredentialRefreshFailed = &Error{Kind: KindCredentialRefreshFailed}

	// ErrRefreshDenied matches refresh failures rejected by the provider
	ErrRefreshDenied = &Error{Kind: KindCredentialRefreshFailed, Reason: ReasonRefreshDenied}

	// ErrRefreshTransient matches refresh failures caused by the network or provider outage
	ErrRefreshTransient = &Error{Kind: KindCredentialRefreshFailed, Reason: ReasonTransientNetworkError}

	// ErrProviderFetchFailed is returned when the provider rejects or fails a fetch
	ErrProviderFetchFailed = &Error{Kind: KindProviderFetchFailed}

	// ErrProviderTimeout is returned when a provider call exceeds its deadline
	ErrProviderTimeout = &Error{Kind: KindProviderTimeout}

	// ErrStorageWriteFailed is returned when the storage gateway rejects a write
	ErrStorageWriteFailed = &Error{Kind: KindStorageWriteFailed}

	// ErrChannelBusy is returned when another job holds the channel lease
	ErrChannelBusy = &Error{Kind: KindChannelBusy}

	// ErrQueueUnavailable is returned when a job cannot be durably enqueued
	ErrQueueUnavailable = &Error{Kind: KindQueueUnavailable}
)

// NewError creates a typed error
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf creates a typed error with a formatted message
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RefreshError creates a CredentialRefreshFailed error with the given reason
func RefreshError(reason string, err error) *Error {
	return &Error{
		Kind:    KindCredentialRefreshFailed,
		Reason:  reason,
		Message: "credential refresh failed",
		Err:     err,
	}
}

// KindOf extracts the kind of err, or KindInternal for untyped errors
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Response is the structured failure body returned by synchronous API calls
type Response struct {
	Success bool      `json:"success"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
}

// ToResponse converts err into the API failure shape
func ToResponse(err error) Response {
	if err == nil {
		return Response{Success: true}
	}
	resp := Response{Success: false, Kind: KindOf(err), Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		resp.Reason = e.Reason
	}
	return resp
}

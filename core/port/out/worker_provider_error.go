package out

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the uniform failure taxonomy shared by adapters and the
// response engine.
type ErrorKind string

const (
	ErrKindAuth       ErrorKind = "auth"
	ErrKindTransient  ErrorKind = "transient"
	ErrKindProtocol   ErrorKind = "protocol"
	ErrKindGeneration ErrorKind = "generation"
	ErrKindSend       ErrorKind = "send"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	prefix := e.Provider + " " + string(e.Kind)
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return prefix + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the next poll may succeed without user action.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ErrKindTransient
}

func NewProviderError(provider string, kind ErrorKind, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Message: message, Err: err}
}

func AuthError(provider, message string, err error) *ProviderError {
	return NewProviderError(provider, ErrKindAuth, message, err)
}

func TransientError(provider, message string, err error) *ProviderError {
	return NewProviderError(provider, ErrKindTransient, message, err)
}

func ProtocolError(provider, message string, err error) *ProviderError {
	return NewProviderError(provider, ErrKindProtocol, message, err)
}

// KindOf classifies any error. Errors that are not ProviderErrors (deadline,
// cancellation, network) are transient so polling keeps going.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindTransient
}

// IsTimeout reports whether err came from a context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func IsAuthError(err error) bool {
	return err != nil && KindOf(err) == ErrKindAuth
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == ErrKindTransient
}

package out

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"auth", AuthError("gmail", "revoked", nil), ErrKindAuth},
		{"wrapped protocol", fmt.Errorf("poll: %w", ProtocolError("imap", "bad fetch", nil)), ErrKindProtocol},
		{"deadline", context.DeadlineExceeded, ErrKindTransient},
		{"unknown", errors.New("connection reset"), ErrKindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProviderErrorHelpers(t *testing.T) {
	cause := errors.New("401")
	err := AuthError("outlook", "token rejected", cause)

	if !IsAuthError(err) {
		t.Error("IsAuthError should be true")
	}
	if IsTransient(err) {
		t.Error("auth error is not transient")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should unwrap")
	}
	if err.Retryable() {
		t.Error("auth error is not retryable")
	}
	if !TransientError("gmail", "503", nil).Retryable() {
		t.Error("transient error should be retryable")
	}
	if IsAuthError(nil) {
		t.Error("nil is not an auth error")
	}
}

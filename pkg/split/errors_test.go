package split

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := newError(CodeInvalidAmount, "owed amount must be positive, got %d", -1)
	if CodeOf(err) != CodeInvalidAmount {
		t.Fatalf("expected %s, got %s", CodeInvalidAmount, CodeOf(err))
	}
	// Wrapped errors still resolve to their code.
	wrapped := fmt.Errorf("add participant: %w", err)
	if CodeOf(wrapped) != CodeInvalidAmount {
		t.Fatalf("wrapped code lost: %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Fatalf("foreign errors must map to %s", CodeUnknown)
	}
}

func TestCollaboratorErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Code: CodeTransferFailed, Message: "external transfer failed", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("cause must be reachable through Unwrap")
	}
	if err.Error() == "" || CodeOf(err) != CodeTransferFailed {
		t.Fatalf("unexpected error shape: %v", err)
	}
}

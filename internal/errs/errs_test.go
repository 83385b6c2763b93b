package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWrapped(t *testing.T) {
	base := Wrap(CodeSubmissionFailed, errors.New("connection reset"), "send tx")
	wrapped := fmt.Errorf("batch: %w", base)

	if got := CodeOf(wrapped); got != CodeSubmissionFailed {
		t.Fatalf("unexpected code: %s", got)
	}
	if !errors.Is(wrapped, New(CodeSubmissionFailed, "")) {
		t.Fatal("errors.Is should match by code")
	}
	if errors.Is(wrapped, New(CodeSimulationFailed, "")) {
		t.Fatal("errors.Is should not match a different code")
	}
	if wrapped.Error() != "batch: send tx: connection reset" {
		t.Fatalf("unexpected message: %q", wrapped.Error())
	}
}

func TestDefaultMessage(t *testing.T) {
	err := New(CodeInvalidPayload, "")
	if err.Message() != "invalid payload" {
		t.Fatalf("unexpected default message %q", err.Message())
	}
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors should map to UNKNOWN")
	}
	if IsCode(nil, CodeUnknown) {
		t.Fatal("nil error carries no code")
	}
}

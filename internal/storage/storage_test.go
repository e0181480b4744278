package storage

import (
	"context"
	"errors"
	"testing"
)

func TestUnavailable(t *testing.T) {
	err := Unavailable("zcard", context.DeadlineExceeded)

	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if errors.Is(err, ErrUnknownScript) {
		t.Fatal("unexpected ErrUnknownScript")
	}

	want := "storage: backend unavailable: zcard: context deadline exceeded"
	if err.Error() != want {
		t.Errorf("expected %q got %q", want, err.Error())
	}
}

package errs

import (
	"fmt"
	"testing"
)

func TestKindUnwrapsChain(t *testing.T) {
	err := fmt.Errorf("start call: %w", fmt.Errorf("capture: %w", ErrPermissionDenied))
	if got := Kind(err); got != "PermissionDenied" {
		t.Errorf("Kind = %q, want PermissionDenied", got)
	}
	if got := Kind(fmt.Errorf("x: %w", ErrDuplicateNotification)); got != "DuplicateNotification" {
		t.Errorf("Kind = %q", got)
	}
	if got := Kind(fmt.Errorf("plain")); got != "" {
		t.Errorf("Kind(unrelated) = %q, want empty", got)
	}
	if got := Kind(nil); got != "" {
		t.Errorf("Kind(nil) = %q, want empty", got)
	}
}

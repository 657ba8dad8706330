package broker

import (
	"errors"
	"testing"
)

func TestKindOf_BrokerError(t *testing.T) {
	err := NotFound("task t1 not found")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", KindOf(err))
	}
}

func TestKindOf_WrappedError(t *testing.T) {
	base := InvalidInput("title too short")
	wrapped := errors.New("handler: " + base.Error())
	if KindOf(wrapped) != KindInternal {
		t.Fatalf("expected an unrelated error to default to KindInternal, got %v", KindOf(wrapped))
	}
	// errors.As should still find the original through fmt.Errorf wrapping.
	var rewrapped error = &Error{Kind: KindConflict, Message: "lease mismatch"}
	if KindOf(rewrapped) != KindConflict {
		t.Fatalf("expected KindConflict, got %v", KindOf(rewrapped))
	}
}

func TestStoreUnavailable_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := StoreUnavailable("get task", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected StoreUnavailable to wrap cause via Unwrap")
	}
}

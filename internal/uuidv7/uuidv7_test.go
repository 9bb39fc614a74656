package uuidv7_test

import (
	"testing"

	"github.com/google/uuid"

	"pkt.systems/domaind/internal/uuidv7"
)

func TestNewReturnsVersion7(t *testing.T) {
	t.Parallel()

	id := uuidv7.New()
	if id.Version() != 7 {
		t.Fatalf("expected version 7 UUID, got %d", id.Version())
	}
	if id == uuidv7.New() {
		t.Fatal("expected unique UUIDs on subsequent calls")
	}
}

func TestNewStringOrdering(t *testing.T) {
	t.Parallel()

	first := uuidv7.NewString()
	second := uuidv7.NewString()
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if first >= second {
		t.Fatalf("expected time-ordered identifiers, got %q then %q", first, second)
	}
}

package pmem

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewPoolID(t *testing.T) {
	t.Run("should generate a new id", func(t *testing.T) {
		id, err := NewPoolID()
		if err != nil {
			t.Fatal(err)
		}
		if id == "" {
			t.Fatal("id is empty")
		}

		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("id %q is not a uuid: %s", id, err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("expected version 7, found %d", parsed.Version())
		}
	})

	t.Run("should generate distinct ids", func(t *testing.T) {
		a, err := NewPoolID()
		if err != nil {
			t.Fatal(err)
		}
		b, err := NewPoolID()
		if err != nil {
			t.Fatal(err)
		}
		if a == b {
			t.Fatalf("expected distinct ids, got %s twice", a)
		}
	})
}

package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	if _, err := uuid.Parse(New()); err != nil {
		t.Fatalf("expected a uuid: %v", err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(TradePrefix)
	if !strings.HasPrefix(id, "trd_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if len(id) != len("trd_")+32 {
		t.Fatalf("unexpected length %d: %s", len(id), id)
	}
	if id == WithPrefix(TradePrefix) {
		t.Fatal("expected distinct ids")
	}
}

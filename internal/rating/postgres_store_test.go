//go:build integration

package rating

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/peerex/internal/testutil"
)

func TestPostgresStore_OncePerRater(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	r := &Rating{TradeID: "trd_1", RaterID: "bob", RateeID: "alice", Score: 5, CreatedAt: time.Now()}

	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, r); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}

	got, err := store.ListByTrade(ctx, "trd_1")
	if err != nil {
		t.Fatalf("ListByTrade: %v", err)
	}
	if len(got) != 1 || got[0].Score != 5 {
		t.Fatalf("unexpected ratings: %+v", got)
	}
}

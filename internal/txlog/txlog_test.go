package txlog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

func TestRecentReturnsNewestFirstCappedAtHundred(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		amount := tokens.New(uint64(i + 1))
		if _, err := log.Append(ctx, Record{Owner: "alice", Kind: KindSend, Amount: &amount, Status: StatusConfirmed}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	recent, err := log.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != DefaultLimit {
		t.Fatalf("expected %d records, got %d", DefaultLimit, len(recent))
	}
	if recent[0].ID != 150 || recent[len(recent)-1].ID != 51 {
		t.Fatalf("unexpected window %d..%d", recent[0].ID, recent[len(recent)-1].ID)
	}
	for i := 1; i < len(recent); i++ {
		if recent[i-1].ID <= recent[i].ID {
			t.Fatalf("records not strictly newest first at %d", i)
		}
	}
}

func TestRecentFiltersByOwner(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		if _, err := log.Append(ctx, Record{Owner: owner, Kind: KindReceive, Status: StatusConfirmed}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	bob, err := log.Recent(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(bob) != 3 {
		t.Fatalf("expected 3 records for bob, got %d", len(bob))
	}
	for _, r := range bob {
		if r.Owner != "bob" {
			t.Fatalf("leaked record for %s", r.Owner)
		}
	}
}

func TestStatusTransitionsOnlyFromPending(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	r, err := log.Append(ctx, Record{Owner: "alice", Kind: KindWithdraw})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if r.ID != 1 || r.Status != StatusPending {
		t.Fatalf("expected pending record 1, got %+v", r)
	}

	block := uint64(7)
	updated, err := log.SetStatus(ctx, r.ID, StatusConfirmed, &block)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if updated.BlockIndex == nil || *updated.BlockIndex != 7 {
		t.Fatalf("expected block index 7, got %v", updated.BlockIndex)
	}

	if _, err := log.SetStatus(ctx, r.ID, StatusFailed, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	pending, _ := log.Append(ctx, Record{Owner: "alice", Kind: KindWithdraw})
	if _, err := log.SetStatus(ctx, pending.ID, StatusPending, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Pending is not a final status, got %v", err)
	}
	if _, err := log.Get(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDepositorsOnlyCountsConfirmedDeposits(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()
	for i, status := range []Status{StatusConfirmed, StatusFailed, StatusConfirmed} {
		owner := fmt.Sprintf("user-%d", i)
		if _, err := log.Append(ctx, Record{Owner: owner, Kind: KindDeposit, Status: status}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := log.Append(ctx, Record{Owner: "user-0", Kind: KindDeposit, Status: StatusConfirmed}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := log.Depositors(ctx)
	if err != nil {
		t.Fatalf("depositors: %v", err)
	}
	if len(got) != 2 || got[0] != "user-0" || got[1] != "user-2" {
		t.Fatalf("unexpected depositors %v", got)
	}
}

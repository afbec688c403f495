package guard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

const (
	admin   core.Address = "GADMIN"
	updater core.Address = "GUPDATER"
	other   core.Address = "GOTHER"
)

func setup(t *testing.T) (*Guard, *store.Store) {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "guard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	g := New("ledger")
	if err := g.Initialize(context.Background(), s.DB(), admin); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return g, s
}

// #region reentrancy-tests
func TestEnterFailsFastWhileHeld(t *testing.T) {
	g := New("ledger")

	release, err := g.Enter()
	if err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if _, err := g.Enter(); !apperrors.HasCode(err, apperrors.CodeReentrancyDetected) {
		t.Fatalf("expected ReentrancyDetected, got %v", err)
	}

	release()
	release() // second call is a no-op

	release2, err := g.Enter()
	if err != nil {
		t.Fatalf("enter after release: %v", err)
	}
	defer release2()

	// A stale release from the first acquisition must not drop the new hold.
	release()
	if !g.Held() {
		t.Fatal("stale release dropped the latch")
	}
}

func TestLatchIsPerGuard(t *testing.T) {
	a, b := New("ledger"), New("compliance")
	ra, err := a.Enter()
	if err != nil {
		t.Fatal(err)
	}
	defer ra()
	rb, err := b.Enter()
	if err != nil {
		t.Fatalf("separate guards must not share a latch: %v", err)
	}
	rb()
}

// #endregion reentrancy-tests

// #region admin-tests
func TestInitializeTwiceFails(t *testing.T) {
	g, s := setup(t)
	err := g.Initialize(context.Background(), s.DB(), other)
	if !apperrors.HasCode(err, apperrors.CodeAlreadyInitialized) {
		t.Fatalf("expected AlreadyInitialized, got %v", err)
	}
}

func TestInitializeRejectsZeroAddress(t *testing.T) {
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	err = New("ledger").Initialize(context.Background(), s.DB(), core.ZeroAddress)
	if !apperrors.HasCode(err, apperrors.CodeZeroAddress) {
		t.Fatalf("expected ZeroAddress, got %v", err)
	}
}

func TestRequireAdmin(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	if err := g.RequireAdmin(ctx, s.DB(), admin); err != nil {
		t.Fatalf("admin rejected: %v", err)
	}
	if err := g.RequireAdmin(ctx, s.DB(), other); !apperrors.HasCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}

	uninit := New("compliance")
	if err := uninit.RequireAdmin(ctx, s.DB(), admin); !apperrors.HasCode(err, apperrors.CodeNotInitialized) {
		t.Fatalf("expected NotInitialized, got %v", err)
	}
}

func TestRequireAuthorizedUpdater(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()
	q := s.DB()

	if err := g.RequireAuthorizedUpdater(ctx, q, updater); !apperrors.HasCode(err, apperrors.CodeNotAuthorizedUpdater) {
		t.Fatalf("expected NotAuthorizedUpdater before grant, got %v", err)
	}
	if err := g.AddMember(ctx, q, RoleUpdater, updater, 1); err != nil {
		t.Fatal(err)
	}
	if err := g.RequireAuthorizedUpdater(ctx, q, updater); err != nil {
		t.Fatalf("updater rejected: %v", err)
	}
	if err := g.RequireAuthorizedUpdater(ctx, q, admin); err != nil {
		t.Fatalf("admin rejected: %v", err)
	}

	if err := g.SetAllocationContract(ctx, q, "GALLOC"); err != nil {
		t.Fatal(err)
	}
	if err := g.RequireAuthorizedUpdater(ctx, q, "GALLOC"); err != nil {
		t.Fatalf("allocation contract rejected: %v", err)
	}

	if err := g.RemoveMember(ctx, q, RoleUpdater, updater); err != nil {
		t.Fatal(err)
	}
	if err := g.RequireAuthorizedUpdater(ctx, q, updater); !apperrors.HasCode(err, apperrors.CodeNotAuthorizedUpdater) {
		t.Fatalf("expected NotAuthorizedUpdater after removal, got %v", err)
	}
}

func TestMembersInInsertionOrder(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	for i, a := range []core.Address{"GB", "GA", "GC", "GA"} {
		if err := g.AddMember(ctx, s.DB(), RoleVerifier, a, int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := g.Members(ctx, s.DB(), RoleVerifier)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "GB" || got[1] != "GA" || got[2] != "GC" {
		t.Fatalf("unexpected members %v", got)
	}

	none, _ := g.Members(ctx, s.DB(), RoleUpdater)
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", none)
	}
}

func TestScopesAreIsolated(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	if err := g.AddMember(ctx, s.DB(), RoleUpdater, updater, 1); err != nil {
		t.Fatal(err)
	}
	other := New("compliance")
	ok, err := other.IsMember(ctx, s.DB(), RoleUpdater, updater)
	if err != nil || ok {
		t.Fatalf("membership leaked across scopes: ok=%v err=%v", ok, err)
	}
}

// #endregion admin-tests

// #region pause-tests
func TestPauseGate(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	if err := g.RequireNotPaused(ctx, s.DB()); err != nil {
		t.Fatalf("fresh guard paused: %v", err)
	}
	if err := g.Pause(ctx, s.DB()); err != nil {
		t.Fatal(err)
	}
	if err := g.RequireNotPaused(ctx, s.DB()); !apperrors.HasCode(err, apperrors.CodePaused) {
		t.Fatalf("expected Paused, got %v", err)
	}
	if err := g.Unpause(ctx, s.DB()); err != nil {
		t.Fatal(err)
	}
	if paused, _ := g.IsPaused(ctx, s.DB()); paused {
		t.Fatal("expected unpaused")
	}
}

// #endregion pause-tests

// #region rate-limit-tests
func TestRateLimitSlidingWindow(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()
	q := s.DB()

	if err := g.SetRateLimit(ctx, q, RateLimit{Function: "create", WindowSeconds: 60, MaxCalls: 2}); err != nil {
		t.Fatal(err)
	}

	if err := g.CheckRateLimit(ctx, q, other, "create", 100); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if err := g.CheckRateLimit(ctx, q, other, "create", 110); err != nil {
		t.Fatalf("call 2: %v", err)
	}
	if err := g.CheckRateLimit(ctx, q, other, "create", 120); !apperrors.HasCode(err, apperrors.CodeRateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}

	// A different address has its own budget.
	if err := g.CheckRateLimit(ctx, q, updater, "create", 120); err != nil {
		t.Fatalf("independent address limited: %v", err)
	}

	// The call at 100 leaves the window at 160.
	if err := g.CheckRateLimit(ctx, q, other, "create", 160); err != nil {
		t.Fatalf("expected window to slide: %v", err)
	}
}

func TestRateLimitUnlimitedAndExempt(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()
	q := s.DB()

	for i := int64(0); i < 10; i++ {
		if err := g.CheckRateLimit(ctx, q, other, "upd_val", i); err != nil {
			t.Fatalf("unconfigured function limited: %v", err)
		}
	}

	if err := g.SetRateLimit(ctx, q, RateLimit{Function: "upd_val", WindowSeconds: 60, MaxCalls: 1}); err != nil {
		t.Fatal(err)
	}
	if err := g.SetRateLimitExempt(ctx, q, other, true, 0); err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 5; i++ {
		if err := g.CheckRateLimit(ctx, q, other, "upd_val", 100+i); err != nil {
			t.Fatalf("exempt address limited: %v", err)
		}
	}

	// Clearing the limit makes the function unlimited again.
	if err := g.SetRateLimit(ctx, q, RateLimit{Function: "upd_val"}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := g.GetRateLimit(ctx, q, "upd_val"); ok {
		t.Fatal("expected limit cleared")
	}
}

func TestRateLimitRolledBackCallDoesNotCount(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	if err := g.SetRateLimit(ctx, s.DB(), RateLimit{Function: "alloc", WindowSeconds: 60, MaxCalls: 1}); err != nil {
		t.Fatal(err)
	}

	_ = s.Update(ctx, func(ctx context.Context, q store.Querier) error {
		if err := g.CheckRateLimit(ctx, q, "GPOOL", "alloc", 10); err != nil {
			t.Fatalf("first call: %v", err)
		}
		return apperrors.New(apperrors.CodeTransferFailed, "boom")
	})

	if err := g.CheckRateLimit(ctx, s.DB(), "GPOOL", "alloc", 11); err != nil {
		t.Fatalf("aborted call consumed budget: %v", err)
	}
}

func TestSetRateLimitRejectsNegative(t *testing.T) {
	g, s := setup(t)
	err := g.SetRateLimit(context.Background(), s.DB(), RateLimit{Function: "create", WindowSeconds: -1, MaxCalls: 1})
	if err == nil {
		t.Fatal("expected error for negative window")
	}
}

// #endregion rate-limit-tests

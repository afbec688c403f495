package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/danielpatrickdp/commitment-escrow/internal/asset"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/position"
)

// #region fakes
// hookRegistry wraps a registry and lets a test intercept calls.
type hookRegistry struct {
	position.Registry
	onMint   func(ctx context.Context) error
	onSettle func(ctx context.Context) error
}

func (r *hookRegistry) Mint(ctx context.Context, owner core.Address, commitmentID string, snap position.Snapshot) (int64, error) {
	if r.onMint != nil {
		if err := r.onMint(ctx); err != nil {
			return 0, err
		}
	}
	return r.Registry.Mint(ctx, owner, commitmentID, snap)
}

func (r *hookRegistry) Settle(ctx context.Context, caller core.Address, tokenID int64) error {
	if r.onSettle != nil {
		if err := r.onSettle(ctx); err != nil {
			return err
		}
	}
	return r.Registry.Settle(ctx, caller, tokenID)
}

// memAssets is an in-memory asset service that does not take part in store
// transactions, so only compensation can undo its effects.
type memAssets struct {
	mu       sync.Mutex
	balances map[core.Address]int64
	failTo   core.Address
	onMove   func(to core.Address)
}

func newMemAssets() *memAssets {
	return &memAssets{balances: map[core.Address]int64{}}
}

func (m *memAssets) BalanceOf(_ context.Context, _, owner core.Address) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner], nil
}

func (m *memAssets) Transfer(_ context.Context, _, from, to core.Address, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to == m.failTo {
		return errors.New("asset service unavailable")
	}
	if m.balances[from] < amount {
		return apperrors.New(apperrors.CodeInsufficientBalance, "insufficient balance")
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	if m.onMove != nil {
		m.onMove(to)
	}
	return nil
}

// #endregion fakes

// #region rollback-tests
func TestMintFailureRollsBackCreate(t *testing.T) {
	reg := &hookRegistry{}
	h := newHarness(t, func(svc asset.Service, r position.Registry) (asset.Service, position.Registry) {
		reg.Registry = r
		return svc, reg
	})
	h.fund(owner, 1000)
	reg.onMint = func(context.Context) error { return errors.New("registry down") }

	_, err := h.ledger.CreateCommitment(h.ctx, owner, 1000, usdc, balanced())
	expectCode(t, err, apperrors.CodeMintingFailed)

	if n, _ := h.ledger.TotalCommitments(h.ctx); n != 0 {
		t.Fatalf("expected no commitments, got %d", n)
	}
	if h.tvl() != 0 {
		t.Fatalf("expected tvl 0, got %d", h.tvl())
	}
	if h.balance(owner) != 1000 || h.balance(self) != 0 {
		t.Fatalf("custody transfer not rolled back: owner=%d custody=%d", h.balance(owner), h.balance(self))
	}
	if ids, _ := h.ledger.OwnerCommitments(h.ctx, owner); len(ids) != 0 {
		t.Fatalf("owner index not rolled back: %v", ids)
	}
	if len(h.events(logging.Filter{Topic: logging.TopicCreated})) != 0 {
		t.Fatal("created event survived rollback")
	}
	errs := h.events(logging.Filter{Topic: logging.TopicError})
	if len(errs) != 1 || errs[0].ErrorCode != string(apperrors.CodeMintingFailed) {
		t.Fatalf("expected MINTING_FAILED error signal, got %+v", errs)
	}

	// The id counter was rolled back too.
	reg.onMint = nil
	id, err := h.ledger.CreateCommitment(h.ctx, owner, 1000, usdc, balanced())
	if err != nil || id != "c_0" {
		t.Fatalf("expected c_0 after rollback, got %q (%v)", id, err)
	}
}

func TestCompensationRestoresExternalAssets(t *testing.T) {
	mem := newMemAssets()
	reg := &hookRegistry{}
	h := newHarness(t, func(_ asset.Service, r position.Registry) (asset.Service, position.Registry) {
		reg.Registry = r
		return mem, reg
	})
	mem.balances[owner] = 500
	reg.onMint = func(context.Context) error {
		return apperrors.New(apperrors.CodeMintingFailed, "registry full")
	}

	_, err := h.ledger.CreateCommitment(h.ctx, owner, 500, usdc, balanced())
	expectCode(t, err, apperrors.CodeMintingFailed)

	if mem.balances[owner] != 500 || mem.balances[self] != 0 {
		t.Fatalf("expected compensation to return funds, owner=%d custody=%d", mem.balances[owner], mem.balances[self])
	}
}

func TestSettleTransferFailureKeepsCommitmentActive(t *testing.T) {
	mem := newMemAssets()
	h := newHarness(t, func(_ asset.Service, r position.Registry) (asset.Service, position.Registry) {
		return mem, r
	})
	mem.balances[owner] = 1000
	id, err := h.ledger.CreateCommitment(h.ctx, owner, 1000, usdc, balanced())
	if err != nil {
		t.Fatal(err)
	}

	h.clock.advance(30 * day)
	mem.failTo = owner
	_, err = h.ledger.Settle(h.ctx, owner, id)
	expectCode(t, err, apperrors.CodeTransferFailed)

	cm := h.get(id)
	if cm.Status != StatusActive || cm.CurrentValue != 1000 || h.tvl() != 1000 {
		t.Fatalf("failed settle leaked state: %+v tvl=%d", cm, h.tvl())
	}
	if ids, _ := h.ledger.OwnerCommitments(h.ctx, owner); len(ids) != 1 {
		t.Fatalf("owner index changed: %v", ids)
	}

	mem.failTo = ""
	if _, err := h.ledger.Settle(h.ctx, owner, id); err != nil {
		t.Fatalf("retry settle: %v", err)
	}
	if mem.balances[owner] != 1000 {
		t.Fatalf("expected payout on retry, got %d", mem.balances[owner])
	}
}

func TestAllocateFailureReturnsPoolTransfer(t *testing.T) {
	mem := newMemAssets()
	h := newHarness(t, func(_ asset.Service, r position.Registry) (asset.Service, position.Registry) {
		return mem, r
	})
	mem.balances[owner] = 1000
	id, err := h.ledger.CreateCommitment(h.ctx, owner, 1000, usdc, balanced())
	if err != nil {
		t.Fatal(err)
	}

	// the call is cancelled once the pool has been paid, so it cannot finish
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	mem.onMove = func(to core.Address) {
		if to == pool {
			cancel()
		}
	}
	if err := h.ledger.Allocate(ctx, admin, id, pool, 400); err == nil {
		t.Fatal("expected allocate to fail")
	}

	if mem.balances[pool] != 0 || mem.balances[self] != 1000 {
		t.Fatalf("pool transfer not compensated: pool=%d custody=%d", mem.balances[pool], mem.balances[self])
	}
	if cm := h.get(id); cm.CurrentValue != 1000 || h.tvl() != 1000 {
		t.Fatalf("failed allocate leaked state: %+v tvl=%d", cm, h.tvl())
	}
}

func TestTokenSettleFailureCompensatesPayout(t *testing.T) {
	mem := newMemAssets()
	reg := &hookRegistry{}
	h := newHarness(t, func(_ asset.Service, r position.Registry) (asset.Service, position.Registry) {
		reg.Registry = r
		return mem, reg
	})
	mem.balances[owner] = 400
	id, err := h.ledger.CreateCommitment(h.ctx, owner, 400, usdc, balanced())
	if err != nil {
		t.Fatal(err)
	}
	h.clock.advance(30 * day)

	reg.onSettle = func(context.Context) error { return errors.New("registry down") }
	_, err = h.ledger.Settle(h.ctx, owner, id)
	expectCode(t, err, apperrors.CodeTransferFailed)

	if mem.balances[owner] != 0 || mem.balances[self] != 400 {
		t.Fatalf("payout not compensated: owner=%d custody=%d", mem.balances[owner], mem.balances[self])
	}
}

// #endregion rollback-tests

// #region reentrancy-tests
func TestReentrantCallFailsFast(t *testing.T) {
	reg := &hookRegistry{}
	h := newHarness(t, func(svc asset.Service, r position.Registry) (asset.Service, position.Registry) {
		reg.Registry = r
		return svc, reg
	})
	h.fund(owner, 1000)

	var nested error
	reg.onMint = func(ctx context.Context) error {
		_, nested = h.ledger.CreateCommitment(ctx, owner, 10, usdc, balanced())
		return nested
	}

	_, err := h.ledger.CreateCommitment(h.ctx, owner, 500, usdc, balanced())
	expectCode(t, nested, apperrors.CodeReentrancyDetected)
	expectCode(t, err, apperrors.CodeReentrancyDetected)

	if n, _ := h.ledger.TotalCommitments(h.ctx); n != 0 {
		t.Fatalf("outer call left %d commitments", n)
	}
	h.assertInvariant()

	// The latch was released on the error path.
	reg.onMint = nil
	if _, err := h.ledger.CreateCommitment(h.ctx, owner, 500, usdc, balanced()); err != nil {
		t.Fatalf("create after reentrancy: %v", err)
	}
}

func TestReentrantCallSwallowedByCollaborator(t *testing.T) {
	reg := &hookRegistry{}
	h := newHarness(t, func(svc asset.Service, r position.Registry) (asset.Service, position.Registry) {
		reg.Registry = r
		return svc, reg
	})
	first := h.create(1000, balanced())
	h.clock.advance(30 * day)

	var nested error
	reg.onMint = func(ctx context.Context) error {
		_, nested = h.ledger.Settle(ctx, owner, first)
		return nil
	}
	h.fund(owner, 10)
	if _, err := h.ledger.CreateCommitment(h.ctx, owner, 10, usdc, balanced()); err != nil {
		t.Fatalf("outer create: %v", err)
	}
	expectCode(t, nested, apperrors.CodeReentrancyDetected)

	// The nested settle never ran.
	if h.get(first).Status != StatusActive {
		t.Fatal("nested call mutated state")
	}
	h.assertInvariant()
}

// #endregion reentrancy-tests

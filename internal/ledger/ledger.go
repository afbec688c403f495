// Package ledger owns commitment records and drives their lifecycle:
// creation, value updates with violation detection, settlement, early exit
// and allocation.
package ledger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/commitment-escrow/internal/asset"
	"github.com/danielpatrickdp/commitment-escrow/internal/contract"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/guard"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/position"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// Contract is the scope the ledger's guard state and events are stored under.
const Contract = "ledger"

// Rate-limited function names.
const (
	FnCreate      = "create"
	FnUpdateValue = "upd_val"
	FnAllocate    = "alloc"
)

// #region ledger
// Ledger is the commitment ledger. Every mutating method runs inside one store
// transaction under the reentrancy latch; collaborators receive the
// transaction-carrying ctx and must pass it on to any store access of their
// own.
type Ledger struct {
	runner   *contract.Runner
	guard    *guard.Guard
	assets   asset.Service
	registry position.Registry
	self     core.Address
	now      func() time.Time
	tracer   trace.Tracer
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithTracer overrides the tracer spans are recorded on.
func WithTracer(t trace.Tracer) Option {
	return func(l *Ledger) { l.tracer = t }
}

// New returns a ledger that holds custody under self.
func New(s *store.Store, assets asset.Service, registry position.Registry, self core.Address, opts ...Option) *Ledger {
	l := &Ledger{assets: assets, registry: registry, self: self, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.runner = contract.NewRunner(Contract, s, l.now, l.tracer)
	l.guard = l.runner.Guard()
	return l
}

// Address is the ledger's own account; it holds custody of locked funds.
func (l *Ledger) Address() core.Address {
	return l.self
}

// #endregion ledger

// #region admin
// Initialize records the admin and the position-token registry address.
func (l *Ledger) Initialize(ctx context.Context, admin, tokenRegistry core.Address) error {
	return l.runner.Run(ctx, "initialize", "", admin, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if tokenRegistry.IsZero() {
			return apperrors.New(apperrors.CodeZeroAddress, "token registry cannot be the zero address")
		}
		if err := l.guard.Initialize(ctx, q, admin); err != nil {
			return err
		}
		if err := store.PutValue(ctx, q, Contract, keyRegistry, string(tokenRegistry)); err != nil {
			return storageErr("write registry", err)
		}
		if err := store.PutInt64(ctx, q, Contract, keyTotalCommitments, 0); err != nil {
			return storageErr("write total commitments", err)
		}
		if err := store.PutInt64(ctx, q, Contract, keyTotalValueLocked, 0); err != nil {
			return storageErr("write total value locked", err)
		}
		return c.Emit(ctx, q, logging.TopicAdmin, "", map[string]any{
			"action": "initialize", "admin": string(admin), "token_registry": string(tokenRegistry),
		})
	})
}

// Pause stops every lifecycle operation until Unpause.
func (l *Ledger) Pause(ctx context.Context, caller core.Address) error {
	return l.adminOp(ctx, "pause", caller, nil, func(ctx context.Context, q store.Querier) error {
		return l.guard.Pause(ctx, q)
	})
}

// Unpause clears the pause flag.
func (l *Ledger) Unpause(ctx context.Context, caller core.Address) error {
	return l.adminOp(ctx, "unpause", caller, nil, func(ctx context.Context, q store.Querier) error {
		return l.guard.Unpause(ctx, q)
	})
}

// SetAllocationContract designates the collaborator allowed to update values
// and allocate.
func (l *Ledger) SetAllocationContract(ctx context.Context, caller, addr core.Address) error {
	return l.adminOp(ctx, "set_allocation_contract", caller, map[string]any{"address": string(addr)},
		func(ctx context.Context, q store.Querier) error {
			return l.guard.SetAllocationContract(ctx, q, addr)
		})
}

// AddUpdater grants addr the authorized-updater role.
func (l *Ledger) AddUpdater(ctx context.Context, caller, addr core.Address) error {
	return l.adminOp(ctx, "add_updater", caller, map[string]any{"address": string(addr)},
		func(ctx context.Context, q store.Querier) error {
			return l.guard.AddMember(ctx, q, guard.RoleUpdater, addr, l.now().Unix())
		})
}

// RemoveUpdater revokes the authorized-updater role.
func (l *Ledger) RemoveUpdater(ctx context.Context, caller, addr core.Address) error {
	return l.adminOp(ctx, "remove_updater", caller, map[string]any{"address": string(addr)},
		func(ctx context.Context, q store.Querier) error {
			return l.guard.RemoveMember(ctx, q, guard.RoleUpdater, addr)
		})
}

// SetRateLimit configures the call budget for one of FnCreate, FnUpdateValue
// or FnAllocate.
func (l *Ledger) SetRateLimit(ctx context.Context, caller core.Address, limit guard.RateLimit) error {
	payload := map[string]any{"function": limit.Function, "window_seconds": limit.WindowSeconds, "max_calls": limit.MaxCalls}
	return l.adminOp(ctx, "set_rate_limit", caller, payload, func(ctx context.Context, q store.Querier) error {
		return l.guard.SetRateLimit(ctx, q, limit)
	})
}

// SetRateLimitExempt adds or removes addr from the rate-limit exemption list.
func (l *Ledger) SetRateLimitExempt(ctx context.Context, caller, addr core.Address, exempt bool) error {
	payload := map[string]any{"address": string(addr), "exempt": exempt}
	return l.adminOp(ctx, "set_rate_limit_exempt", caller, payload, func(ctx context.Context, q store.Querier) error {
		return l.guard.SetRateLimitExempt(ctx, q, addr, exempt, l.now().Unix())
	})
}

func (l *Ledger) adminOp(ctx context.Context, action string, caller core.Address, payload map[string]any, fn func(ctx context.Context, q store.Querier) error) error {
	return l.runner.Run(ctx, action, "", caller, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if err := l.guard.RequireAdmin(ctx, q, caller); err != nil {
			return err
		}
		if err := fn(ctx, q); err != nil {
			return err
		}
		if payload == nil {
			payload = map[string]any{}
		}
		payload["action"] = action
		return c.Emit(ctx, q, logging.TopicAdmin, "", payload)
	})
}

// #endregion admin

// #region reads
// Admin returns the ledger admin.
func (l *Ledger) Admin(ctx context.Context) (core.Address, error) {
	var admin core.Address
	err := l.runner.View(ctx, "admin", func(ctx context.Context, q store.Querier) error {
		var err error
		admin, err = l.guard.Admin(ctx, q)
		return err
	})
	return admin, err
}

// TokenRegistry returns the registry address recorded at initialization.
func (l *Ledger) TokenRegistry(ctx context.Context) (core.Address, error) {
	var addr core.Address
	err := l.runner.View(ctx, "token_registry", func(ctx context.Context, q store.Querier) error {
		v, ok, err := store.GetValue(ctx, q, Contract, keyRegistry)
		if err != nil {
			return storageErr("read registry", err)
		}
		if !ok {
			return apperrors.New(apperrors.CodeNotInitialized, "contract not initialized")
		}
		addr = core.Address(v)
		return nil
	})
	return addr, err
}

// AllocationContract returns the designated allocation collaborator, or "".
func (l *Ledger) AllocationContract(ctx context.Context) (core.Address, error) {
	var addr core.Address
	err := l.runner.View(ctx, "allocation_contract", func(ctx context.Context, q store.Querier) error {
		var err error
		addr, err = l.guard.AllocationContract(ctx, q)
		return err
	})
	return addr, err
}

// AuthorizedUpdaters lists the updater role in grant order.
func (l *Ledger) AuthorizedUpdaters(ctx context.Context) ([]core.Address, error) {
	var members []core.Address
	err := l.runner.View(ctx, "authorized_updaters", func(ctx context.Context, q store.Querier) error {
		var err error
		members, err = l.guard.Members(ctx, q, guard.RoleUpdater)
		return err
	})
	return members, err
}

// IsPaused reports the pause flag.
func (l *Ledger) IsPaused(ctx context.Context) (bool, error) {
	var paused bool
	err := l.runner.View(ctx, "is_paused", func(ctx context.Context, q store.Querier) error {
		var err error
		paused, err = l.guard.IsPaused(ctx, q)
		return err
	})
	return paused, err
}

// GetCommitment returns the commitment or NotFound.
func (l *Ledger) GetCommitment(ctx context.Context, id string) (Commitment, error) {
	var cm Commitment
	err := l.runner.View(ctx, "get_commitment", func(ctx context.Context, q store.Querier) error {
		var err error
		cm, err = getCommitment(ctx, q, id)
		return err
	})
	return cm, err
}

// TotalCommitments counts every commitment ever created.
func (l *Ledger) TotalCommitments(ctx context.Context) (int64, error) {
	return l.counter(ctx, "total_commitments", keyTotalCommitments)
}

// TotalValueLocked is the running aggregate of value held in custody.
func (l *Ledger) TotalValueLocked(ctx context.Context) (int64, error) {
	return l.counter(ctx, "total_value_locked", keyTotalValueLocked)
}

func (l *Ledger) counter(ctx context.Context, op, key string) (int64, error) {
	var n int64
	err := l.runner.View(ctx, op, func(ctx context.Context, q store.Querier) error {
		var err error
		n, err = store.GetInt64(ctx, q, Contract, key)
		if err != nil {
			return storageErr("read "+key, err)
		}
		return nil
	})
	return n, err
}

// OwnerCommitments lists the owner's open commitment ids in creation order.
func (l *Ledger) OwnerCommitments(ctx context.Context, owner core.Address) ([]string, error) {
	var ids []string
	err := l.runner.View(ctx, "owner_commitments", func(ctx context.Context, q store.Querier) error {
		var err error
		ids, err = ownerCommitments(ctx, q, owner)
		return err
	})
	return ids, err
}

// ListCommitments returns commitments in creation order.
func (l *Ledger) ListCommitments(ctx context.Context, f ListFilter) ([]Commitment, error) {
	var out []Commitment
	err := l.runner.View(ctx, "list_commitments", func(ctx context.Context, q store.Querier) error {
		var err error
		out, err = listCommitments(ctx, q, f)
		return err
	})
	return out, err
}

// CustodiedValueSum recomputes Σ CurrentValue over commitments whose funds
// are still in custody. It always equals TotalValueLocked.
func (l *Ledger) CustodiedValueSum(ctx context.Context) (int64, error) {
	var sum int64
	err := l.runner.View(ctx, "custodied_value_sum", func(ctx context.Context, q store.Querier) error {
		var err error
		sum, err = custodiedValueSum(ctx, q)
		return err
	})
	return sum, err
}

// #endregion reads

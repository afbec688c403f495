// Package guard implements the access-control layer shared by the ledger and
// the compliance engine: admin and role checks, the reentrancy latch, the
// pause flag and per-caller rate limits.
package guard

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region roles
// Role names a membership set managed by the admin.
type Role string

const (
	RoleUpdater    Role = "updater"
	RoleVerifier   Role = "verifier"
	RoleRateExempt Role = "rate_exempt"
)

const (
	keyAdmin      = "admin"
	keyPaused     = "paused"
	keyAllocation = "allocation_contract"
)

// #endregion roles

// #region guard
// Guard holds the per-contract access state. Persistent state (admin, roles,
// pause flag, rate limits) lives in the store under the guard's scope; the
// reentrancy latch is process-local.
type Guard struct {
	scope string
	latch atomic.Bool
}

// New creates a guard whose persisted state is namespaced by scope.
func New(scope string) *Guard {
	return &Guard{scope: scope}
}

// Scope returns the namespace the guard persists under.
func (g *Guard) Scope() string {
	return g.scope
}

// #endregion guard

// #region reentrancy
// Enter acquires the reentrancy latch. It fails fast with ReentrancyDetected
// when the latch is already held. The returned release func is safe to call
// more than once; only the first call releases.
func (g *Guard) Enter() (release func(), err error) {
	if !g.latch.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.CodeReentrancyDetected, "reentrancy detected")
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.latch.Store(false) })
	}, nil
}

// Held reports whether the latch is currently held.
func (g *Guard) Held() bool {
	return g.latch.Load()
}

// #endregion reentrancy

// #region admin
// Initialize records the admin. It fails with AlreadyInitialized when an admin
// is already stored.
func (g *Guard) Initialize(ctx context.Context, q store.Querier, admin core.Address) error {
	if admin.IsZero() {
		return apperrors.New(apperrors.CodeZeroAddress, "admin cannot be the zero address")
	}
	_, ok, err := store.GetValue(ctx, q, g.scope, keyAdmin)
	if err != nil {
		return storageErr("read admin", err)
	}
	if ok {
		return apperrors.New(apperrors.CodeAlreadyInitialized, "contract already initialized")
	}
	if err := store.PutValue(ctx, q, g.scope, keyAdmin, string(admin)); err != nil {
		return storageErr("write admin", err)
	}
	if err := store.PutBool(ctx, q, g.scope, keyPaused, false); err != nil {
		return storageErr("write paused", err)
	}
	return nil
}

// Admin returns the stored admin or NotInitialized.
func (g *Guard) Admin(ctx context.Context, q store.Querier) (core.Address, error) {
	v, ok, err := store.GetValue(ctx, q, g.scope, keyAdmin)
	if err != nil {
		return "", storageErr("read admin", err)
	}
	if !ok {
		return "", apperrors.New(apperrors.CodeNotInitialized, "contract not initialized")
	}
	return core.Address(v), nil
}

// RequireAdmin fails with NotInitialized when no admin is stored and with
// Unauthorized when caller is not the admin.
func (g *Guard) RequireAdmin(ctx context.Context, q store.Querier, caller core.Address) error {
	admin, err := g.Admin(ctx, q)
	if err != nil {
		return err
	}
	if caller != admin {
		return apperrors.WithMetadata(apperrors.CodeUnauthorized, "caller is not the admin",
			map[string]string{"caller": string(caller)})
	}
	return nil
}

// RequireAuthorizedUpdater accepts the admin, the allocation contract, or a
// member of the updater set.
func (g *Guard) RequireAuthorizedUpdater(ctx context.Context, q store.Querier, caller core.Address) error {
	admin, err := g.Admin(ctx, q)
	if err != nil {
		return err
	}
	if caller == admin {
		return nil
	}
	alloc, err := g.AllocationContract(ctx, q)
	if err != nil {
		return err
	}
	if alloc != "" && caller == alloc {
		return nil
	}
	ok, err := g.IsMember(ctx, q, RoleUpdater, caller)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeNotAuthorizedUpdater, "caller is not an authorized updater",
			map[string]string{"caller": string(caller)})
	}
	return nil
}

// SetAllocationContract designates the allocation collaborator.
func (g *Guard) SetAllocationContract(ctx context.Context, q store.Querier, addr core.Address) error {
	if addr.IsZero() {
		return apperrors.New(apperrors.CodeZeroAddress, "allocation contract cannot be the zero address")
	}
	if err := store.PutValue(ctx, q, g.scope, keyAllocation, string(addr)); err != nil {
		return storageErr("write allocation contract", err)
	}
	return nil
}

// AllocationContract returns the designated allocation collaborator, or "".
func (g *Guard) AllocationContract(ctx context.Context, q store.Querier) (core.Address, error) {
	v, _, err := store.GetValue(ctx, q, g.scope, keyAllocation)
	if err != nil {
		return "", storageErr("read allocation contract", err)
	}
	return core.Address(v), nil
}

// #endregion admin

// #region members
// AddMember adds addr to the role set. Adding an existing member is a no-op.
func (g *Guard) AddMember(ctx context.Context, q store.Querier, role Role, addr core.Address, now int64) error {
	if addr.IsZero() {
		return apperrors.New(apperrors.CodeZeroAddress, "member cannot be the zero address")
	}
	_, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO guard_members (scope, role, address, added_at) VALUES (?, ?, ?, ?)`,
		g.scope, string(role), string(addr), now,
	)
	if err != nil {
		return storageErr("add member", err)
	}
	return nil
}

// RemoveMember removes addr from the role set. Removing a non-member is a no-op.
func (g *Guard) RemoveMember(ctx context.Context, q store.Querier, role Role, addr core.Address) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM guard_members WHERE scope = ? AND role = ? AND address = ?`,
		g.scope, string(role), string(addr),
	)
	if err != nil {
		return storageErr("remove member", err)
	}
	return nil
}

// IsMember reports whether addr belongs to the role set.
func (g *Guard) IsMember(ctx context.Context, q store.Querier, role Role, addr core.Address) (bool, error) {
	var found int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM guard_members WHERE scope = ? AND role = ? AND address = ?`,
		g.scope, string(role), string(addr),
	).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageErr("check member", err)
	}
	return true, nil
}

// Members lists the role set in insertion order.
func (g *Guard) Members(ctx context.Context, q store.Querier, role Role) ([]core.Address, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT address FROM guard_members WHERE scope = ? AND role = ? ORDER BY added_at, rowid`,
		g.scope, string(role),
	)
	if err != nil {
		return nil, storageErr("list members", err)
	}
	defer rows.Close()

	members := []core.Address{}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, storageErr("scan member", err)
		}
		members = append(members, core.Address(a))
	}
	return members, rows.Err()
}

// #endregion members

// #region pause
// Pause sets the pause flag.
func (g *Guard) Pause(ctx context.Context, q store.Querier) error {
	return g.setPaused(ctx, q, true)
}

// Unpause clears the pause flag.
func (g *Guard) Unpause(ctx context.Context, q store.Querier) error {
	return g.setPaused(ctx, q, false)
}

// IsPaused reports the pause flag.
func (g *Guard) IsPaused(ctx context.Context, q store.Querier) (bool, error) {
	v, err := store.GetBool(ctx, q, g.scope, keyPaused)
	if err != nil {
		return false, storageErr("read paused", err)
	}
	return v, nil
}

// RequireNotPaused fails with Paused while the flag is set.
func (g *Guard) RequireNotPaused(ctx context.Context, q store.Querier) error {
	paused, err := g.IsPaused(ctx, q)
	if err != nil {
		return err
	}
	if paused {
		return apperrors.New(apperrors.CodePaused, "contract is paused")
	}
	return nil
}

func (g *Guard) setPaused(ctx context.Context, q store.Querier, v bool) error {
	if err := store.PutBool(ctx, q, g.scope, keyPaused, v); err != nil {
		return storageErr("write paused", err)
	}
	return nil
}

// #endregion pause

// #region helpers
func storageErr(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeStorage, fmt.Sprintf("guard: %s", op), err)
}

// #endregion helpers

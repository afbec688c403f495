// Package asset defines the balance/transfer collaborator the ledger moves
// funds through, plus a SQLite-backed reference implementation.
package asset

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region interface
// Service is the asset-transfer collaborator.
type Service interface {
	BalanceOf(ctx context.Context, asset, owner core.Address) (int64, error)
	Transfer(ctx context.Context, asset, from, to core.Address, amount int64) error
}

// #endregion interface

// #region ledger
// Ledger keeps balances in the asset_balances table. Calls made with a ctx
// that carries an open store transaction join it, so a transfer is rolled
// back together with the operation that requested it.
type Ledger struct {
	store *store.Store
}

// NewLedger returns a Ledger over s.
func NewLedger(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

// BalanceOf returns the holder's balance of asset, 0 when none is recorded.
func (l *Ledger) BalanceOf(ctx context.Context, asset, owner core.Address) (int64, error) {
	var bal int64
	err := l.store.View(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		bal, err = balance(ctx, q, asset, owner)
		return err
	})
	return bal, err
}

// Transfer moves amount of asset from one holder to another. A zero amount
// or a self-transfer is a no-op.
func (l *Ledger) Transfer(ctx context.Context, asset, from, to core.Address, amount int64) error {
	if amount < 0 {
		return apperrors.New(apperrors.CodeInvalidAmount, "transfer amount must be non-negative")
	}
	if to.IsZero() {
		return apperrors.New(apperrors.CodeZeroAddress, "cannot transfer to the zero address")
	}
	if amount == 0 || from == to {
		return nil
	}
	return l.store.Update(ctx, func(ctx context.Context, q store.Querier) error {
		bal, err := balance(ctx, q, asset, from)
		if err != nil {
			return err
		}
		if bal < amount {
			return apperrors.WithMetadata(apperrors.CodeInsufficientBalance, "insufficient balance",
				map[string]string{"holder": string(from), "balance": fmt.Sprint(bal), "amount": fmt.Sprint(amount)})
		}
		if err := debit(ctx, q, asset, from, amount); err != nil {
			return err
		}
		return credit(ctx, q, asset, to, amount)
	})
}

// Mint credits amount of asset to holder. It funds accounts for the console,
// the replay runner and tests; nothing in the lifecycle calls it.
func (l *Ledger) Mint(ctx context.Context, asset, holder core.Address, amount int64) error {
	if amount <= 0 {
		return apperrors.New(apperrors.CodeInvalidAmount, "mint amount must be positive")
	}
	if holder.IsZero() {
		return apperrors.New(apperrors.CodeZeroAddress, "cannot mint to the zero address")
	}
	return l.store.Update(ctx, func(ctx context.Context, q store.Querier) error {
		return credit(ctx, q, asset, holder, amount)
	})
}

// #endregion ledger

// #region helpers
func balance(ctx context.Context, q store.Querier, asset, holder core.Address) (int64, error) {
	var bal int64
	err := q.QueryRowContext(ctx,
		`SELECT balance FROM asset_balances WHERE asset = ? AND holder = ?`,
		string(asset), string(holder),
	).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorage, "read balance", err)
	}
	return bal, nil
}

func credit(ctx context.Context, q store.Querier, asset, holder core.Address, amount int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO asset_balances (asset, holder, balance) VALUES (?, ?, ?)
		 ON CONFLICT(asset, holder) DO UPDATE SET balance = balance + excluded.balance`,
		string(asset), string(holder), amount,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "write balance", err)
	}
	return nil
}

// debit expects the caller to have checked the balance; the CHECK constraint
// on asset_balances rejects an overdraft regardless.
func debit(ctx context.Context, q store.Querier, asset, holder core.Address, amount int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE asset_balances SET balance = balance - ? WHERE asset = ? AND holder = ?`,
		amount, string(asset), string(holder),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "write balance", err)
	}
	return nil
}

// #endregion helpers

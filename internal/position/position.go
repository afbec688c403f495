// Package position defines the position-token collaborator: one token bound
// to each commitment, locked against transfer while the commitment is active.
package position

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region types
// Snapshot is the copy of the commitment's terms recorded on the token.
type Snapshot struct {
	Asset          core.Address
	InitialAmount  int64
	DurationDays   uint32
	MaxLossPercent uint32
	CommitmentType string
	CreatedAt      int64
	ExpiresAt      int64
}

// Token is a minted position token.
type Token struct {
	TokenID      int64
	Owner        core.Address
	CommitmentID string
	Snapshot     Snapshot
	IsActive     bool
	Settled      bool
}

// #endregion types

// #region interface
// Registry is the position-token collaborator consumed by the ledger.
type Registry interface {
	Mint(ctx context.Context, owner core.Address, commitmentID string, snap Snapshot) (int64, error)
	Transfer(ctx context.Context, from, to core.Address, tokenID int64) error
	Settle(ctx context.Context, caller core.Address, tokenID int64) error
	MarkInactive(ctx context.Context, caller core.Address, tokenID int64) error
	OwnerOf(ctx context.Context, tokenID int64) (core.Address, error)
	IsActive(ctx context.Context, tokenID int64) (bool, error)
	TotalSupply(ctx context.Context) (int64, error)
	BalanceOf(ctx context.Context, owner core.Address) (int64, error)
}

// #endregion interface

// #region store
// Store is the SQLite reference registry. Only the configured core contract
// may change a token's lifecycle flags.
type Store struct {
	store *store.Store
	core  core.Address
}

// NewStore returns a registry over s that accepts lifecycle calls from coreAddr.
func NewStore(s *store.Store, coreAddr core.Address) *Store {
	return &Store{store: s, core: coreAddr}
}

// Mint issues the next token id to owner, bound to commitmentID.
func (r *Store) Mint(ctx context.Context, owner core.Address, commitmentID string, snap Snapshot) (int64, error) {
	if owner.IsZero() {
		return 0, apperrors.New(apperrors.CodeZeroAddress, "cannot mint to the zero address")
	}
	var id int64
	err := r.store.Update(ctx, func(ctx context.Context, q store.Querier) error {
		if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(token_id), 0) + 1 FROM position_tokens`).Scan(&id); err != nil {
			return apperrors.Wrap(apperrors.CodeStorage, "next token id", err)
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO position_tokens (token_id, owner, commitment_id, asset, initial_amount, duration_days,
				max_loss_percent, commitment_type, created_at, expires_at, is_active, settled)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0)`,
			id, string(owner), commitmentID, string(snap.Asset), snap.InitialAmount, int64(snap.DurationDays),
			int64(snap.MaxLossPercent), snap.CommitmentType, snap.CreatedAt, snap.ExpiresAt,
		)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeMintingFailed, fmt.Sprintf("mint token for %s", commitmentID), err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Transfer moves a token between owners. Tokens bound to an active
// commitment are locked.
func (r *Store) Transfer(ctx context.Context, from, to core.Address, tokenID int64) error {
	if to.IsZero() {
		return apperrors.New(apperrors.CodeZeroAddress, "cannot transfer to the zero address")
	}
	return r.store.Update(ctx, func(ctx context.Context, q store.Querier) error {
		tok, err := getToken(ctx, q, tokenID)
		if err != nil {
			return err
		}
		if tok.Owner != from {
			return apperrors.New(apperrors.CodeNotOwner, "sender does not own the token")
		}
		if tok.IsActive {
			return apperrors.WithMetadata(apperrors.CodeTokenLocked, "token is locked while its commitment is active",
				map[string]string{"commitment_id": tok.CommitmentID})
		}
		if _, err := q.ExecContext(ctx, `UPDATE position_tokens SET owner = ? WHERE token_id = ?`, string(to), tokenID); err != nil {
			return apperrors.Wrap(apperrors.CodeStorage, "transfer token", err)
		}
		return nil
	})
}

// Settle marks the token settled and unlocks it.
func (r *Store) Settle(ctx context.Context, caller core.Address, tokenID int64) error {
	if err := r.requireCore(caller); err != nil {
		return err
	}
	return r.store.Update(ctx, func(ctx context.Context, q store.Querier) error {
		tok, err := getToken(ctx, q, tokenID)
		if err != nil {
			return err
		}
		if tok.Settled {
			return apperrors.New(apperrors.CodeAlreadySettled, "token already settled")
		}
		if _, err := q.ExecContext(ctx, `UPDATE position_tokens SET settled = 1, is_active = 0 WHERE token_id = ?`, tokenID); err != nil {
			return apperrors.Wrap(apperrors.CodeStorage, "settle token", err)
		}
		return nil
	})
}

// MarkInactive unlocks the token without settling it (early exit).
func (r *Store) MarkInactive(ctx context.Context, caller core.Address, tokenID int64) error {
	if err := r.requireCore(caller); err != nil {
		return err
	}
	return r.store.Update(ctx, func(ctx context.Context, q store.Querier) error {
		tok, err := getToken(ctx, q, tokenID)
		if err != nil {
			return err
		}
		if tok.Settled {
			return apperrors.New(apperrors.CodeAlreadySettled, "token already settled")
		}
		if _, err := q.ExecContext(ctx, `UPDATE position_tokens SET is_active = 0 WHERE token_id = ?`, tokenID); err != nil {
			return apperrors.Wrap(apperrors.CodeStorage, "deactivate token", err)
		}
		return nil
	})
}

// #endregion store

// #region reads
// Token returns the full token record.
func (r *Store) Token(ctx context.Context, tokenID int64) (Token, error) {
	var tok Token
	err := r.store.View(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		tok, err = getToken(ctx, q, tokenID)
		return err
	})
	return tok, err
}

// OwnerOf returns the token's current owner.
func (r *Store) OwnerOf(ctx context.Context, tokenID int64) (core.Address, error) {
	tok, err := r.Token(ctx, tokenID)
	if err != nil {
		return "", err
	}
	return tok.Owner, nil
}

// IsActive reports whether the token's commitment is still active.
func (r *Store) IsActive(ctx context.Context, tokenID int64) (bool, error) {
	tok, err := r.Token(ctx, tokenID)
	if err != nil {
		return false, err
	}
	return tok.IsActive, nil
}

// TotalSupply counts minted tokens.
func (r *Store) TotalSupply(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM position_tokens`)
}

// BalanceOf counts the tokens held by owner.
func (r *Store) BalanceOf(ctx context.Context, owner core.Address) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM position_tokens WHERE owner = ?`, string(owner))
}

func (r *Store) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := r.store.View(ctx, func(ctx context.Context, q store.Querier) error {
		if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return apperrors.Wrap(apperrors.CodeStorage, "count tokens", err)
		}
		return nil
	})
	return n, err
}

// #endregion reads

// #region helpers
func (r *Store) requireCore(caller core.Address) error {
	if caller != r.core {
		return apperrors.WithMetadata(apperrors.CodeUnauthorized, "caller is not the core contract",
			map[string]string{"caller": string(caller)})
	}
	return nil
}

func getToken(ctx context.Context, q store.Querier, tokenID int64) (Token, error) {
	var tok Token
	var owner, asset string
	var active, settled int
	err := q.QueryRowContext(ctx,
		`SELECT token_id, owner, commitment_id, asset, initial_amount, duration_days, max_loss_percent,
			commitment_type, created_at, expires_at, is_active, settled
		 FROM position_tokens WHERE token_id = ?`, tokenID,
	).Scan(&tok.TokenID, &owner, &tok.CommitmentID, &asset, &tok.Snapshot.InitialAmount,
		&tok.Snapshot.DurationDays, &tok.Snapshot.MaxLossPercent, &tok.Snapshot.CommitmentType,
		&tok.Snapshot.CreatedAt, &tok.Snapshot.ExpiresAt, &active, &settled)
	if err == sql.ErrNoRows {
		return Token{}, apperrors.WithMetadata(apperrors.CodeNotFound, "token not found",
			map[string]string{"token_id": fmt.Sprint(tokenID)})
	}
	if err != nil {
		return Token{}, apperrors.Wrap(apperrors.CodeStorage, "read token", err)
	}
	tok.Owner = core.Address(owner)
	tok.Snapshot.Asset = core.Address(asset)
	tok.IsActive = active == 1
	tok.Settled = settled == 1
	return tok, nil
}

// #endregion helpers

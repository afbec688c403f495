package ledger

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/commitment-escrow/internal/contract"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/position"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region create
// CreateCommitment locks amount of asset from owner under rules and returns
// the new commitment id. All checks run before the first write; the custody
// transfer and the token mint run after the record is persisted, and a
// failure in either undoes the whole call.
func (l *Ledger) CreateCommitment(ctx context.Context, owner core.Address, amount int64, asset core.Address, rules Rules) (string, error) {
	var id string
	err := l.runner.Run(ctx, "create", "", owner, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if _, err := l.guard.Admin(ctx, q); err != nil {
			return err
		}
		if err := l.guard.RequireNotPaused(ctx, q); err != nil {
			return err
		}
		if owner.IsZero() {
			return apperrors.New(apperrors.CodeZeroAddress, "owner cannot be the zero address")
		}
		if amount <= 0 {
			return apperrors.New(apperrors.CodeInvalidAmount, "amount must be greater than zero")
		}
		if err := rules.Validate(); err != nil {
			return err
		}
		expiresAt, ok := core.Expiration(c.Now, rules.DurationDays)
		if !ok {
			return apperrors.New(apperrors.CodeExpirationOverflow, "expiration overflows the ledger clock")
		}
		if err := l.guard.CheckRateLimit(ctx, q, owner, FnCreate, c.Now); err != nil {
			return err
		}
		bal, err := l.assets.BalanceOf(ctx, asset, owner)
		if err != nil {
			return apperrors.WrapIfUntyped(apperrors.CodeTransferFailed, "read owner balance", err)
		}
		if bal < amount {
			return apperrors.WithMetadata(apperrors.CodeInsufficientBalance, "insufficient balance",
				map[string]string{"owner": string(owner), "balance": fmt.Sprint(bal), "amount": fmt.Sprint(amount)})
		}

		// Effects.
		seq, err := store.GetInt64(ctx, q, Contract, keyTotalCommitments)
		if err != nil {
			return storageErr("read total commitments", err)
		}
		id = fmt.Sprintf("c_%d", seq)
		cm := Commitment{
			ID:           id,
			Owner:        owner,
			Asset:        asset,
			Amount:       amount,
			CurrentValue: amount,
			Rules:        rules,
			CreatedAt:    c.Now,
			ExpiresAt:    expiresAt,
			Status:       StatusActive,
		}
		if err := insertCommitment(ctx, q, cm, seq); err != nil {
			return err
		}
		if err := appendOwnerIndex(ctx, q, owner, id); err != nil {
			return err
		}
		if err := store.PutInt64(ctx, q, Contract, keyTotalCommitments, seq+1); err != nil {
			return storageErr("write total commitments", err)
		}
		if err := adjustTVL(ctx, q, amount); err != nil {
			return err
		}

		// Interactions.
		if err := l.assets.Transfer(ctx, asset, owner, l.self, amount); err != nil {
			return apperrors.WrapIfUntyped(apperrors.CodeTransferFailed, "transfer into custody", err)
		}
		c.OnUndo(func(ctx context.Context) error {
			return l.assets.Transfer(ctx, asset, l.self, owner, amount)
		})
		tokenID, err := l.registry.Mint(ctx, owner, id, position.Snapshot{
			Asset:          asset,
			InitialAmount:  amount,
			DurationDays:   rules.DurationDays,
			MaxLossPercent: rules.MaxLossPercent,
			CommitmentType: rules.Type.String(),
			CreatedAt:      c.Now,
			ExpiresAt:      expiresAt,
		})
		if err != nil {
			return apperrors.WrapIfUntyped(apperrors.CodeMintingFailed, "mint position token", err)
		}
		if err := setPositionToken(ctx, q, id, tokenID); err != nil {
			return err
		}

		return c.Emit(ctx, q, logging.TopicCreated, id, map[string]any{
			"owner":      string(owner),
			"asset":      string(asset),
			"amount":     amount,
			"type":       rules.Type.String(),
			"expires_at": expiresAt,
			"token_id":   tokenID,
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// #endregion create

// #region update-value
// UpdateValue records a new mark for an active commitment. A loss strictly
// above the rule threshold moves it to Violated.
func (l *Ledger) UpdateValue(ctx context.Context, caller core.Address, id string, newValue int64) error {
	return l.runner.Run(ctx, "update_value", id, caller, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if err := l.guard.RequireAuthorizedUpdater(ctx, q, caller); err != nil {
			return err
		}
		if err := l.guard.RequireNotPaused(ctx, q); err != nil {
			return err
		}
		if err := l.guard.CheckRateLimit(ctx, q, l.self, FnUpdateValue, c.Now); err != nil {
			return err
		}
		if newValue < 0 {
			return apperrors.New(apperrors.CodeInvalidAmount, "value must be non-negative")
		}
		cm, err := getCommitment(ctx, q, id)
		if err != nil {
			return err
		}
		if cm.Status != StatusActive {
			return notActive(cm)
		}

		old := cm.CurrentValue
		cm.CurrentValue = newValue
		violated := cm.LossViolated()
		if violated {
			cm.Status = StatusViolated
		}
		if err := saveCommitment(ctx, q, cm); err != nil {
			return err
		}
		if err := adjustTVL(ctx, q, newValue-old); err != nil {
			return err
		}

		if err := c.Emit(ctx, q, logging.TopicValueUpdated, id, map[string]any{
			"old_value":    old,
			"new_value":    newValue,
			"loss_percent": cm.LossPercent(),
		}); err != nil {
			return err
		}
		if violated {
			return c.Emit(ctx, q, logging.TopicViolated, id, map[string]any{
				"loss_percent":     cm.LossPercent(),
				"max_loss_percent": cm.Rules.MaxLossPercent,
			})
		}
		return nil
	})
}

// #endregion update-value

// #region violations
// CheckViolations reports whether an active commitment has breached its loss
// limit or reached expiry. Resolved commitments always report false.
func (l *Ledger) CheckViolations(ctx context.Context, id string) (bool, error) {
	var violated bool
	err := l.runner.View(ctx, "check_violations", func(ctx context.Context, q store.Querier) error {
		cm, err := getCommitment(ctx, q, id)
		if err != nil {
			return err
		}
		violated = cm.Status == StatusActive && violationDetails(cm, l.now().Unix()).HasViolation
		return nil
	})
	return violated, err
}

// GetViolationDetails breaks the violation check into its parts. It reports
// the same figures for every status.
func (l *Ledger) GetViolationDetails(ctx context.Context, id string) (ViolationDetails, error) {
	var d ViolationDetails
	err := l.runner.View(ctx, "violation_details", func(ctx context.Context, q store.Querier) error {
		cm, err := getCommitment(ctx, q, id)
		if err != nil {
			return err
		}
		d = violationDetails(cm, l.now().Unix())
		return nil
	})
	return d, err
}

func violationDetails(cm Commitment, now int64) ViolationDetails {
	d := ViolationDetails{
		LossPercent:      cm.LossPercent(),
		LossViolated:     cm.LossViolated(),
		DurationViolated: now >= cm.ExpiresAt,
		TimeRemaining:    core.TimeRemaining(now, cm.ExpiresAt),
	}
	d.HasViolation = d.LossViolated || d.DurationViolated
	return d
}

// #endregion violations

// #region settle
// Settle pays out a matured commitment's current value to its owner. Anyone
// may call it once the term has elapsed.
func (l *Ledger) Settle(ctx context.Context, caller core.Address, id string) (int64, error) {
	var paid int64
	err := l.runner.Run(ctx, "settle", id, caller, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if err := l.guard.RequireNotPaused(ctx, q); err != nil {
			return err
		}
		cm, err := getCommitment(ctx, q, id)
		if err != nil {
			return err
		}
		if c.Now < cm.ExpiresAt {
			return apperrors.WithMetadata(apperrors.CodeNotExpired, "commitment has not expired",
				map[string]string{"commitment_id": id, "expires_at": fmt.Sprint(cm.ExpiresAt)})
		}
		if cm.Status == StatusSettled {
			return apperrors.WithMetadata(apperrors.CodeAlreadySettled, "commitment already settled",
				map[string]string{"commitment_id": id})
		}
		if cm.Status != StatusActive {
			return notActive(cm)
		}

		paid = cm.CurrentValue
		cm.Status = StatusSettled
		cm.CurrentValue = 0
		if err := saveCommitment(ctx, q, cm); err != nil {
			return err
		}
		if err := removeOwnerIndex(ctx, q, cm.Owner, id); err != nil {
			return err
		}
		if err := adjustTVL(ctx, q, -paid); err != nil {
			return err
		}

		if paid > 0 {
			if err := l.assets.Transfer(ctx, cm.Asset, l.self, cm.Owner, paid); err != nil {
				return apperrors.WrapIfUntyped(apperrors.CodeTransferFailed, "transfer settlement", err)
			}
			c.OnUndo(func(ctx context.Context) error {
				return l.assets.Transfer(ctx, cm.Asset, cm.Owner, l.self, paid)
			})
		}
		if cm.PositionTokenID != 0 {
			if err := l.registry.Settle(ctx, l.self, cm.PositionTokenID); err != nil {
				return apperrors.WrapIfUntyped(apperrors.CodeTransferFailed, "settle position token", err)
			}
		}

		return c.Emit(ctx, q, logging.TopicSettled, id, map[string]any{
			"owner":  string(cm.Owner),
			"amount": paid,
		})
	})
	if err != nil {
		return 0, err
	}
	return paid, nil
}

// #endregion settle

// #region early-exit
// EarlyExit closes an active commitment before maturity at the owner's
// request. The penalty share stays in custody.
func (l *Ledger) EarlyExit(ctx context.Context, caller core.Address, id string) (int64, error) {
	var returned int64
	err := l.runner.Run(ctx, "early_exit", id, caller, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if err := l.guard.RequireNotPaused(ctx, q); err != nil {
			return err
		}
		cm, err := getCommitment(ctx, q, id)
		if err != nil {
			return err
		}
		if caller != cm.Owner {
			return apperrors.WithMetadata(apperrors.CodeUnauthorized, "caller is not the commitment owner",
				map[string]string{"commitment_id": id, "caller": string(caller)})
		}
		if cm.Status != StatusActive {
			return notActive(cm)
		}

		value := cm.CurrentValue
		penalty := core.PercentOf(value, cm.Rules.EarlyExitPenaltyPercent)
		returned = value - penalty

		cm.Status = StatusEarlyExit
		cm.CurrentValue = 0
		if err := saveCommitment(ctx, q, cm); err != nil {
			return err
		}
		if err := removeOwnerIndex(ctx, q, cm.Owner, id); err != nil {
			return err
		}
		if err := adjustTVL(ctx, q, -value); err != nil {
			return err
		}

		if returned > 0 {
			if err := l.assets.Transfer(ctx, cm.Asset, l.self, cm.Owner, returned); err != nil {
				return apperrors.WrapIfUntyped(apperrors.CodeTransferFailed, "transfer early exit", err)
			}
			c.OnUndo(func(ctx context.Context) error {
				return l.assets.Transfer(ctx, cm.Asset, cm.Owner, l.self, returned)
			})
		}
		if cm.PositionTokenID != 0 {
			if err := l.registry.MarkInactive(ctx, l.self, cm.PositionTokenID); err != nil {
				return apperrors.WrapIfUntyped(apperrors.CodeTransferFailed, "deactivate position token", err)
			}
		}

		return c.Emit(ctx, q, logging.TopicEarlyExit, id, map[string]any{
			"owner":    string(cm.Owner),
			"penalty":  penalty,
			"returned": returned,
		})
	})
	if err != nil {
		return 0, err
	}
	return returned, nil
}

// #endregion early-exit

// #region allocate
// Allocate moves amount of an active commitment's value out of custody into
// targetPool. The status is unchanged.
func (l *Ledger) Allocate(ctx context.Context, caller core.Address, id string, targetPool core.Address, amount int64) error {
	return l.runner.Run(ctx, "allocate", id, caller, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if err := l.guard.RequireAuthorizedUpdater(ctx, q, caller); err != nil {
			return err
		}
		if err := l.guard.RequireNotPaused(ctx, q); err != nil {
			return err
		}
		if targetPool.IsZero() {
			return apperrors.New(apperrors.CodeZeroAddress, "target pool cannot be the zero address")
		}
		if err := l.guard.CheckRateLimit(ctx, q, targetPool, FnAllocate, c.Now); err != nil {
			return err
		}
		if amount <= 0 {
			return apperrors.New(apperrors.CodeInvalidAmount, "amount must be greater than zero")
		}
		cm, err := getCommitment(ctx, q, id)
		if err != nil {
			return err
		}
		if cm.Status != StatusActive {
			return notActive(cm)
		}
		if amount > cm.CurrentValue {
			return apperrors.WithMetadata(apperrors.CodeInsufficientBalance, "allocation exceeds current value",
				map[string]string{"commitment_id": id, "current_value": fmt.Sprint(cm.CurrentValue), "amount": fmt.Sprint(amount)})
		}

		cm.CurrentValue -= amount
		if err := saveCommitment(ctx, q, cm); err != nil {
			return err
		}
		if err := adjustTVL(ctx, q, -amount); err != nil {
			return err
		}

		if err := l.assets.Transfer(ctx, cm.Asset, l.self, targetPool, amount); err != nil {
			return apperrors.WrapIfUntyped(apperrors.CodeTransferFailed, "transfer allocation", err)
		}
		c.OnUndo(func(ctx context.Context) error {
			return l.assets.Transfer(ctx, cm.Asset, targetPool, l.self, amount)
		})

		return c.Emit(ctx, q, logging.TopicAllocated, id, map[string]any{
			"target_pool": string(targetPool),
			"amount":      amount,
		})
	})
}

// #endregion allocate

func notActive(cm Commitment) error {
	return apperrors.WithMetadata(apperrors.CodeNotActive, "commitment is not active",
		map[string]string{"commitment_id": cm.ID, "status": cm.Status.String()})
}

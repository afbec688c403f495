package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

const (
	keyRegistry         = "token_registry"
	keyTotalCommitments = "total_commitments"
	keyTotalValueLocked = "total_value_locked"
)

const commitmentColumns = `commitment_id, owner, asset, amount, current_value, duration_days, max_loss_percent,
	commitment_type, early_exit_penalty, min_fee_threshold, grace_period_days, created_at, expires_at, status,
	position_token_id`

// #region commitments
func insertCommitment(ctx context.Context, q store.Querier, cm Commitment, seq int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO commitments (`+commitmentColumns+`, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cm.ID, string(cm.Owner), string(cm.Asset), cm.Amount, cm.CurrentValue,
		int64(cm.Rules.DurationDays), int64(cm.Rules.MaxLossPercent), cm.Rules.Type.String(),
		int64(cm.Rules.EarlyExitPenaltyPercent), cm.Rules.MinFeeThreshold, int64(cm.Rules.GracePeriodDays),
		cm.CreatedAt, cm.ExpiresAt, cm.Status.String(), cm.PositionTokenID, seq,
	)
	if err != nil {
		return storageErr("insert commitment", err)
	}
	return nil
}

func saveCommitment(ctx context.Context, q store.Querier, cm Commitment) error {
	_, err := q.ExecContext(ctx,
		`UPDATE commitments SET current_value = ?, status = ? WHERE commitment_id = ?`,
		cm.CurrentValue, cm.Status.String(), cm.ID,
	)
	if err != nil {
		return storageErr("update commitment", err)
	}
	return nil
}

func setPositionToken(ctx context.Context, q store.Querier, id string, tokenID int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE commitments SET position_token_id = ? WHERE commitment_id = ?`, tokenID, id); err != nil {
		return storageErr("bind position token", err)
	}
	return nil
}

func getCommitment(ctx context.Context, q store.Querier, id string) (Commitment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE commitment_id = ?`, id)
	cm, err := scanCommitment(row)
	if err == sql.ErrNoRows {
		return Commitment{}, apperrors.WithMetadata(apperrors.CodeNotFound, "commitment not found",
			map[string]string{"commitment_id": id})
	}
	if err != nil {
		return Commitment{}, storageErr("read commitment", err)
	}
	return cm, nil
}

func listCommitments(ctx context.Context, q store.Querier, f ListFilter) ([]Commitment, error) {
	query := `SELECT ` + commitmentColumns + ` FROM commitments WHERE 1=1`
	var args []any
	if f.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, string(f.Owner))
	}
	if f.Status != 0 {
		query += ` AND status = ?`
		args = append(args, f.Status.String())
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list commitments", err)
	}
	defer rows.Close()

	out := []Commitment{}
	for rows.Next() {
		cm, err := scanCommitment(rows)
		if err != nil {
			return nil, storageErr("scan commitment", err)
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommitment(s scanner) (Commitment, error) {
	var cm Commitment
	var owner, asset, typ, status string
	err := s.Scan(&cm.ID, &owner, &asset, &cm.Amount, &cm.CurrentValue,
		&cm.Rules.DurationDays, &cm.Rules.MaxLossPercent, &typ,
		&cm.Rules.EarlyExitPenaltyPercent, &cm.Rules.MinFeeThreshold, &cm.Rules.GracePeriodDays,
		&cm.CreatedAt, &cm.ExpiresAt, &status, &cm.PositionTokenID)
	if err != nil {
		return Commitment{}, err
	}
	cm.Owner = core.Address(owner)
	cm.Asset = core.Address(asset)
	if cm.Rules.Type, err = ParseCommitmentType(typ); err != nil {
		return Commitment{}, err
	}
	if cm.Status, err = ParseStatus(status); err != nil {
		return Commitment{}, err
	}
	return cm, nil
}

func custodiedValueSum(ctx context.Context, q store.Querier) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(current_value), 0) FROM commitments WHERE status IN (?, ?)`,
		StatusActive.String(), StatusViolated.String(),
	).Scan(&sum)
	if err != nil {
		return 0, storageErr("sum custodied value", err)
	}
	return sum, nil
}

// #endregion commitments

// #region owner-index
func appendOwnerIndex(ctx context.Context, q store.Querier, owner core.Address, id string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO owner_commitments (owner, commitment_id, position)
		 SELECT ?, ?, COALESCE(MAX(position), -1) + 1 FROM owner_commitments WHERE owner = ?`,
		string(owner), id, string(owner),
	)
	if err != nil {
		return storageErr("append owner index", err)
	}
	return nil
}

func removeOwnerIndex(ctx context.Context, q store.Querier, owner core.Address, id string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM owner_commitments WHERE owner = ? AND commitment_id = ?`, string(owner), id)
	if err != nil {
		return storageErr("remove owner index", err)
	}
	return nil
}

func ownerCommitments(ctx context.Context, q store.Querier, owner core.Address) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT commitment_id FROM owner_commitments WHERE owner = ? ORDER BY position ASC`, string(owner))
	if err != nil {
		return nil, storageErr("list owner commitments", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan owner commitment", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// #endregion owner-index

// #region aggregates
// adjustTVL applies delta to the locked-value aggregate. A decrease floors at
// zero; an increase that would overflow is rejected.
func adjustTVL(ctx context.Context, q store.Querier, delta int64) error {
	tvl, err := store.GetInt64(ctx, q, Contract, keyTotalValueLocked)
	if err != nil {
		return storageErr("read total value locked", err)
	}
	if delta > 0 && tvl > math.MaxInt64-delta {
		return apperrors.New(apperrors.CodeInvalidAmount, "total value locked would overflow")
	}
	tvl += delta
	if tvl < 0 {
		tvl = 0
	}
	if err := store.PutInt64(ctx, q, Contract, keyTotalValueLocked, tvl); err != nil {
		return storageErr("write total value locked", err)
	}
	return nil
}

// #endregion aggregates

func storageErr(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeStorage, fmt.Sprintf("ledger: %s", op), err)
}

package guard

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region types
// RateLimit is a sliding-window call budget for one function.
type RateLimit struct {
	Function      string
	WindowSeconds int64
	MaxCalls      int64
}

// #endregion types

// #region config
// SetRateLimit configures the budget for function. A MaxCalls or
// WindowSeconds of zero removes the limit.
func (g *Guard) SetRateLimit(ctx context.Context, q store.Querier, limit RateLimit) error {
	if limit.WindowSeconds < 0 || limit.MaxCalls < 0 {
		return apperrors.New(apperrors.CodeInvalidAmount, "rate limit window and max calls must be non-negative")
	}
	if limit.WindowSeconds == 0 || limit.MaxCalls == 0 {
		_, err := q.ExecContext(ctx, `DELETE FROM rate_limits WHERE scope = ? AND function = ?`, g.scope, limit.Function)
		if err != nil {
			return storageErr("clear rate limit", err)
		}
		return nil
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO rate_limits (scope, function, window_seconds, max_calls) VALUES (?, ?, ?, ?)
		 ON CONFLICT(scope, function) DO UPDATE SET window_seconds = excluded.window_seconds, max_calls = excluded.max_calls`,
		g.scope, limit.Function, limit.WindowSeconds, limit.MaxCalls,
	)
	if err != nil {
		return storageErr("set rate limit", err)
	}
	return nil
}

// GetRateLimit returns the configured budget for function. ok is false when
// the function is unlimited.
func (g *Guard) GetRateLimit(ctx context.Context, q store.Querier, function string) (limit RateLimit, ok bool, err error) {
	limit.Function = function
	err = q.QueryRowContext(ctx,
		`SELECT window_seconds, max_calls FROM rate_limits WHERE scope = ? AND function = ?`,
		g.scope, function,
	).Scan(&limit.WindowSeconds, &limit.MaxCalls)
	if err == sql.ErrNoRows {
		return limit, false, nil
	}
	if err != nil {
		return limit, false, storageErr("get rate limit", err)
	}
	return limit, true, nil
}

// SetRateLimitExempt adds or removes addr from the exemption list.
func (g *Guard) SetRateLimitExempt(ctx context.Context, q store.Querier, addr core.Address, exempt bool, now int64) error {
	if exempt {
		return g.AddMember(ctx, q, RoleRateExempt, addr, now)
	}
	return g.RemoveMember(ctx, q, RoleRateExempt, addr)
}

// #endregion config

// #region check
// CheckRateLimit records a call by addr to function at now and fails with
// RateLimited when the calls inside (now-window, now] already reach the
// budget. Exempt addresses and unlimited functions always pass. The call log
// is written through q, so a call that later aborts does not consume budget.
func (g *Guard) CheckRateLimit(ctx context.Context, q store.Querier, addr core.Address, function string, now int64) error {
	limit, ok, err := g.GetRateLimit(ctx, q, function)
	if err != nil || !ok {
		return err
	}
	exempt, err := g.IsMember(ctx, q, RoleRateExempt, addr)
	if err != nil || exempt {
		return err
	}

	windowStart := now - limit.WindowSeconds
	if _, err := q.ExecContext(ctx,
		`DELETE FROM rate_limit_calls WHERE scope = ? AND function = ? AND address = ? AND called_at <= ?`,
		g.scope, function, string(addr), windowStart,
	); err != nil {
		return storageErr("prune rate limit calls", err)
	}

	var calls int64
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_calls WHERE scope = ? AND function = ? AND address = ?`,
		g.scope, function, string(addr),
	).Scan(&calls); err != nil {
		return storageErr("count rate limit calls", err)
	}
	if calls >= limit.MaxCalls {
		return apperrors.WithMetadata(apperrors.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for %s", function),
			map[string]string{"function": function, "address": string(addr)})
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO rate_limit_calls (scope, function, address, called_at) VALUES (?, ?, ?, ?)`,
		g.scope, function, string(addr), now,
	); err != nil {
		return storageErr("record rate limit call", err)
	}
	return nil
}

// #endregion check

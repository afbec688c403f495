// Package core holds the primitives shared by the ledger, the compliance
// engine and the collaborators: account addresses and the integer math the
// lifecycle rules are expressed in.
package core

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// #region address

// Address identifies an account, a contract or a pool. Callers are
// authenticated by the host before an Address reaches this module.
type Address string

// ZeroAddress is the reserved all-zero account. It can never own a commitment
// or receive a position token.
const ZeroAddress Address = "GAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAWHF"

// IsZero reports whether a is the reserved zero address or empty.
func (a Address) IsZero() bool {
	return strings.TrimSpace(string(a)) == "" || a == ZeroAddress
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return string(a)
}

// #endregion address

// #region time

// SecondsPerDay converts rule durations (days) into ledger seconds.
const SecondsPerDay int64 = 86400

// Expiration returns now + days*86400. ok is false when the result would not
// fit in an int64 timestamp.
func Expiration(now int64, days uint32) (expiresAt int64, ok bool) {
	span := int64(days) * SecondsPerDay
	if now > math.MaxInt64-span {
		return 0, false
	}
	return now + span, true
}

// TimeRemaining returns max(0, expiresAt-now).
func TimeRemaining(now, expiresAt int64) int64 {
	if now >= expiresAt {
		return 0
	}
	return expiresAt - now
}

// #endregion time

// #region math

var hundred = decimal.NewFromInt(100)

// LossPercent returns trunc((locked-current)*100/locked), or 0 when locked <= 0.
// The result is negative when current exceeds locked. Computed in arbitrary
// precision so large amounts cannot overflow the intermediate product.
func LossPercent(locked, current int64) int64 {
	if locked <= 0 {
		return 0
	}
	loss := decimal.NewFromInt(locked).Sub(decimal.NewFromInt(current))
	q, _ := loss.Mul(hundred).QuoRem(decimal.NewFromInt(locked), 0)
	return q.IntPart()
}

// DrawdownPercent is LossPercent clamped at 0: gains never report a drawdown.
func DrawdownPercent(locked, current int64) int64 {
	if locked <= 0 || current >= locked {
		return 0
	}
	return LossPercent(locked, current)
}

// PercentOf returns floor(value*percent/100) for non-negative inputs.
func PercentOf(value int64, percent uint32) int64 {
	if value <= 0 || percent == 0 {
		return 0
	}
	q, _ := decimal.NewFromInt(value).Mul(decimal.NewFromInt(int64(percent))).QuoRem(hundred, 0)
	return q.IntPart()
}

// RatioPercent returns floor(part*100/whole) capped at limit, or 0 when
// whole <= 0 or part <= 0.
func RatioPercent(part, whole, limit int64) int64 {
	if whole <= 0 || part <= 0 {
		return 0
	}
	q, _ := decimal.NewFromInt(part).Mul(hundred).QuoRem(decimal.NewFromInt(whole), 0)
	if q.GreaterThan(decimal.NewFromInt(limit)) {
		return limit
	}
	return q.IntPart()
}

// SaturatingAdd returns a+b clamped to the int64 range.
func SaturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return a + b
}

// #endregion math

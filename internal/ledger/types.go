package ledger

import (
	"fmt"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
)

// #region status
// Status is the lifecycle state of a commitment. Active is the only
// non-terminal state.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusSettled
	StatusViolated
	StatusEarlyExit
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSettled:
		return "settled"
	case StatusViolated:
		return "violated"
	case StatusEarlyExit:
		return "early_exit"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "active":
		return StatusActive, nil
	case "settled":
		return StatusSettled, nil
	case "violated":
		return StatusViolated, nil
	case "early_exit":
		return StatusEarlyExit, nil
	default:
		return 0, fmt.Errorf("unknown status %q", raw)
	}
}

// Custodied reports whether funds for a commitment in this state are still
// held by the ledger. Settled and early-exited commitments have paid out;
// violated ones stay locked until an admin resolves them off-ledger.
func (s Status) Custodied() bool {
	return s == StatusActive || s == StatusViolated
}

// #endregion status

// #region commitment-type
// CommitmentType is the declared risk category.
type CommitmentType uint8

const (
	TypeSafe CommitmentType = iota + 1
	TypeBalanced
	TypeAggressive
)

func (t CommitmentType) String() string {
	switch t {
	case TypeSafe:
		return "safe"
	case TypeBalanced:
		return "balanced"
	case TypeAggressive:
		return "aggressive"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseCommitmentType maps the wire names onto CommitmentType.
func ParseCommitmentType(raw string) (CommitmentType, error) {
	switch raw {
	case "safe":
		return TypeSafe, nil
	case "balanced":
		return TypeBalanced, nil
	case "aggressive":
		return TypeAggressive, nil
	default:
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidCommitmentType, "invalid commitment type",
			map[string]string{"type": raw})
	}
}

// #endregion commitment-type

// #region rules
// Rules are the risk terms a commitment is created under.
type Rules struct {
	DurationDays            uint32
	MaxLossPercent          uint32
	Type                    CommitmentType
	EarlyExitPenaltyPercent uint32
	MinFeeThreshold         int64
	GracePeriodDays         uint32
}

// Validate checks the rules in declaration order and returns the first failure.
func (r Rules) Validate() error {
	if r.DurationDays == 0 {
		return apperrors.New(apperrors.CodeInvalidDuration, "duration must be greater than zero")
	}
	if r.MaxLossPercent > 100 {
		return apperrors.New(apperrors.CodeInvalidMaxLossPercent, "max loss percent must be between 0 and 100")
	}
	switch r.Type {
	case TypeSafe, TypeBalanced, TypeAggressive:
	default:
		return apperrors.New(apperrors.CodeInvalidCommitmentType, "invalid commitment type")
	}
	if r.EarlyExitPenaltyPercent > 100 {
		return apperrors.New(apperrors.CodeInvalidPenaltyPercent, "early exit penalty must be between 0 and 100")
	}
	if r.MinFeeThreshold < 0 {
		return apperrors.New(apperrors.CodeInvalidFeeThreshold, "min fee threshold must be non-negative")
	}
	return nil
}

// #endregion rules

// #region commitment
// Commitment is one escrowed position.
type Commitment struct {
	ID              string
	Owner           core.Address
	Asset           core.Address
	Amount          int64
	CurrentValue    int64
	Rules           Rules
	CreatedAt       int64
	ExpiresAt       int64
	Status          Status
	PositionTokenID int64
}

// LossPercent is the truncated loss of CurrentValue against Amount.
func (c Commitment) LossPercent() int64 {
	return core.LossPercent(c.Amount, c.CurrentValue)
}

// LossViolated reports a loss strictly above the rule threshold.
func (c Commitment) LossViolated() bool {
	return c.LossPercent() > int64(c.Rules.MaxLossPercent)
}

// ViolationDetails breaks a violation check into its parts.
type ViolationDetails struct {
	HasViolation     bool
	LossViolated     bool
	DurationViolated bool
	LossPercent      int64
	TimeRemaining    int64
}

// ListFilter narrows ListCommitments. A zero Status matches every status.
type ListFilter struct {
	Owner  core.Address
	Status Status
	Limit  int
}

// #endregion commitment

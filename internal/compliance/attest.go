package compliance

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/commitment-escrow/internal/contract"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// effect folds one attestation into the health state.
type effect func(hs *HealthState)

// #region attest
// Attest appends an attestation submitted by a whitelisted verifier. A
// fee_generation attestation adds data["amount"] to the fees generated; a
// drawdown attestation overwrites the last drawdown with data["percent"].
func (e *Engine) Attest(ctx context.Context, verifier core.Address, id, kind string, data *structpb.Struct, compliant bool) error {
	return e.runner.Run(ctx, "attest", id, verifier, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if _, err := e.admit(ctx, q, verifier, id); err != nil {
			return err
		}
		if kind == "" {
			return apperrors.New(apperrors.CodeInvalidAttestation, "attestation kind is required")
		}

		var fx effect
		switch kind {
		case KindFeeGeneration:
			amount, err := wholeNumber(data, DataAmount, apperrors.CodeInvalidAmount)
			if err != nil {
				return err
			}
			fx = addFees(amount)
		case KindDrawdown:
			percent, err := wholeNumber(data, DataPercent, apperrors.CodeInvalidPercent)
			if err != nil {
				return err
			}
			if percent > 100 {
				return apperrors.New(apperrors.CodeInvalidPercent, "drawdown percent must be between 0 and 100")
			}
			fx = setDrawdown(percent)
		}

		att := &Attestation{
			CommitmentID: id,
			Timestamp:    c.Now,
			Kind:         kind,
			Data:         data,
			Compliant:    compliant,
			VerifiedBy:   verifier,
		}
		return e.record(ctx, q, c, att, fx)
	})
}

// RecordFees records fee income as a fee_generation attestation.
func (e *Engine) RecordFees(ctx context.Context, caller core.Address, id string, amount int64) error {
	return e.runner.Run(ctx, "record_fees", id, caller, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if amount < 0 {
			return apperrors.New(apperrors.CodeInvalidAmount, "fee amount must not be negative")
		}
		if _, err := e.admit(ctx, q, caller, id); err != nil {
			return err
		}
		data := &structpb.Struct{Fields: map[string]*structpb.Value{DataAmount: exactNumber(amount)}}
		att := &Attestation{
			CommitmentID: id,
			Timestamp:    c.Now,
			Kind:         KindFeeGeneration,
			Data:         data,
			Compliant:    true,
			VerifiedBy:   caller,
		}
		if err := e.record(ctx, q, c, att, addFees(amount)); err != nil {
			return err
		}
		return c.Emit(ctx, q, logging.TopicFeesRecorded, id, map[string]any{"amount": amount})
	})
}

// RecordDrawdown records a point-in-time drawdown measurement. The
// attestation is compliant when the drawdown stays within the commitment's
// loss limit.
func (e *Engine) RecordDrawdown(ctx context.Context, caller core.Address, id string, percent int64) error {
	return e.runner.Run(ctx, "record_drawdown", id, caller, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if percent < 0 || percent > 100 {
			return apperrors.New(apperrors.CodeInvalidPercent, "drawdown percent must be between 0 and 100")
		}
		cm, err := e.admit(ctx, q, caller, id)
		if err != nil {
			return err
		}
		data := &structpb.Struct{Fields: map[string]*structpb.Value{DataPercent: exactNumber(percent)}}
		compliant := percent <= int64(cm.Rules.MaxLossPercent)
		att := &Attestation{
			CommitmentID: id,
			Timestamp:    c.Now,
			Kind:         KindDrawdown,
			Data:         data,
			Compliant:    compliant,
			VerifiedBy:   caller,
		}
		if err := e.record(ctx, q, c, att, setDrawdown(percent)); err != nil {
			return err
		}
		return c.Emit(ctx, q, logging.TopicDrawdown, id, map[string]any{
			"percent":   percent,
			"compliant": compliant,
		})
	})
}

// #endregion attest

// #region helpers
// admit runs the checks shared by every write: whitelisted caller, engine
// not paused, commitment known to the ledger.
func (e *Engine) admit(ctx context.Context, q store.Querier, caller core.Address, id string) (ledger.Commitment, error) {
	if err := e.requireVerifier(ctx, q, caller); err != nil {
		return ledger.Commitment{}, err
	}
	if err := e.guard.RequireNotPaused(ctx, q); err != nil {
		return ledger.Commitment{}, err
	}
	return e.ledger.GetCommitment(ctx, id)
}

func (e *Engine) record(ctx context.Context, q store.Querier, c *contract.Call, att *Attestation, fx effect) error {
	hs, err := getHealth(ctx, q, att.CommitmentID)
	if err != nil {
		return err
	}
	if fx != nil {
		fx(&hs)
	}
	hs.LastAttestation = att.Timestamp

	if err := insertAttestation(ctx, q, att); err != nil {
		return err
	}
	if err := saveHealth(ctx, q, hs); err != nil {
		return err
	}
	return c.Emit(ctx, q, logging.TopicAttested, att.CommitmentID, map[string]any{
		"kind":        att.Kind,
		"seq":         att.Seq,
		"compliant":   att.Compliant,
		"verified_by": string(att.VerifiedBy),
	})
}

func addFees(amount int64) effect {
	return func(hs *HealthState) {
		hs.FeesGenerated = core.SaturatingAdd(hs.FeesGenerated, amount)
	}
}

func setDrawdown(percent int64) effect {
	return func(hs *HealthState) {
		hs.LastDrawdownPercent = percent
	}
}

// maxExactInt is the largest magnitude a float64 holds without rounding.
const maxExactInt = 1 << 53

// exactNumber encodes n as a number while a float64 holds it exactly and as
// its decimal string beyond that.
func exactNumber(n int64) *structpb.Value {
	if n <= maxExactInt && n >= -maxExactInt {
		return structpb.NewNumberValue(float64(n))
	}
	return structpb.NewStringValue(strconv.FormatInt(n, 10))
}

// wholeNumber reads a non-negative integral number from data[key]. A decimal
// string is accepted for values a number cannot carry exactly.
func wholeNumber(data *structpb.Struct, key string, code apperrors.Code) (int64, error) {
	v, ok := data.GetFields()[key]
	if !ok {
		return 0, apperrors.New(code, fmt.Sprintf("attestation data is missing %q", key))
	}
	invalid := apperrors.New(code, fmt.Sprintf("attestation data %q must be a non-negative whole number", key))
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f < 0 || f != math.Trunc(f) || f >= math.MaxInt64 {
			return 0, invalid
		}
		return int64(f), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil || n < 0 {
			return 0, invalid
		}
		return n, nil
	}
	return 0, apperrors.New(code, fmt.Sprintf("attestation data %q must be a number", key))
}

// #endregion helpers

package compliance

import (
	"context"

	"github.com/danielpatrickdp/commitment-escrow/internal/contract"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// Scoring weights.
const (
	baseScore         = 100
	violationPenalty  = 20
	maxFeeBonus       = 100
	onScheduleBonus   = 10
	healthyScoreFloor = 80
)

// #region score
// Score computes a 0..100 compliance score.
//
// Every attestation flagged non-compliant or tagged violation costs 20
// points, each point of loss beyond the commitment's limit costs one, fees
// earn up to 100 points in proportion to the minimum fee threshold, and a
// commitment still within its term earns 10. Intermediate totals may leave
// the range; only the final value is clamped.
func Score(cm ledger.Commitment, atts []Attestation, fees, now int64) uint32 {
	score := int64(baseScore)

	for _, a := range atts {
		if !a.Compliant || a.Kind == KindViolation {
			score -= violationPenalty
		}
	}

	if cm.Amount > 0 {
		loss := cm.LossPercent()
		if limit := int64(cm.Rules.MaxLossPercent); loss > limit {
			score -= loss - limit
		}
	}

	if threshold := cm.Rules.MinFeeThreshold; threshold > 0 && fees > 0 {
		score += core.RatioPercent(fees, threshold, maxFeeBonus)
	}

	if cm.ExpiresAt > cm.CreatedAt {
		elapsed := now - cm.CreatedAt
		if elapsed < 0 {
			elapsed = 0
		}
		if core.RatioPercent(elapsed, cm.ExpiresAt-cm.CreatedAt, 101) <= 100 {
			score += onScheduleBonus
		}
	}

	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return uint32(score)
}

// CalculateComplianceScore scores id and caches the result in its health
// state.
func (e *Engine) CalculateComplianceScore(ctx context.Context, id string) (uint32, error) {
	var score uint32
	err := e.runner.Run(ctx, "calculate_score", id, e.self, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		cm, err := e.ledger.GetCommitment(ctx, id)
		if err != nil {
			return err
		}
		atts, err := listAttestations(ctx, q, id)
		if err != nil {
			return err
		}
		hs, err := getHealth(ctx, q, id)
		if err != nil {
			return err
		}

		score = Score(cm, atts, hs.FeesGenerated, c.Now)
		hs.ComplianceScore = score
		if err := saveHealth(ctx, q, hs); err != nil {
			return err
		}
		return c.Emit(ctx, q, logging.TopicScored, id, map[string]any{
			"score":        score,
			"attestations": len(atts),
		})
	})
	return score, err
}

// #endregion score

// #region verdict
// Verdict is the composite compliance decision with each gate exposed.
type Verdict struct {
	CommitmentID string
	Status       ledger.Status
	Compliant    bool
	LossOK       bool
	DurationOK   bool
	FeeOK        bool
	HealthOK     bool
	NoViolations bool
}

// Evaluate applies the compliance gates to an active commitment. Settled
// commitments are compliant; early-exited and violated ones are not.
//
// The grace period extends the term for both the duration gate and the
// expiry part of the violation check.
func Evaluate(cm ledger.Commitment, hm HealthMetrics, lossViolated bool, now int64) Verdict {
	v := Verdict{CommitmentID: cm.ID, Status: cm.Status}
	switch cm.Status {
	case ledger.StatusSettled:
		v.Compliant = true
		return v
	case ledger.StatusEarlyExit, ledger.StatusViolated:
		return v
	}

	grace := int64(cm.Rules.GracePeriodDays) * core.SecondsPerDay
	deadline := core.SaturatingAdd(cm.ExpiresAt, grace)

	v.LossOK = hm.DrawdownPercent <= int64(cm.Rules.MaxLossPercent)
	v.DurationOK = cm.Rules.DurationDays == 0 || now <= deadline
	v.FeeOK = cm.Rules.MinFeeThreshold <= 0 || hm.FeesGenerated >= cm.Rules.MinFeeThreshold
	v.HealthOK = hm.ComplianceScore == 0 || hm.ComplianceScore >= healthyScoreFloor
	v.NoViolations = !lossViolated && now < deadline
	v.Compliant = v.LossOK && v.DurationOK && v.FeeOK && v.HealthOK && v.NoViolations
	return v
}

// ComplianceVerdict evaluates id against the compliance gates using the
// cached score.
func (e *Engine) ComplianceVerdict(ctx context.Context, id string) (Verdict, error) {
	var v Verdict
	err := e.runner.View(ctx, "verdict", func(ctx context.Context, q store.Querier) error {
		cm, err := e.ledger.GetCommitment(ctx, id)
		if err != nil {
			return err
		}
		details, err := e.ledger.GetViolationDetails(ctx, id)
		if err != nil {
			return err
		}
		hs, err := getHealth(ctx, q, id)
		if err != nil {
			return err
		}
		v = Evaluate(cm, healthMetrics(cm, hs), details.LossViolated, e.now().Unix())
		return nil
	})
	return v, err
}

// VerifyCompliance reports whether id currently passes every gate.
func (e *Engine) VerifyCompliance(ctx context.Context, id string) (bool, error) {
	v, err := e.ComplianceVerdict(ctx, id)
	return v.Compliant, err
}

// #endregion verdict

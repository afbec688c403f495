package compliance

import (
	"testing"

	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
)

// #region score-tests
func flagged(n int) []Attestation {
	out := make([]Attestation, n)
	for i := range out {
		out[i] = Attestation{Kind: KindHealthCheck, Compliant: false}
	}
	return out
}

func TestScore(t *testing.T) {
	const created, term = int64(1_000_000), int64(30 * 86400)
	base := ledger.Commitment{
		Amount:       1000,
		CurrentValue: 1000,
		Rules:        ledger.Rules{MaxLossPercent: 10},
		CreatedAt:    created,
		ExpiresAt:    created + term,
		Status:       ledger.StatusActive,
	}
	with := func(fn func(*ledger.Commitment)) ledger.Commitment {
		cm := base
		fn(&cm)
		return cm
	}

	cases := []struct {
		name string
		cm   ledger.Commitment
		atts []Attestation
		fees int64
		now  int64
		want uint32
	}{
		{"clean commitment is capped at 100", base, nil, 0, created, 100},
		{"each flagged attestation costs 20", base, flagged(3), 0, created, 50},
		{"violation kind counts even when compliant", base, []Attestation{{Kind: KindViolation, Compliant: true}}, 0, created, 90},
		{"no schedule bonus past the term", base, flagged(3), 0, created + term + term/2, 40},
		{"schedule bonus survives the first percent past expiry", base, flagged(3), 0, created + term + 1, 50},
		{"loss beyond limit costs a point each", with(func(c *ledger.Commitment) { c.CurrentValue = 700 }), flagged(2), 0, created, 50},
		{"gains are not penalised", with(func(c *ledger.Commitment) { c.CurrentValue = 1200 }), flagged(2), 0, created, 70},
		{"fee bonus is proportional", with(func(c *ledger.Commitment) { c.Rules.MinFeeThreshold = 100 }), flagged(4), 50, created, 80},
		{"fee bonus is capped at 100", with(func(c *ledger.Commitment) { c.Rules.MinFeeThreshold = 100 }), flagged(8), 1000, created, 50},
		{"fees ignored without a threshold", base, flagged(4), 1000, created, 30},
		{"negative totals are only clamped at the end", with(func(c *ledger.Commitment) { c.Rules.MinFeeThreshold = 100 }), flagged(10), 1000, created, 10},
		{"floor at zero", base, flagged(10), 0, created, 0},
		{"zero amount skips the loss term", with(func(c *ledger.Commitment) { c.Amount = 0; c.CurrentValue = 0 }), flagged(1), 0, created, 90},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Score(tc.cm, tc.atts, tc.fees, tc.now); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestCalculateComplianceScoreCaches(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())

	for i := 0; i < 2; i++ {
		if err := h.engine.Attest(h.ctx, verifier, id, KindViolation, nil, false); err != nil {
			t.Fatal(err)
		}
	}
	score, err := h.engine.CalculateComplianceScore(h.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if score != 70 {
		t.Fatalf("expected 70, got %d", score)
	}
	if got := h.metrics(id).ComplianceScore; got != 70 {
		t.Fatalf("expected cached 70, got %d", got)
	}

	evs := h.events(logging.Filter{Topic: logging.TopicScored})
	if len(evs) != 1 || evs[0].Actor != string(engineAddr) {
		t.Fatalf("expected one score event by the engine, got %+v", evs)
	}

	_, err = h.engine.CalculateComplianceScore(h.ctx, "c_missing")
	expectCode(t, err, apperrors.CodeNotFound)
}

// #endregion score-tests

// #region verdict-tests
func TestVerdictActiveCommitment(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())

	v := h.verdict(id)
	if !v.Compliant || !v.LossOK || !v.DurationOK || !v.FeeOK || !v.HealthOK || !v.NoViolations {
		t.Fatalf("fresh commitment should pass every gate: %+v", v)
	}
	ok, err := h.engine.VerifyCompliance(h.ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected compliant, got %v (%v)", ok, err)
	}
}

func TestVerdictGates(t *testing.T) {
	t.Run("fee threshold unmet", func(t *testing.T) {
		h := newHarness(t)
		r := rules()
		r.MinFeeThreshold = 100
		id := h.create(1000, r)

		if v := h.verdict(id); v.Compliant || v.FeeOK {
			t.Fatalf("expected fee gate to fail: %+v", v)
		}
		if err := h.engine.RecordFees(h.ctx, verifier, id, 100); err != nil {
			t.Fatal(err)
		}
		if v := h.verdict(id); !v.Compliant {
			t.Fatalf("expected compliance once fees meet the threshold: %+v", v)
		}
	})

	t.Run("recorded drawdown beyond limit", func(t *testing.T) {
		h := newHarness(t)
		id := h.create(1000, rules())
		if err := h.engine.RecordDrawdown(h.ctx, verifier, id, 30); err != nil {
			t.Fatal(err)
		}
		if v := h.verdict(id); v.Compliant || v.LossOK {
			t.Fatalf("expected loss gate to fail: %+v", v)
		}
	})

	t.Run("low cached score", func(t *testing.T) {
		h := newHarness(t)
		id := h.create(1000, rules())
		for i := 0; i < 3; i++ {
			if err := h.engine.Attest(h.ctx, verifier, id, KindHealthCheck, nil, false); err != nil {
				t.Fatal(err)
			}
		}
		if v := h.verdict(id); !v.HealthOK {
			t.Fatalf("an uncalculated score must not fail the health gate: %+v", v)
		}
		if _, err := h.engine.CalculateComplianceScore(h.ctx, id); err != nil {
			t.Fatal(err)
		}
		if v := h.verdict(id); v.Compliant || v.HealthOK {
			t.Fatalf("expected health gate to fail at score 50: %+v", v)
		}
	})
}

func TestVerdictExpiryAndGracePeriod(t *testing.T) {
	h := newHarness(t)
	strict := h.create(1000, rules())
	r := rules()
	r.GracePeriodDays = 3
	lenient := h.create(1000, r)

	h.clock.advance(30 * day)
	if v := h.verdict(strict); v.Compliant || v.NoViolations || !v.DurationOK {
		t.Fatalf("at expiry the violation check fails while the duration gate holds: %+v", v)
	}

	h.clock.advance(day)
	if v := h.verdict(strict); v.Compliant || v.DurationOK {
		t.Fatalf("expected strict commitment to fail after expiry: %+v", v)
	}
	if v := h.verdict(lenient); !v.Compliant {
		t.Fatalf("expected grace period to keep the commitment compliant: %+v", v)
	}

	h.clock.advance(3 * day)
	if v := h.verdict(lenient); v.Compliant || v.DurationOK {
		t.Fatalf("expected failure once the grace period ends: %+v", v)
	}
}

func TestVerdictResolvedStatuses(t *testing.T) {
	h := newHarness(t)
	violated := h.create(1000, rules())
	exited := h.create(1000, rules())
	settled := h.create(1000, rules())

	if err := h.ledger.UpdateValue(h.ctx, admin, violated, 500); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ledger.EarlyExit(h.ctx, owner, exited); err != nil {
		t.Fatal(err)
	}
	h.clock.advance(30 * day)
	if _, err := h.ledger.Settle(h.ctx, owner, settled); err != nil {
		t.Fatal(err)
	}

	for id, want := range map[string]bool{violated: false, exited: false, settled: true} {
		v := h.verdict(id)
		if v.Compliant != want {
			t.Fatalf("%s (%s): expected compliant=%v, got %+v", id, v.Status, want, v)
		}
	}
}

// #endregion verdict-tests

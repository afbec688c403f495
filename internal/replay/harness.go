// Package replay drives the ledger and the compliance engine through scripted
// scenarios and checks expectations and the value-locked invariant after
// every step.
package replay

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/commitment-escrow/internal/asset"
	"github.com/danielpatrickdp/commitment-escrow/internal/compliance"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/position"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region types

// StepResult captures the outcome of one scenario step.
type StepResult struct {
	StepID     string
	Op         string
	Outcome    string // "ok" | "error"
	Code       string
	Detail     string
	TVL        int64
	Mismatches []string
}

// Passed reports whether every expectation held.
func (r StepResult) Passed() bool { return len(r.Mismatches) == 0 }

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalSteps int
	OK         int
	Errors     int
	Failed     int
	FinalTVL   int64
}

// Summarize computes aggregate stats from step results.
func Summarize(results []StepResult) Summary {
	s := Summary{TotalSteps: len(results)}
	for _, r := range results {
		if r.Outcome == "ok" {
			s.OK++
		} else {
			s.Errors++
		}
		if !r.Passed() {
			s.Failed++
		}
	}
	if n := len(results); n > 0 {
		s.FinalTVL = results[n-1].TVL
	}
	return s
}

// #endregion types

// #region env

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

// Env is the wiring a scenario runs against.
type Env struct {
	Store  *store.Store
	Assets *asset.Ledger
	Tokens *position.Store
	Ledger *ledger.Ledger
	Engine *compliance.Engine

	scenario *Scenario
	clock    *clock
	refs     map[string]string
	paid     int64
}

// NewEnv wires the collaborators, initializes both contracts, grants the
// scenario's roles and funds its balances.
func NewEnv(ctx context.Context, s *store.Store, sc *Scenario) (*Env, error) {
	env := &Env{
		Store:    s,
		Assets:   asset.NewLedger(s),
		Tokens:   position.NewStore(s, sc.Ledger),
		scenario: sc,
		clock:    &clock{t: time.Unix(sc.StartTime, 0)},
		refs:     map[string]string{},
	}
	env.Ledger = ledger.New(s, env.Assets, env.Tokens, sc.Ledger, ledger.WithClock(env.clock.now))
	env.Engine = compliance.New(s, env.Ledger, sc.Engine, compliance.WithClock(env.clock.now))

	if err := env.Ledger.Initialize(ctx, sc.Admin, sc.Registry); err != nil {
		return nil, fmt.Errorf("initialize ledger: %w", err)
	}
	if err := env.Engine.Initialize(ctx, sc.Admin, sc.Ledger); err != nil {
		return nil, fmt.Errorf("initialize compliance: %w", err)
	}
	for _, u := range sc.Updaters {
		if err := env.Ledger.AddUpdater(ctx, sc.Admin, u); err != nil {
			return nil, fmt.Errorf("add updater %s: %w", u, err)
		}
	}
	for _, v := range sc.Verifiers {
		if err := env.Engine.AddVerifier(ctx, sc.Admin, v); err != nil {
			return nil, fmt.Errorf("add verifier %s: %w", v, err)
		}
	}
	for holder, amount := range sc.Balances {
		if err := env.Assets.Mint(ctx, sc.Asset, core.Address(holder), amount); err != nil {
			return nil, fmt.Errorf("fund %s: %w", holder, err)
		}
	}
	return env, nil
}

// #endregion env

// #region replay

// Replay runs every step of sc against a fresh environment on s.
func Replay(ctx context.Context, s *store.Store, sc *Scenario) ([]StepResult, error) {
	env, err := NewEnv(ctx, s, sc)
	if err != nil {
		return nil, err
	}
	results := make([]StepResult, 0, len(sc.Steps))
	for i, st := range sc.Steps {
		r := env.Step(ctx, st)
		if r.StepID == "" {
			r.StepID = fmt.Sprintf("step-%d", i+1)
		}
		results = append(results, r)
	}
	return results, nil
}

// Step applies one step and evaluates its expectations.
func (env *Env) Step(ctx context.Context, st Step) StepResult {
	r := StepResult{StepID: st.ID, Op: st.Op, Outcome: "ok"}
	env.paid = 0

	if err := env.apply(ctx, st); err != nil {
		r.Outcome = "error"
		r.Code = string(apperrors.CodeOf(err))
		r.Detail = err.Error()
	}

	switch {
	case st.Expect.Error != "" && r.Code != st.Expect.Error:
		r.Mismatches = append(r.Mismatches, fmt.Sprintf("expected error %s, got %q", st.Expect.Error, r.Code))
	case st.Expect.Error == "" && r.Outcome == "error":
		r.Mismatches = append(r.Mismatches, fmt.Sprintf("unexpected error: %s", r.Detail))
	}

	r.Mismatches = append(r.Mismatches, env.check(ctx, st)...)

	tvl, err := env.Ledger.TotalValueLocked(ctx)
	if err != nil {
		r.Mismatches = append(r.Mismatches, fmt.Sprintf("read tvl: %v", err))
		return r
	}
	r.TVL = tvl
	sum, err := env.Ledger.CustodiedValueSum(ctx)
	if err != nil {
		r.Mismatches = append(r.Mismatches, fmt.Sprintf("read custodied sum: %v", err))
	} else if sum != tvl {
		r.Mismatches = append(r.Mismatches, fmt.Sprintf("invariant: tvl %d != custodied sum %d", tvl, sum))
	}
	return r
}

func (env *Env) apply(ctx context.Context, st Step) error {
	caller := st.Caller
	if caller == "" {
		caller = env.scenario.Admin
	}
	id := env.resolve(st.Commitment)

	switch st.Op {
	case "create":
		if st.Rules == nil {
			return apperrors.New(apperrors.CodeInvalidDuration, "create step has no rules")
		}
		rules, err := st.Rules.ToRules()
		if err != nil {
			return err
		}
		created, err := env.Ledger.CreateCommitment(ctx, caller, st.Amount, env.scenario.Asset, rules)
		if err != nil {
			return err
		}
		if st.ID != "" {
			env.refs[st.ID] = created
		}
		return nil
	case "update_value":
		return env.Ledger.UpdateValue(ctx, caller, id, st.Value)
	case "settle":
		paid, err := env.Ledger.Settle(ctx, caller, id)
		env.paid = paid
		return err
	case "early_exit":
		paid, err := env.Ledger.EarlyExit(ctx, caller, id)
		env.paid = paid
		return err
	case "allocate":
		return env.Ledger.Allocate(ctx, caller, id, st.Pool, st.Amount)
	case "pause":
		return env.Ledger.Pause(ctx, caller)
	case "unpause":
		return env.Ledger.Unpause(ctx, caller)
	case "attest":
		data, err := structpb.NewStruct(st.Data)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInvalidAttestation, "attestation data", err)
		}
		compliant := true
		if st.Compliant != nil {
			compliant = *st.Compliant
		}
		return env.Engine.Attest(ctx, caller, id, st.Kind, data, compliant)
	case "record_fees":
		return env.Engine.RecordFees(ctx, caller, id, st.Amount)
	case "record_drawdown":
		return env.Engine.RecordDrawdown(ctx, caller, id, st.Percent)
	case "score":
		_, err := env.Engine.CalculateComplianceScore(ctx, id)
		return err
	case "advance":
		env.clock.t = env.clock.t.Add(time.Duration(st.Days)*24*time.Hour + time.Duration(st.Seconds)*time.Second)
		return nil
	case "check":
		return nil
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func (env *Env) resolve(ref string) string {
	if id, ok := env.refs[ref]; ok {
		return id
	}
	return ref
}

// check evaluates the step's expectations against current state.
func (env *Env) check(ctx context.Context, st Step) []string {
	var out []string
	exp := st.Expect
	id := env.resolve(st.Commitment)
	if st.Op == "create" {
		id = env.refs[st.ID]
	}

	if exp.ID != "" && id != exp.ID {
		out = append(out, fmt.Sprintf("id: expected %s, got %s", exp.ID, id))
	}
	if exp.Paid != nil && env.paid != *exp.Paid {
		out = append(out, fmt.Sprintf("paid: expected %d, got %d", *exp.Paid, env.paid))
	}
	if exp.TVL != nil {
		if tvl, err := env.Ledger.TotalValueLocked(ctx); err != nil || tvl != *exp.TVL {
			out = append(out, fmt.Sprintf("tvl: expected %d, got %d (%v)", *exp.TVL, tvl, err))
		}
	}
	for holder, want := range exp.Balances {
		got, err := env.Assets.BalanceOf(ctx, env.scenario.Asset, core.Address(holder))
		if err != nil || got != want {
			out = append(out, fmt.Sprintf("balance %s: expected %d, got %d (%v)", holder, want, got, err))
		}
	}

	if exp.Status != "" || exp.Value != nil {
		cm, err := env.Ledger.GetCommitment(ctx, id)
		switch {
		case err != nil:
			out = append(out, fmt.Sprintf("commitment %s: %v", id, err))
		default:
			if exp.Status != "" && cm.Status.String() != exp.Status {
				out = append(out, fmt.Sprintf("status: expected %s, got %s", exp.Status, cm.Status))
			}
			if exp.Value != nil && cm.CurrentValue != *exp.Value {
				out = append(out, fmt.Sprintf("value: expected %d, got %d", *exp.Value, cm.CurrentValue))
			}
		}
	}
	if exp.Violated != nil {
		if v, err := env.Ledger.CheckViolations(ctx, id); err != nil || v != *exp.Violated {
			out = append(out, fmt.Sprintf("violated: expected %v, got %v (%v)", *exp.Violated, v, err))
		}
	}

	if exp.Fees != nil || exp.Drawdown != nil || exp.Score != nil {
		hm, err := env.Engine.GetHealthMetrics(ctx, id)
		if err != nil {
			out = append(out, fmt.Sprintf("health %s: %v", id, err))
		} else {
			if exp.Fees != nil && hm.FeesGenerated != *exp.Fees {
				out = append(out, fmt.Sprintf("fees: expected %d, got %d", *exp.Fees, hm.FeesGenerated))
			}
			if exp.Drawdown != nil && hm.DrawdownPercent != *exp.Drawdown {
				out = append(out, fmt.Sprintf("drawdown: expected %d, got %d", *exp.Drawdown, hm.DrawdownPercent))
			}
			if exp.Score != nil && hm.ComplianceScore != *exp.Score {
				out = append(out, fmt.Sprintf("score: expected %d, got %d", *exp.Score, hm.ComplianceScore))
			}
		}
	}
	if exp.Compliant != nil {
		if ok, err := env.Engine.VerifyCompliance(ctx, id); err != nil || ok != *exp.Compliant {
			out = append(out, fmt.Sprintf("compliant: expected %v, got %v (%v)", *exp.Compliant, ok, err))
		}
	}
	return out
}

// #endregion replay

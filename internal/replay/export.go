package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/commitment-escrow/internal/compliance"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region export

// call is the set of events one top-level invocation emitted.
type call struct {
	id     string
	time   int64
	actor  core.Address
	commit string
	topics map[logging.Topic]logging.EventEntry
}

// Export rebuilds a scenario from the event log that replays the successful
// calls against the given commitments, followed by one check step per
// commitment pinning its final state. With no ids every commitment is
// exported and the final step also pins the value locked.
//
// Failed calls are skipped since their effects were rolled back, and so are
// admin calls: the exported scenario grants roles up front instead.
func Export(ctx context.Context, s *store.Store, l *ledger.Ledger, e *compliance.Engine, ids ...string) (*Scenario, error) {
	all := len(ids) == 0
	if all {
		cms, err := l.ListCommitments(ctx, ledger.ListFilter{})
		if err != nil {
			return nil, err
		}
		for _, cm := range cms {
			ids = append(ids, cm.ID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no commitments to export")
	}

	commitments := make(map[string]ledger.Commitment, len(ids))
	var asset core.Address
	for _, id := range ids {
		cm, err := l.GetCommitment(ctx, id)
		if err != nil {
			return nil, err
		}
		if asset != "" && cm.Asset != asset {
			return nil, fmt.Errorf("commitments use more than one asset (%s, %s)", asset, cm.Asset)
		}
		asset = cm.Asset
		commitments[id] = cm
	}

	admin, err := l.Admin(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := l.TokenRegistry(ctx)
	if err != nil {
		return nil, err
	}

	events, err := logging.ListEvents(ctx, s.DB(), logging.Filter{})
	if err != nil {
		return nil, err
	}
	calls := groupCalls(events, commitments)
	if len(calls) == 0 {
		return nil, fmt.Errorf("no recorded calls for the selected commitments")
	}

	sc := &Scenario{
		Description: fmt.Sprintf("Exported history of %d commitment(s).", len(ids)),
		StartTime:   calls[0].time,
		Admin:       admin,
		Asset:       asset,
		Ledger:      l.Address(),
		Registry:    registry,
		Engine:      e.Address(),
		Balances:    map[string]int64{},
	}
	updaters := map[core.Address]bool{}
	verifiers := map[core.Address]bool{}

	clock := sc.StartTime
	for _, c := range calls {
		st, err := stepFor(ctx, e, c, commitments)
		if err != nil {
			return nil, err
		}
		if st == nil {
			continue
		}
		if c.time > clock {
			sc.Steps = append(sc.Steps, Step{Op: "advance", Seconds: c.time - clock})
			clock = c.time
		}
		switch st.Op {
		case "create":
			sc.Balances[string(st.Caller)] += st.Amount
		case "update_value", "allocate":
			if st.Caller != admin {
				updaters[st.Caller] = true
			}
		case "attest", "record_fees", "record_drawdown":
			if st.Caller != admin {
				verifiers[st.Caller] = true
			}
		}
		sc.Steps = append(sc.Steps, *st)
	}
	sc.Updaters = sortedAddresses(updaters)
	sc.Verifiers = sortedAddresses(verifiers)

	for _, id := range ids {
		check, err := finalCheck(ctx, e, commitments[id])
		if err != nil {
			return nil, err
		}
		sc.Steps = append(sc.Steps, check)
	}
	if all {
		tvl, err := l.TotalValueLocked(ctx)
		if err != nil {
			return nil, err
		}
		sc.Steps[len(sc.Steps)-1].Expect.TVL = &tvl
	}
	return sc, nil
}

// MarshalScenario encodes sc in the format LoadScenario reads.
func MarshalScenario(sc *Scenario) ([]byte, error) {
	return yaml.Marshal(sc)
}

// groupCalls folds events into calls in log order, keeping only calls on the
// selected commitments that did not fail.
func groupCalls(events []logging.EventEntry, keep map[string]ledger.Commitment) []*call {
	byID := map[string]*call{}
	var order []*call
	for _, ev := range events {
		if _, ok := keep[ev.CommitmentID]; !ok || ev.CallID == "" {
			continue
		}
		c, ok := byID[ev.CallID]
		if !ok {
			c = &call{
				id:     ev.CallID,
				time:   ev.LedgerTime,
				actor:  core.Address(ev.Actor),
				commit: ev.CommitmentID,
				topics: map[logging.Topic]logging.EventEntry{},
			}
			byID[ev.CallID] = c
			order = append(order, c)
		}
		c.topics[ev.Topic] = ev
	}

	out := order[:0]
	for _, c := range order {
		if _, failed := c.topics[logging.TopicError]; failed {
			continue
		}
		out = append(out, c)
	}
	return out
}

// stepFor maps a call onto the step that reproduces it. Calls with no
// replayable effect return nil.
func stepFor(ctx context.Context, e *compliance.Engine, c *call, commitments map[string]ledger.Commitment) (*Step, error) {
	st := &Step{Caller: c.actor, Commitment: c.commit}
	has := func(t logging.Topic) (logging.EventEntry, bool) {
		ev, ok := c.topics[t]
		return ev, ok
	}

	if _, ok := has(logging.TopicCreated); ok {
		cm := commitments[c.commit]
		rules := fromRules(cm.Rules)
		return &Step{ID: c.commit, Op: "create", Caller: cm.Owner, Amount: cm.Amount, Rules: &rules}, nil
	}
	if ev, ok := has(logging.TopicFeesRecorded); ok {
		st.Op, st.Amount = "record_fees", payloadInt(ev.Payload, "amount")
		return st, nil
	}
	if ev, ok := has(logging.TopicDrawdown); ok {
		st.Op, st.Percent = "record_drawdown", payloadInt(ev.Payload, "percent")
		return st, nil
	}
	if ev, ok := has(logging.TopicAttested); ok {
		att, err := attestationAt(ctx, e, c.commit, payloadInt(ev.Payload, "seq"))
		if err != nil {
			return nil, err
		}
		compliant := att.Compliant
		st.Op, st.Kind, st.Compliant = "attest", att.Kind, &compliant
		if att.Data != nil && len(att.Data.GetFields()) > 0 {
			st.Data = att.Data.AsMap()
		}
		return st, nil
	}
	if ev, ok := has(logging.TopicValueUpdated); ok {
		st.Op, st.Value = "update_value", payloadInt(ev.Payload, "new_value")
		return st, nil
	}
	if ev, ok := has(logging.TopicAllocated); ok {
		st.Op, st.Amount = "allocate", payloadInt(ev.Payload, "amount")
		if pool, ok := ev.Payload["target_pool"].(string); ok {
			st.Pool = core.Address(pool)
		}
		return st, nil
	}
	if _, ok := has(logging.TopicSettled); ok {
		st.Op = "settle"
		return st, nil
	}
	if _, ok := has(logging.TopicEarlyExit); ok {
		st.Op = "early_exit"
		return st, nil
	}
	if _, ok := has(logging.TopicScored); ok {
		st.Op, st.Caller = "score", ""
		return st, nil
	}
	return nil, nil
}

func attestationAt(ctx context.Context, e *compliance.Engine, id string, seq int64) (compliance.Attestation, error) {
	atts, err := e.GetAttestations(ctx, id)
	if err != nil {
		return compliance.Attestation{}, err
	}
	for _, a := range atts {
		if a.Seq == seq {
			return a, nil
		}
	}
	return compliance.Attestation{}, fmt.Errorf("commitment %s: attestation %d not found", id, seq)
}

func finalCheck(ctx context.Context, e *compliance.Engine, cm ledger.Commitment) (Step, error) {
	hm, err := e.GetHealthMetrics(ctx, cm.ID)
	if err != nil {
		return Step{}, err
	}
	value, fees, drawdown, score := cm.CurrentValue, hm.FeesGenerated, hm.DrawdownPercent, hm.ComplianceScore
	return Step{
		Op:         "check",
		Commitment: cm.ID,
		Expect: Expect{
			Status:   cm.Status.String(),
			Value:    &value,
			Fees:     &fees,
			Drawdown: &drawdown,
			Score:    &score,
		},
	}, nil
}

// #endregion export

// #region helpers

func fromRules(r ledger.Rules) StepRules {
	return StepRules{
		DurationDays:            r.DurationDays,
		MaxLossPercent:          r.MaxLossPercent,
		Type:                    r.Type.String(),
		EarlyExitPenaltyPercent: r.EarlyExitPenaltyPercent,
		MinFeeThreshold:         r.MinFeeThreshold,
		GracePeriodDays:         r.GracePeriodDays,
	}
}

// payloadInt reads a numeric payload field.
func payloadInt(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func sortedAddresses(set map[core.Address]bool) []core.Address {
	if len(set) == 0 {
		return nil
	}
	out := make([]core.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// #endregion helpers

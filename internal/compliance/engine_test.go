package compliance

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/commitment-escrow/internal/asset"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/position"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

const (
	admin      core.Address = "GADMIN"
	owner      core.Address = "GOWNER"
	verifier   core.Address = "GVERIFIER"
	stranger   core.Address = "GSTRANGER"
	ledgerAddr core.Address = "GLEDGER"
	engineAddr core.Address = "GCOMPLIANCE"
	registry   core.Address = "GREGISTRY"
	usdc       core.Address = "USDC"
)

const day = 24 * time.Hour

// #region harness
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Store
	assets *asset.Ledger
	ledger *ledger.Ledger
	engine *Engine
	clock  *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "compliance.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  s,
		assets: asset.NewLedger(s),
		clock:  &clock{t: time.Unix(1_700_000_000, 0)},
	}
	h.ledger = ledger.New(s, h.assets, position.NewStore(s, ledgerAddr), ledgerAddr, ledger.WithClock(h.clock.now))
	h.engine = New(s, h.ledger, engineAddr, WithClock(h.clock.now))

	if err := h.ledger.Initialize(h.ctx, admin, registry); err != nil {
		t.Fatalf("initialize ledger: %v", err)
	}
	if err := h.engine.Initialize(h.ctx, admin, ledgerAddr); err != nil {
		t.Fatalf("initialize engine: %v", err)
	}
	if err := h.engine.AddVerifier(h.ctx, admin, verifier); err != nil {
		t.Fatalf("add verifier: %v", err)
	}
	return h
}

func (h *harness) create(amount int64, rules ledger.Rules) string {
	h.t.Helper()
	if err := h.assets.Mint(h.ctx, usdc, owner, amount); err != nil {
		h.t.Fatalf("fund: %v", err)
	}
	id, err := h.ledger.CreateCommitment(h.ctx, owner, amount, usdc, rules)
	if err != nil {
		h.t.Fatalf("create: %v", err)
	}
	return id
}

func (h *harness) metrics(id string) HealthMetrics {
	h.t.Helper()
	hm, err := h.engine.GetHealthMetrics(h.ctx, id)
	if err != nil {
		h.t.Fatalf("health metrics: %v", err)
	}
	return hm
}

func (h *harness) verdict(id string) Verdict {
	h.t.Helper()
	v, err := h.engine.ComplianceVerdict(h.ctx, id)
	if err != nil {
		h.t.Fatalf("verdict: %v", err)
	}
	return v
}

func (h *harness) events(f logging.Filter) []logging.EventEntry {
	h.t.Helper()
	evs, err := logging.ListEvents(h.ctx, h.store.DB(), f)
	if err != nil {
		h.t.Fatalf("list events: %v", err)
	}
	return evs
}

func rules() ledger.Rules {
	return ledger.Rules{DurationDays: 30, MaxLossPercent: 10, Type: ledger.TypeBalanced, EarlyExitPenaltyPercent: 10}
}

func payload(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	return s
}

func expectCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if !apperrors.HasCode(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

// #endregion harness

// #region admin-tests
func TestInitialize(t *testing.T) {
	h := newHarness(t)

	expectCode(t, h.engine.Initialize(h.ctx, admin, ledgerAddr), apperrors.CodeAlreadyInitialized)

	addr, err := h.engine.LedgerAddress(h.ctx)
	if err != nil || addr != ledgerAddr {
		t.Fatalf("expected ledger address %s, got %s (%v)", ledgerAddr, addr, err)
	}
	got, _ := h.engine.Admin(h.ctx)
	if got != admin {
		t.Fatalf("expected admin %s, got %s", admin, got)
	}
}

func TestInitializeRejectsZeroLedger(t *testing.T) {
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	e := New(s, nil, engineAddr)

	expectCode(t, e.Initialize(context.Background(), admin, core.ZeroAddress), apperrors.CodeZeroAddress)
	_, err = e.LedgerAddress(context.Background())
	expectCode(t, err, apperrors.CodeNotInitialized)
}

func TestVerifierWhitelist(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())

	expectCode(t, h.engine.AddVerifier(h.ctx, stranger, stranger), apperrors.CodeUnauthorized)
	expectCode(t, h.engine.Attest(h.ctx, stranger, id, KindHealthCheck, nil, true), apperrors.CodeUnauthorized)

	if err := h.engine.Attest(h.ctx, admin, id, KindHealthCheck, nil, true); err != nil {
		t.Fatalf("admin attest: %v", err)
	}

	if err := h.engine.RemoveVerifier(h.ctx, admin, verifier); err != nil {
		t.Fatal(err)
	}
	expectCode(t, h.engine.RecordFees(h.ctx, verifier, id, 5), apperrors.CodeUnauthorized)

	vs, err := h.engine.Verifiers(h.ctx)
	if err != nil || len(vs) != 0 {
		t.Fatalf("expected empty whitelist, got %v (%v)", vs, err)
	}
}

func TestPausedEngineRejectsWrites(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())

	if err := h.engine.Pause(h.ctx, admin); err != nil {
		t.Fatal(err)
	}
	expectCode(t, h.engine.Attest(h.ctx, verifier, id, KindHealthCheck, nil, true), apperrors.CodePaused)
	expectCode(t, h.engine.RecordDrawdown(h.ctx, verifier, id, 1), apperrors.CodePaused)

	if _, err := h.engine.GetHealthMetrics(h.ctx, id); err != nil {
		t.Fatalf("reads must stay available: %v", err)
	}

	if err := h.engine.Unpause(h.ctx, admin); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Attest(h.ctx, verifier, id, KindHealthCheck, nil, true); err != nil {
		t.Fatalf("attest after unpause: %v", err)
	}
}

// #endregion admin-tests

// #region attest-tests
func TestFeesAccumulateAcrossAttestations(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())

	for _, amount := range []float64{10, 20} {
		data := payload(t, map[string]any{DataAmount: amount})
		if err := h.engine.Attest(h.ctx, verifier, id, KindFeeGeneration, data, true); err != nil {
			t.Fatalf("attest %v: %v", amount, err)
		}
	}

	if got := h.metrics(id).FeesGenerated; got != 30 {
		t.Fatalf("expected fees 30, got %d", got)
	}

	atts, err := h.engine.GetAttestations(h.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 2 || atts[0].Seq != 1 || atts[1].Seq != 2 {
		t.Fatalf("expected two ordered attestations, got %+v", atts)
	}
	if atts[0].Data.GetFields()[DataAmount].GetNumberValue() != 10 || atts[1].VerifiedBy != verifier {
		t.Fatalf("attestation data not preserved: %+v", atts[0])
	}
}

func TestDrawdownLastWriteWins(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())

	for _, p := range []int64{5, 15} {
		if err := h.engine.RecordDrawdown(h.ctx, verifier, id, p); err != nil {
			t.Fatalf("record drawdown %d: %v", p, err)
		}
	}
	hm := h.metrics(id)
	if hm.DrawdownPercent != 15 || hm.LastDrawdownPercent != 15 {
		t.Fatalf("expected drawdown 15, got %+v", hm)
	}

	if err := h.engine.RecordDrawdown(h.ctx, verifier, id, 5); err != nil {
		t.Fatal(err)
	}
	if got := h.metrics(id).DrawdownPercent; got != 5 {
		t.Fatalf("expected overwrite to 5, got %d", got)
	}

	atts, _ := h.engine.GetAttestations(h.ctx, id)
	if len(atts) != 3 || !atts[0].Compliant || atts[1].Compliant || !atts[2].Compliant {
		t.Fatalf("expected compliance flags true,false,true against a 10%% limit: %+v", atts)
	}
	if len(h.events(logging.Filter{Topic: logging.TopicDrawdown})) != 3 {
		t.Fatal("expected a drawdown event per record")
	}
}

func TestLiveDrawdownFromLedger(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, ledger.Rules{DurationDays: 30, MaxLossPercent: 50, Type: ledger.TypeAggressive})

	if err := h.ledger.UpdateValue(h.ctx, admin, id, 750); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.RecordDrawdown(h.ctx, verifier, id, 10); err != nil {
		t.Fatal(err)
	}

	hm := h.metrics(id)
	if hm.LiveDrawdownPercent != 25 || hm.LastDrawdownPercent != 10 || hm.DrawdownPercent != 25 {
		t.Fatalf("unexpected drawdown breakdown %+v", hm)
	}
	if hm.InitialValue != 1000 || hm.CurrentValue != 750 {
		t.Fatalf("expected ledger values in metrics, got %+v", hm)
	}

	if err := h.ledger.UpdateValue(h.ctx, admin, id, 1200); err != nil {
		t.Fatal(err)
	}
	if hm := h.metrics(id); hm.LiveDrawdownPercent != 0 {
		t.Fatalf("gains must not report a drawdown, got %d", hm.LiveDrawdownPercent)
	}
}

func TestRecordFeesSaturates(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())

	if err := h.engine.RecordFees(h.ctx, verifier, id, math.MaxInt64); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.RecordFees(h.ctx, verifier, id, 5); err != nil {
		t.Fatal(err)
	}
	if got := h.metrics(id).FeesGenerated; got != math.MaxInt64 {
		t.Fatalf("expected saturation at MaxInt64, got %d", got)
	}
	expectCode(t, h.engine.RecordFees(h.ctx, verifier, id, -1), apperrors.CodeInvalidAmount)
}

func TestRecordFeesKeepsLargeAmountsExact(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())

	const amount = int64(1<<53 + 1)
	if err := h.engine.RecordFees(h.ctx, verifier, id, amount); err != nil {
		t.Fatal(err)
	}
	atts, err := h.engine.GetAttestations(h.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 1 {
		t.Fatalf("expected one attestation, got %d", len(atts))
	}
	got, err := wholeNumber(atts[0].Data, DataAmount, apperrors.CodeInvalidAmount)
	if err != nil || got != amount {
		t.Fatalf("expected recorded amount %d, got %d (%v)", amount, got, err)
	}
	if fees := h.metrics(id).FeesGenerated; fees != got {
		t.Fatalf("recorded amount %d disagrees with fees generated %d", got, fees)
	}

	// resubmitting the stored data reproduces the same total
	if err := h.engine.Attest(h.ctx, verifier, id, KindFeeGeneration, atts[0].Data, true); err != nil {
		t.Fatal(err)
	}
	if fees := h.metrics(id).FeesGenerated; fees != 2*amount {
		t.Fatalf("expected fees %d, got %d", 2*amount, fees)
	}
}

func TestAttestValidation(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())

	cases := []struct {
		name string
		kind string
		data map[string]any
		code apperrors.Code
	}{
		{"empty kind", "", nil, apperrors.CodeInvalidAttestation},
		{"missing amount", KindFeeGeneration, map[string]any{"fee_amount": 10}, apperrors.CodeInvalidAmount},
		{"non-numeric amount", KindFeeGeneration, map[string]any{DataAmount: "ten"}, apperrors.CodeInvalidAmount},
		{"boolean amount", KindFeeGeneration, map[string]any{DataAmount: true}, apperrors.CodeInvalidAmount},
		{"negative amount", KindFeeGeneration, map[string]any{DataAmount: -1}, apperrors.CodeInvalidAmount},
		{"fractional amount", KindFeeGeneration, map[string]any{DataAmount: 1.5}, apperrors.CodeInvalidAmount},
		{"percent over 100", KindDrawdown, map[string]any{DataPercent: 101}, apperrors.CodeInvalidPercent},
		{"missing percent", KindDrawdown, nil, apperrors.CodeInvalidPercent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var data *structpb.Struct
			if tc.data != nil {
				data = payload(t, tc.data)
			}
			expectCode(t, h.engine.Attest(h.ctx, verifier, id, tc.kind, data, true), tc.code)
		})
	}

	atts, _ := h.engine.GetAttestations(h.ctx, id)
	if len(atts) != 0 {
		t.Fatalf("rejected attestations were stored: %+v", atts)
	}
	if errs := h.events(logging.Filter{Topic: logging.TopicError}); len(errs) != len(cases) {
		t.Fatalf("expected %d error signals, got %d", len(cases), len(errs))
	}
}

func TestAttestUnknownCommitment(t *testing.T) {
	h := newHarness(t)
	expectCode(t, h.engine.Attest(h.ctx, verifier, "c_404", KindHealthCheck, nil, true), apperrors.CodeNotFound)
}

func TestFreeFormKindOnlyTouchesLastAttestation(t *testing.T) {
	h := newHarness(t)
	id := h.create(1000, rules())
	h.clock.advance(time.Hour)

	data := payload(t, map[string]any{"note": "rebalanced", DataAmount: 500})
	if err := h.engine.Attest(h.ctx, verifier, id, "rebalance", data, true); err != nil {
		t.Fatal(err)
	}
	hm := h.metrics(id)
	if hm.FeesGenerated != 0 || hm.LastDrawdownPercent != 0 {
		t.Fatalf("free-form kind changed aggregates: %+v", hm)
	}
	if hm.LastAttestation != h.clock.now().Unix() {
		t.Fatalf("expected last attestation %d, got %d", h.clock.now().Unix(), hm.LastAttestation)
	}
}

func TestGetAttestationsEmpty(t *testing.T) {
	h := newHarness(t)
	atts, err := h.engine.GetAttestations(h.ctx, "c_0")
	if err != nil {
		t.Fatal(err)
	}
	if atts == nil || len(atts) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", atts)
	}
}

// #endregion attest-tests

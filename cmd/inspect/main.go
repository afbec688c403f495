package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/danielpatrickdp/commitment-escrow/internal/compliance"
	"github.com/danielpatrickdp/commitment-escrow/internal/config"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/position"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region main

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("load config: %v", err)
	}

	dbPath := flag.String("db", cfg.DBPath, "path to escrow.db")
	last := flag.Int("last", 20, "show N most recent commitments")
	status := flag.String("status", "", "filter list to one status")
	owner := flag.String("owner", "", "filter list to one owner")
	id := flag.String("commitment", "", "show single commitment detail")
	events := flag.Int("events", 10, "events shown in detail mode")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	s, err := store.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	in := newInspector(s, cfg)
	ctx := context.Background()

	if *id != "" {
		err = in.runDetailMode(ctx, *id, *events, *jsonOut)
	} else {
		err = in.runListMode(ctx, *last, *status, core.Address(*owner), *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// inspector reads through the same types the binaries write with. It never
// mutates state, so the ledger is wired without collaborators.
type inspector struct {
	store  *store.Store
	ledger *ledger.Ledger
	engine *compliance.Engine
	tokens *position.Store
}

func newInspector(s *store.Store, cfg config.Config) *inspector {
	l := ledger.New(s, nil, nil, core.Address(cfg.LedgerAddr))
	return &inspector{
		store:  s,
		ledger: l,
		engine: compliance.New(s, l, core.Address(cfg.ComplianceAddr)),
		tokens: position.NewStore(s, core.Address(cfg.LedgerAddr)),
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	Status       string `json:"status"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	CurrentValue int64  `json:"current_value"`
	LossPercent  int64  `json:"loss_percent"`
	MaxLoss      uint32 `json:"max_loss_percent"`
	ExpiresAt    string `json:"expires_at"`
}

type listOutput struct {
	TotalCommitments int64     `json:"total_commitments"`
	TotalValueLocked int64     `json:"total_value_locked"`
	Paused           bool      `json:"paused"`
	Commitments      []listRow `json:"commitments"`
}

func (in *inspector) runListMode(ctx context.Context, last int, status string, owner core.Address, jsonOut bool) error {
	f := ledger.ListFilter{Owner: owner}
	if status != "" {
		st, err := ledger.ParseStatus(status)
		if err != nil {
			return err
		}
		f.Status = st
	}
	all, err := in.ledger.ListCommitments(ctx, f)
	if err != nil {
		return err
	}
	if last > 0 && len(all) > last {
		all = all[len(all)-last:]
	}

	out := listOutput{Commitments: make([]listRow, 0, len(all))}
	if out.TotalCommitments, err = in.ledger.TotalCommitments(ctx); err != nil {
		return err
	}
	if out.TotalValueLocked, err = in.ledger.TotalValueLocked(ctx); err != nil {
		return err
	}
	if out.Paused, err = in.ledger.IsPaused(ctx); err != nil {
		return err
	}
	for _, cm := range all {
		out.Commitments = append(out.Commitments, listRow{
			ID:           cm.ID,
			Owner:        string(cm.Owner),
			Status:       cm.Status.String(),
			Type:         cm.Rules.Type.String(),
			Amount:       cm.Amount,
			CurrentValue: cm.CurrentValue,
			LossPercent:  cm.LossPercent(),
			MaxLoss:      cm.Rules.MaxLossPercent,
			ExpiresAt:    formatTime(cm.ExpiresAt),
		})
	}

	if jsonOut {
		return printJSON(out)
	}
	return printListTable(out)
}

func printListTable(out listOutput) error {
	fmt.Printf("Commitments: %d | TVL: %d | Paused: %v\n\n", out.TotalCommitments, out.TotalValueLocked, out.Paused)
	if len(out.Commitments) == 0 {
		fmt.Fprintln(os.Stderr, "no commitments found")
		return nil
	}

	fmt.Printf("%-8s  %-12s  %-10s  %-10s  %10s  %10s  %6s  %s\n",
		"ID", "Owner", "Status", "Type", "Amount", "Current", "Loss%", "Expires")
	fmt.Printf("%-8s+-%-12s+-%-10s+-%-10s+-%10s+-%10s+-%6s+-%s\n",
		"--------", "------------", "----------", "----------", "----------", "----------", "------", "--------------------")
	for _, r := range out.Commitments {
		fmt.Printf("%-8s  %-12s  %-10s  %-10s  %10d  %10d  %3d/%-2d  %s\n",
			r.ID, shortID(r.Owner), r.Status, r.Type, r.Amount, r.CurrentValue, r.LossPercent, r.MaxLoss, r.ExpiresAt)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	Commitment   ledger.Commitment        `json:"commitment"`
	Violations   ledger.ViolationDetails  `json:"violations"`
	Health       compliance.HealthMetrics `json:"health"`
	Verdict      compliance.Verdict       `json:"verdict"`
	Token        *position.Token          `json:"token,omitempty"`
	Attestations []attestationRow         `json:"attestations"`
	Events       []logging.EventEntry     `json:"events"`
}

type attestationRow struct {
	Seq        int64           `json:"seq"`
	Time       string          `json:"time"`
	Kind       string          `json:"kind"`
	Compliant  bool            `json:"compliant"`
	VerifiedBy string          `json:"verified_by"`
	Data       json.RawMessage `json:"data"`
}

func (in *inspector) runDetailMode(ctx context.Context, id string, events int, jsonOut bool) error {
	var out detailOutput
	var err error

	if out.Commitment, err = in.ledger.GetCommitment(ctx, id); err != nil {
		return err
	}
	if out.Violations, err = in.ledger.GetViolationDetails(ctx, id); err != nil {
		return err
	}
	if out.Health, err = in.engine.GetHealthMetrics(ctx, id); err != nil {
		return err
	}
	if out.Verdict, err = in.engine.ComplianceVerdict(ctx, id); err != nil {
		return err
	}
	if tokenID := out.Commitment.PositionTokenID; tokenID != 0 {
		tok, err := in.tokens.Token(ctx, tokenID)
		if err != nil {
			return err
		}
		out.Token = &tok
	}

	atts, err := in.engine.GetAttestations(ctx, id)
	if err != nil {
		return err
	}
	out.Attestations = make([]attestationRow, 0, len(atts))
	for _, a := range atts {
		raw, err := protojson.Marshal(a.Data)
		if err != nil {
			return fmt.Errorf("encode attestation %d: %w", a.Seq, err)
		}
		out.Attestations = append(out.Attestations, attestationRow{
			Seq:        a.Seq,
			Time:       formatTime(a.Timestamp),
			Kind:       a.Kind,
			Compliant:  a.Compliant,
			VerifiedBy: string(a.VerifiedBy),
			Data:       raw,
		})
	}

	if out.Events, err = logging.ListEvents(ctx, in.store.DB(), logging.Filter{CommitmentID: id, Limit: events}); err != nil {
		return err
	}

	if jsonOut {
		return printJSON(out)
	}

	cm := out.Commitment
	fmt.Printf("Commitment: %s\n", cm.ID)
	fmt.Printf("Owner:      %s\n", cm.Owner)
	fmt.Printf("Asset:      %s\n", cm.Asset)
	fmt.Printf("Status:     %s\n", cm.Status)
	fmt.Printf("Type:       %s\n", cm.Rules.Type)
	fmt.Printf("Amount:     %d\n", cm.Amount)
	fmt.Printf("Current:    %d\n", cm.CurrentValue)
	fmt.Printf("Created:    %s\n", formatTime(cm.CreatedAt))
	fmt.Printf("Expires:    %s\n", formatTime(cm.ExpiresAt))

	v := out.Violations
	fmt.Printf("\nViolations:\n")
	fmt.Printf("  Loss:       %d%% (limit %d%%, violated %v)\n", v.LossPercent, cm.Rules.MaxLossPercent, v.LossViolated)
	fmt.Printf("  Expired:    %v (%s remaining)\n", v.DurationViolated, time.Duration(v.TimeRemaining)*time.Second)

	h := out.Health
	fmt.Printf("\nHealth:\n")
	fmt.Printf("  Drawdown:   %d%% (live %d%%, recorded %d%%)\n", h.DrawdownPercent, h.LiveDrawdownPercent, h.LastDrawdownPercent)
	fmt.Printf("  Fees:       %d (threshold %d)\n", h.FeesGenerated, cm.Rules.MinFeeThreshold)
	fmt.Printf("  Score:      %d\n", h.ComplianceScore)
	fmt.Printf("  Compliant:  %v\n", out.Verdict.Compliant)

	if out.Token != nil {
		fmt.Printf("\nPosition token %d: owner %s, active %v, settled %v\n",
			out.Token.TokenID, out.Token.Owner, out.Token.IsActive, out.Token.Settled)
	}

	if len(out.Attestations) > 0 {
		fmt.Printf("\nAttestations:\n")
		for _, a := range out.Attestations {
			fmt.Printf("  #%-3d %s  %-16s compliant=%-5v by %s %s\n", a.Seq, a.Time, a.Kind, a.Compliant, a.VerifiedBy, a.Data)
		}
	}
	if len(out.Events) > 0 {
		fmt.Printf("\nEvents:\n")
		for _, e := range out.Events {
			line := fmt.Sprintf("  %s  %-11s %-18s %s", formatTime(e.LedgerTime), e.Contract, e.Topic, e.Actor)
			if e.ErrorCode != "" {
				line += " " + e.ErrorCode
			}
			fmt.Println(line)
		}
	}
	return nil
}

// #endregion detail-mode

// #region output

func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02T15:04:05Z")
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// #endregion output

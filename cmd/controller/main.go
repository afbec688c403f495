package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/commitment-escrow/internal/asset"
	"github.com/danielpatrickdp/commitment-escrow/internal/compliance"
	"github.com/danielpatrickdp/commitment-escrow/internal/config"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/guard"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/position"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
	"github.com/danielpatrickdp/commitment-escrow/internal/telemetry"
)

const usage = `commands:
  create <owner> <amount> <safe|balanced|aggressive> <days> <max_loss%> [penalty%] [min_fee] [grace_days]
  update <caller> <id> <value>
  settle <caller> <id>
  exit <caller> <id>
  allocate <caller> <id> <pool> <amount>
  attest <verifier> <id> <kind> <true|false> [json]
  fees <verifier> <id> <amount>
  drawdown <verifier> <id> <percent>
  score <id>
  verify <id>
  show <id>
  mint <holder> <amount>
  updater <addr> | verifier <addr>
  pause | unpause | tvl | help | quit`

// #region main
func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("load config: %v", err)
	}

	shutdown, err := telemetry.Setup(context.Background(), "escrow-controller", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		log.Printf("telemetry disabled: %v", err)
	}
	defer shutdown(context.Background())

	s, err := store.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	con := newConsole(s, cfg)
	if err := con.bootstrap(context.Background()); err != nil {
		log.Fatalf("failed to initialize contracts: %v", err)
	}

	fmt.Println("Escrow controller ready.")
	fmt.Printf("  DB: %s | Ledger: %s | Compliance: %s | Asset: %s\n", cfg.DBPath, cfg.LedgerAddr, cfg.ComplianceAddr, cfg.Asset)
	fmt.Println("Type a command ('help' for the list, 'quit' to exit):")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		out, err := con.exec(ctx, strings.Fields(line))
		cancel()
		if err != nil {
			log.Printf("[%s] %v", apperrors.CodeOf(err), err)
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
	}
}

// #endregion main

// #region console

type console struct {
	cfg    config.Config
	admin  core.Address
	asset  core.Address
	assets *asset.Ledger
	ledger *ledger.Ledger
	engine *compliance.Engine
}

func newConsole(s *store.Store, cfg config.Config) *console {
	assets := asset.NewLedger(s)
	tokens := position.NewStore(s, core.Address(cfg.LedgerAddr))
	l := ledger.New(s, assets, tokens, core.Address(cfg.LedgerAddr))
	return &console{
		cfg:    cfg,
		admin:  core.Address(cfg.Admin),
		asset:  core.Address(cfg.Asset),
		assets: assets,
		ledger: l,
		engine: compliance.New(s, l, core.Address(cfg.ComplianceAddr)),
	}
}

// bootstrap initializes both contracts on first start and applies the
// configured rate limits. A second start leaves existing state alone.
func (c *console) bootstrap(ctx context.Context) error {
	if _, err := c.ledger.Admin(ctx); apperrors.HasCode(err, apperrors.CodeNotInitialized) {
		log.Println("Ledger not initialized, initializing...")
		if err := c.ledger.Initialize(ctx, c.admin, core.Address(c.cfg.RegistryAddr)); err != nil {
			return err
		}
		window := int64(c.cfg.RateWindow / time.Second)
		for fn, max := range map[string]int64{
			ledger.FnCreate:      c.cfg.CreateRateLimit,
			ledger.FnUpdateValue: c.cfg.UpdateRateLimit,
			ledger.FnAllocate:    c.cfg.AllocRateLimit,
		} {
			if max == 0 {
				continue
			}
			limit := guard.RateLimit{Function: fn, WindowSeconds: window, MaxCalls: max}
			if err := c.ledger.SetRateLimit(ctx, c.admin, limit); err != nil {
				return fmt.Errorf("rate limit %s: %w", fn, err)
			}
		}
	} else if err != nil {
		return err
	}

	if _, err := c.engine.LedgerAddress(ctx); apperrors.HasCode(err, apperrors.CodeNotInitialized) {
		log.Println("Compliance engine not initialized, initializing...")
		return c.engine.Initialize(ctx, c.admin, core.Address(c.cfg.LedgerAddr))
	} else if err != nil {
		return err
	}
	return nil
}

func (c *console) exec(ctx context.Context, args []string) (string, error) {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		return usage, nil
	case "create":
		if err := arity(args, 5, 8); err != nil {
			return "", err
		}
		rules, err := parseRules(args[2:])
		if err != nil {
			return "", err
		}
		amount, err := parseInt(args[1])
		if err != nil {
			return "", err
		}
		id, err := c.ledger.CreateCommitment(ctx, core.Address(args[0]), amount, c.asset, rules)
		if err != nil {
			return "", err
		}
		return "created commitment " + id, nil
	case "update":
		if err := arity(args, 3, 3); err != nil {
			return "", err
		}
		v, err := parseInt(args[2])
		if err != nil {
			return "", err
		}
		if err := c.ledger.UpdateValue(ctx, core.Address(args[0]), args[1], v); err != nil {
			return "", err
		}
		return c.describe(ctx, args[1])
	case "settle", "exit":
		if err := arity(args, 2, 2); err != nil {
			return "", err
		}
		var paid int64
		var err error
		if cmd == "settle" {
			paid, err = c.ledger.Settle(ctx, core.Address(args[0]), args[1])
		} else {
			paid, err = c.ledger.EarlyExit(ctx, core.Address(args[0]), args[1])
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s: paid %d", cmd, args[1], paid), nil
	case "allocate":
		if err := arity(args, 4, 4); err != nil {
			return "", err
		}
		amount, err := parseInt(args[3])
		if err != nil {
			return "", err
		}
		if err := c.ledger.Allocate(ctx, core.Address(args[0]), args[1], core.Address(args[2]), amount); err != nil {
			return "", err
		}
		return fmt.Sprintf("allocated %d of %s to %s", amount, args[1], args[2]), nil
	case "attest":
		if len(args) < 4 {
			return "", fmt.Errorf("expected at least 4 arguments, got %d", len(args))
		}
		compliant, err := strconv.ParseBool(args[3])
		if err != nil {
			return "", fmt.Errorf("compliant flag: %w", err)
		}
		data := &structpb.Struct{}
		if len(args) > 4 {
			if err := protojson.Unmarshal([]byte(strings.Join(args[4:], " ")), data); err != nil {
				return "", apperrors.Wrap(apperrors.CodeInvalidAttestation, "attestation data", err)
			}
		}
		if err := c.engine.Attest(ctx, core.Address(args[0]), args[1], args[2], data, compliant); err != nil {
			return "", err
		}
		return c.health(ctx, args[1])
	case "fees", "drawdown":
		if err := arity(args, 3, 3); err != nil {
			return "", err
		}
		n, err := parseInt(args[2])
		if err != nil {
			return "", err
		}
		if cmd == "fees" {
			err = c.engine.RecordFees(ctx, core.Address(args[0]), args[1], n)
		} else {
			err = c.engine.RecordDrawdown(ctx, core.Address(args[0]), args[1], n)
		}
		if err != nil {
			return "", err
		}
		return c.health(ctx, args[1])
	case "score":
		if err := arity(args, 1, 1); err != nil {
			return "", err
		}
		score, err := c.engine.CalculateComplianceScore(ctx, args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("score %s: %d", args[0], score), nil
	case "verify":
		if err := arity(args, 1, 1); err != nil {
			return "", err
		}
		v, err := c.engine.ComplianceVerdict(ctx, args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("compliant=%v loss=%v duration=%v fees=%v health=%v no_violations=%v",
			v.Compliant, v.LossOK, v.DurationOK, v.FeeOK, v.HealthOK, v.NoViolations), nil
	case "show":
		if err := arity(args, 1, 1); err != nil {
			return "", err
		}
		return c.describe(ctx, args[0])
	case "mint":
		if err := arity(args, 2, 2); err != nil {
			return "", err
		}
		amount, err := parseInt(args[1])
		if err != nil {
			return "", err
		}
		if err := c.assets.Mint(ctx, c.asset, core.Address(args[0]), amount); err != nil {
			return "", err
		}
		bal, err := c.assets.BalanceOf(ctx, c.asset, core.Address(args[0]))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s balance: %d %s", args[0], bal, c.asset), nil
	case "updater":
		if err := arity(args, 1, 1); err != nil {
			return "", err
		}
		return "", c.ledger.AddUpdater(ctx, c.admin, core.Address(args[0]))
	case "verifier":
		if err := arity(args, 1, 1); err != nil {
			return "", err
		}
		return "", c.engine.AddVerifier(ctx, c.admin, core.Address(args[0]))
	case "pause":
		return "", c.ledger.Pause(ctx, c.admin)
	case "unpause":
		return "", c.ledger.Unpause(ctx, c.admin)
	case "tvl":
		tvl, err := c.ledger.TotalValueLocked(ctx)
		if err != nil {
			return "", err
		}
		n, err := c.ledger.TotalCommitments(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("commitments=%d tvl=%d", n, tvl), nil
	default:
		return "", fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

// #endregion console

// #region output

func (c *console) describe(ctx context.Context, id string) (string, error) {
	cm, err := c.ledger.GetCommitment(ctx, id)
	if err != nil {
		return "", err
	}
	v, err := c.ledger.GetViolationDetails(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s owner=%s amount=%d value=%d loss=%d%%/%d%% violated=%v remaining=%ds",
		cm.ID, cm.Status, cm.Owner, cm.Amount, cm.CurrentValue, v.LossPercent, cm.Rules.MaxLossPercent,
		v.HasViolation, v.TimeRemaining), nil
}

func (c *console) health(ctx context.Context, id string) (string, error) {
	h, err := c.engine.GetHealthMetrics(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] fees=%d drawdown=%d%% score=%d", id, h.FeesGenerated, h.DrawdownPercent, h.ComplianceScore), nil
}

// #endregion output

// #region helpers

func arity(args []string, min, max int) error {
	if len(args) < min || len(args) > max {
		return fmt.Errorf("expected %d to %d arguments, got %d", min, max, len(args))
	}
	return nil
}

func parseInt(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	return n, nil
}

func parseUint32(raw string) (uint32, error) {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	return uint32(n), nil
}

// parseRules reads type, days, max loss and the optional penalty, minimum
// fee and grace period in that order.
func parseRules(args []string) (ledger.Rules, error) {
	typ, err := ledger.ParseCommitmentType(args[0])
	if err != nil {
		return ledger.Rules{}, err
	}
	r := ledger.Rules{Type: typ}
	if r.DurationDays, err = parseUint32(args[1]); err != nil {
		return r, err
	}
	if r.MaxLossPercent, err = parseUint32(args[2]); err != nil {
		return r, err
	}
	if len(args) > 3 {
		if r.EarlyExitPenaltyPercent, err = parseUint32(args[3]); err != nil {
			return r, err
		}
	}
	if len(args) > 4 {
		if r.MinFeeThreshold, err = parseInt(args[4]); err != nil {
			return r, err
		}
	}
	if len(args) > 5 {
		if r.GracePeriodDays, err = parseUint32(args[5]); err != nil {
			return r, err
		}
	}
	return r, nil
}

// #endregion helpers

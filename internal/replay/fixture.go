package replay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
)

// Addresses used when a scenario does not name its own.
const (
	DefaultAdmin    core.Address = "GADMIN"
	DefaultAsset    core.Address = "USDC"
	DefaultLedger   core.Address = "GLEDGER"
	DefaultRegistry core.Address = "GREGISTRY"
	DefaultEngine   core.Address = "GCOMPLIANCE"
	DefaultStart    int64        = 1_700_000_000
)

// #region fixture-types

// Scenario is the top-level YAML structure for a replay scenario.
type Scenario struct {
	Description string           `yaml:"description,omitempty"`
	StartTime   int64            `yaml:"start_time,omitempty"`
	Admin       core.Address     `yaml:"admin,omitempty"`
	Asset       core.Address     `yaml:"asset,omitempty"`
	Ledger      core.Address     `yaml:"ledger,omitempty"`
	Registry    core.Address     `yaml:"registry,omitempty"`
	Engine      core.Address     `yaml:"engine,omitempty"`
	Balances    map[string]int64 `yaml:"balances,omitempty"`
	Updaters    []core.Address   `yaml:"updaters,omitempty"`
	Verifiers   []core.Address   `yaml:"verifiers,omitempty"`
	Steps       []Step           `yaml:"steps,omitempty"`
}

// Step is one operation followed by the expectations checked after it.
// Commitment may name an earlier step's id to refer to the commitment that
// step created.
type Step struct {
	ID         string         `yaml:"id,omitempty"`
	Op         string         `yaml:"op"`
	Caller     core.Address   `yaml:"caller,omitempty"`
	Commitment string         `yaml:"commitment,omitempty"`
	Amount     int64          `yaml:"amount,omitempty"`
	Value      int64          `yaml:"value,omitempty"`
	Percent    int64          `yaml:"percent,omitempty"`
	Pool       core.Address   `yaml:"pool,omitempty"`
	Days       int64          `yaml:"days,omitempty"`
	Seconds    int64          `yaml:"seconds,omitempty"`
	Kind       string         `yaml:"kind,omitempty"`
	Data       map[string]any `yaml:"data,omitempty"`
	Compliant  *bool          `yaml:"compliant,omitempty"`
	Rules      *StepRules     `yaml:"rules,omitempty"`
	Expect     Expect         `yaml:"expect,omitempty"`
}

// StepRules mirrors ledger.Rules with the type spelled out.
type StepRules struct {
	DurationDays            uint32 `yaml:"duration_days,omitempty"`
	MaxLossPercent          uint32 `yaml:"max_loss_percent,omitempty"`
	Type                    string `yaml:"type,omitempty"`
	EarlyExitPenaltyPercent uint32 `yaml:"early_exit_penalty_percent,omitempty"`
	MinFeeThreshold         int64  `yaml:"min_fee_threshold,omitempty"`
	GracePeriodDays         uint32 `yaml:"grace_period_days,omitempty"`
}

// Expect lists what must hold after a step. Unset fields are not checked.
type Expect struct {
	Error     string           `yaml:"error,omitempty"`
	ID        string           `yaml:"id,omitempty"`
	Status    string           `yaml:"status,omitempty"`
	Value     *int64           `yaml:"value,omitempty"`
	TVL       *int64           `yaml:"tvl,omitempty"`
	Paid      *int64           `yaml:"paid,omitempty"`
	Fees      *int64           `yaml:"fees,omitempty"`
	Drawdown  *int64           `yaml:"drawdown,omitempty"`
	Score     *uint32          `yaml:"score,omitempty"`
	Compliant *bool            `yaml:"compliant,omitempty"`
	Violated  *bool            `yaml:"violated,omitempty"`
	Balances  map[string]int64 `yaml:"balances,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadScenario reads and parses a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return sc, nil
}

// ParseScenario decodes a scenario and fills in default addresses.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario has no steps")
	}
	for i, st := range sc.Steps {
		if st.Op == "" {
			return nil, fmt.Errorf("step %d: op is required", i)
		}
	}
	sc.applyDefaults()
	return &sc, nil
}

func (sc *Scenario) applyDefaults() {
	if sc.StartTime == 0 {
		sc.StartTime = DefaultStart
	}
	if sc.Admin == "" {
		sc.Admin = DefaultAdmin
	}
	if sc.Asset == "" {
		sc.Asset = DefaultAsset
	}
	if sc.Ledger == "" {
		sc.Ledger = DefaultLedger
	}
	if sc.Registry == "" {
		sc.Registry = DefaultRegistry
	}
	if sc.Engine == "" {
		sc.Engine = DefaultEngine
	}
}

// ToRules converts StepRules to ledger rules.
func (r *StepRules) ToRules() (ledger.Rules, error) {
	typ, err := ledger.ParseCommitmentType(r.Type)
	if err != nil {
		return ledger.Rules{}, err
	}
	return ledger.Rules{
		DurationDays:            r.DurationDays,
		MaxLossPercent:          r.MaxLossPercent,
		Type:                    typ,
		EarlyExitPenaltyPercent: r.EarlyExitPenaltyPercent,
		MinFeeThreshold:         r.MinFeeThreshold,
		GracePeriodDays:         r.GracePeriodDays,
	}, nil
}

// #endregion fixture-loader

// Package compliance keeps the attestation log for commitments, aggregates it
// into a health state, and derives a compliance score and verdict from the
// ledger's view of each commitment.
package compliance

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/commitment-escrow/internal/contract"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/guard"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// Contract is the scope the engine's guard state and events are stored under.
const Contract = "compliance"

// CommitmentReader is the read-only slice of the ledger the engine consults.
// *ledger.Ledger satisfies it.
type CommitmentReader interface {
	GetCommitment(ctx context.Context, id string) (ledger.Commitment, error)
	GetViolationDetails(ctx context.Context, id string) (ledger.ViolationDetails, error)
}

// #region engine
// Engine is the compliance engine.
type Engine struct {
	runner *contract.Runner
	guard  *guard.Guard
	ledger CommitmentReader
	self   core.Address
	now    func() time.Time
	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracer overrides the tracer spans are recorded on.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New returns an engine reading commitments through reader. self is the
// engine's own identity, used as the actor of score recalculations.
func New(s *store.Store, reader CommitmentReader, self core.Address, opts ...Option) *Engine {
	e := &Engine{ledger: reader, self: self, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.runner = contract.NewRunner(Contract, s, e.now, e.tracer)
	e.guard = e.runner.Guard()
	return e
}

// Address is the engine's own identity.
func (e *Engine) Address() core.Address {
	return e.self
}

// #endregion engine

// #region admin
// Initialize records the admin and the address of the ledger being observed.
func (e *Engine) Initialize(ctx context.Context, admin, ledgerAddr core.Address) error {
	return e.runner.Run(ctx, "initialize", "", admin, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if ledgerAddr.IsZero() {
			return apperrors.New(apperrors.CodeZeroAddress, "ledger address cannot be the zero address")
		}
		if err := e.guard.Initialize(ctx, q, admin); err != nil {
			return err
		}
		if err := store.PutValue(ctx, q, Contract, keyLedger, string(ledgerAddr)); err != nil {
			return storageErr("write ledger address", err)
		}
		return c.Emit(ctx, q, logging.TopicAdmin, "", map[string]any{
			"action": "initialize", "admin": string(admin), "ledger": string(ledgerAddr),
		})
	})
}

// AddVerifier whitelists addr for attestations.
func (e *Engine) AddVerifier(ctx context.Context, caller, addr core.Address) error {
	return e.adminOp(ctx, "add_verifier", caller, map[string]any{"address": string(addr)},
		func(ctx context.Context, q store.Querier, now int64) error {
			if addr.IsZero() {
				return apperrors.New(apperrors.CodeZeroAddress, "verifier cannot be the zero address")
			}
			return e.guard.AddMember(ctx, q, guard.RoleVerifier, addr, now)
		})
}

// RemoveVerifier drops addr from the whitelist.
func (e *Engine) RemoveVerifier(ctx context.Context, caller, addr core.Address) error {
	return e.adminOp(ctx, "remove_verifier", caller, map[string]any{"address": string(addr)},
		func(ctx context.Context, q store.Querier, _ int64) error {
			return e.guard.RemoveMember(ctx, q, guard.RoleVerifier, addr)
		})
}

// Pause rejects attestations until Unpause. Reads stay available.
func (e *Engine) Pause(ctx context.Context, caller core.Address) error {
	return e.adminOp(ctx, "pause", caller, nil, func(ctx context.Context, q store.Querier, _ int64) error {
		return e.guard.Pause(ctx, q)
	})
}

// Unpause clears the pause flag.
func (e *Engine) Unpause(ctx context.Context, caller core.Address) error {
	return e.adminOp(ctx, "unpause", caller, nil, func(ctx context.Context, q store.Querier, _ int64) error {
		return e.guard.Unpause(ctx, q)
	})
}

func (e *Engine) adminOp(ctx context.Context, action string, caller core.Address, payload map[string]any, fn func(ctx context.Context, q store.Querier, now int64) error) error {
	return e.runner.Run(ctx, action, "", caller, func(ctx context.Context, q store.Querier, c *contract.Call) error {
		if err := e.guard.RequireAdmin(ctx, q, caller); err != nil {
			return err
		}
		if err := fn(ctx, q, c.Now); err != nil {
			return err
		}
		if payload == nil {
			payload = map[string]any{}
		}
		payload["action"] = action
		return c.Emit(ctx, q, logging.TopicAdmin, "", payload)
	})
}

// requireVerifier admits the admin and whitelisted verifiers.
func (e *Engine) requireVerifier(ctx context.Context, q store.Querier, caller core.Address) error {
	admin, err := e.guard.Admin(ctx, q)
	if err != nil {
		return err
	}
	if caller == admin {
		return nil
	}
	ok, err := e.guard.IsMember(ctx, q, guard.RoleVerifier, caller)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.CodeUnauthorized, "caller is not a whitelisted verifier")
	}
	return nil
}

// #endregion admin

// #region reads
// Admin returns the engine admin.
func (e *Engine) Admin(ctx context.Context) (core.Address, error) {
	var admin core.Address
	err := e.runner.View(ctx, "admin", func(ctx context.Context, q store.Querier) error {
		var err error
		admin, err = e.guard.Admin(ctx, q)
		return err
	})
	return admin, err
}

// LedgerAddress returns the ledger address recorded at initialization.
func (e *Engine) LedgerAddress(ctx context.Context) (core.Address, error) {
	var addr core.Address
	err := e.runner.View(ctx, "ledger_address", func(ctx context.Context, q store.Querier) error {
		v, ok, err := store.GetValue(ctx, q, Contract, keyLedger)
		if err != nil {
			return storageErr("read ledger address", err)
		}
		if !ok {
			return apperrors.New(apperrors.CodeNotInitialized, "contract not initialized")
		}
		addr = core.Address(v)
		return nil
	})
	return addr, err
}

// Verifiers lists whitelisted verifiers in the order they were added.
func (e *Engine) Verifiers(ctx context.Context) ([]core.Address, error) {
	var out []core.Address
	err := e.runner.View(ctx, "verifiers", func(ctx context.Context, q store.Querier) error {
		var err error
		out, err = e.guard.Members(ctx, q, guard.RoleVerifier)
		return err
	})
	return out, err
}

// IsPaused reports the pause flag.
func (e *Engine) IsPaused(ctx context.Context) (bool, error) {
	var paused bool
	err := e.runner.View(ctx, "is_paused", func(ctx context.Context, q store.Querier) error {
		var err error
		paused, err = e.guard.IsPaused(ctx, q)
		return err
	})
	return paused, err
}

// GetAttestations returns every attestation for id, oldest first.
func (e *Engine) GetAttestations(ctx context.Context, id string) ([]Attestation, error) {
	var out []Attestation
	err := e.runner.View(ctx, "get_attestations", func(ctx context.Context, q store.Querier) error {
		var err error
		out, err = listAttestations(ctx, q, id)
		return err
	})
	return out, err
}

// GetHealthState returns the raw aggregate for id; a zero state when nothing
// has been recorded.
func (e *Engine) GetHealthState(ctx context.Context, id string) (HealthState, error) {
	var hs HealthState
	err := e.runner.View(ctx, "get_health_state", func(ctx context.Context, q store.Querier) error {
		var err error
		hs, err = getHealth(ctx, q, id)
		return err
	})
	return hs, err
}

// GetHealthMetrics joins the ledger record with the health state.
func (e *Engine) GetHealthMetrics(ctx context.Context, id string) (HealthMetrics, error) {
	var hm HealthMetrics
	err := e.runner.View(ctx, "get_health_metrics", func(ctx context.Context, q store.Querier) error {
		cm, err := e.ledger.GetCommitment(ctx, id)
		if err != nil {
			return err
		}
		hs, err := getHealth(ctx, q, id)
		if err != nil {
			return err
		}
		hm = healthMetrics(cm, hs)
		return nil
	})
	return hm, err
}

func healthMetrics(cm ledger.Commitment, hs HealthState) HealthMetrics {
	live := core.DrawdownPercent(cm.Amount, cm.CurrentValue)
	hm := HealthMetrics{
		CommitmentID:        cm.ID,
		InitialValue:        cm.Amount,
		CurrentValue:        cm.CurrentValue,
		DrawdownPercent:     live,
		LiveDrawdownPercent: live,
		LastDrawdownPercent: hs.LastDrawdownPercent,
		FeesGenerated:       hs.FeesGenerated,
		LastAttestation:     hs.LastAttestation,
		ComplianceScore:     hs.ComplianceScore,
	}
	if hs.LastDrawdownPercent > hm.DrawdownPercent {
		hm.DrawdownPercent = hs.LastDrawdownPercent
	}
	return hm
}

// #endregion reads

// Package contract runs the public operations of the ledger and the
// compliance engine: one span, one reentrancy latch acquisition and one store
// transaction per call, with an error signal recorded when the call fails.
package contract

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/guard"
	"github.com/danielpatrickdp/commitment-escrow/internal/logging"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
	"github.com/danielpatrickdp/commitment-escrow/internal/telemetry"
)

// errDiscard rolls back the transaction compensations run in.
var errDiscard = errors.New("discard compensation writes")

// #region runner
// Runner executes operations for one named contract.
type Runner struct {
	name   string
	store  *store.Store
	guard  *guard.Guard
	now    func() time.Time
	tracer trace.Tracer
}

// NewRunner returns a runner whose guard, events and spans are scoped by name.
func NewRunner(name string, s *store.Store, now func() time.Time, tracer trace.Tracer) *Runner {
	if now == nil {
		now = time.Now
	}
	if tracer == nil {
		tracer = telemetry.Tracer(name)
	}
	return &Runner{name: name, store: s, guard: guard.New(name), now: now, tracer: tracer}
}

// Name is the contract name.
func (r *Runner) Name() string { return r.name }

// Guard is the contract's access-control state.
func (r *Runner) Guard() *guard.Guard { return r.guard }

// Now returns the current ledger time in unix seconds.
func (r *Runner) Now() int64 { return r.now().Unix() }

// Run executes fn as one all-or-nothing call. The latch is held for the
// whole call and released on every path. When fn fails, compensations
// registered on the call run inside the failing transaction, the transaction
// rolls back, and an error event is written after the rollback. A failed
// commit compensates the same way.
func (r *Runner) Run(ctx context.Context, op, commitmentID string, actor core.Address, fn func(ctx context.Context, q store.Querier, c *Call) error) (err error) {
	ctx, end := telemetry.StartOp(ctx, r.tracer, r.name+"."+op,
		attribute.String("escrow.commitment_id", commitmentID),
		attribute.String("escrow.actor", string(actor)),
	)
	defer func() { end(err) }()

	c := &Call{ID: uuid.NewString(), Op: op, Actor: actor, Now: r.Now(), contract: r.name}

	release, err := r.guard.Enter()
	if err != nil {
		r.emitError(ctx, c, commitmentID, err)
		return err
	}
	defer release()

	compensated := false
	err = r.store.Update(ctx, func(ctx context.Context, q store.Querier) error {
		if err := fn(ctx, q, c); err != nil {
			c.compensate(ctx)
			compensated = true
			return err
		}
		return nil
	})
	if err != nil {
		if !compensated {
			r.compensateAfterCommit(ctx, c)
		}
		r.emitError(ctx, c, commitmentID, err)
	}
	return err
}

// compensateAfterCommit undoes collaborator effects when fn succeeded but
// the commit did not. Compensations run inside a transaction that is always
// rolled back: store-backed collaborators were already rolled back with the
// failed commit, so only external effects are reversed.
func (r *Runner) compensateAfterCommit(ctx context.Context, c *Call) {
	if len(c.undo) == 0 {
		return
	}
	err := r.store.Update(context.WithoutCancel(ctx), func(ctx context.Context, q store.Querier) error {
		c.compensate(ctx)
		return errDiscard
	})
	if err != nil && !errors.Is(err, errDiscard) {
		log.Printf("[%s] %s %s: compensate after commit: %v", r.name, c.Op, c.ID, err)
	}
}

// View runs a read-only query under a span. It does not take the latch.
func (r *Runner) View(ctx context.Context, op string, fn func(ctx context.Context, q store.Querier) error) (err error) {
	ctx, end := telemetry.StartOp(ctx, r.tracer, r.name+"."+op)
	defer func() { end(err) }()
	return r.store.View(ctx, fn)
}

// emitError records the failure outside the rolled-back transaction, even
// when ctx was cancelled. A call nested inside another operation's
// transaction writes into that one instead.
func (r *Runner) emitError(ctx context.Context, c *Call, commitmentID string, cause error) {
	entry := logging.EventEntry{
		CallID:       c.ID,
		Contract:     r.name,
		Topic:        logging.TopicError,
		CommitmentID: commitmentID,
		Actor:        string(c.Actor),
		ErrorCode:    string(apperrors.CodeOf(cause)),
		Payload:      map[string]any{"op": c.Op, "message": cause.Error()},
		LedgerTime:   c.Now,
	}
	err := r.store.Update(context.WithoutCancel(ctx), func(ctx context.Context, q store.Querier) error {
		return logging.LogEvent(ctx, q, entry)
	})
	if err != nil {
		log.Printf("[%s] %s %s: record error event: %v", r.name, c.Op, c.ID, err)
	}
}

// #endregion runner

// #region call
// Call is one invocation: a correlation id shared by every event it emits,
// the ledger time it observed, and compensations for collaborator effects it
// has already applied.
type Call struct {
	ID    string
	Op    string
	Actor core.Address
	Now   int64

	contract string
	undo     []func(context.Context) error
}

// OnUndo registers a compensation for an applied collaborator effect.
func (c *Call) OnUndo(fn func(context.Context) error) {
	c.undo = append(c.undo, fn)
}

// Emit writes an event inside the call's transaction.
func (c *Call) Emit(ctx context.Context, q store.Querier, topic logging.Topic, commitmentID string, payload map[string]any) error {
	return logging.LogEvent(ctx, q, logging.EventEntry{
		CallID:       c.ID,
		Contract:     c.contract,
		Topic:        topic,
		CommitmentID: commitmentID,
		Actor:        string(c.Actor),
		Payload:      payload,
		LedgerTime:   c.Now,
	})
}

// compensate runs compensations newest first. Store-backed collaborators are
// rolled back with the transaction regardless; external ones rely on this.
func (c *Call) compensate(ctx context.Context) {
	for i := len(c.undo) - 1; i >= 0; i-- {
		if err := c.undo[i](ctx); err != nil {
			log.Printf("[%s] %s %s: compensation %d failed: %v", c.contract, c.Op, c.ID, i, err)
		}
	}
	c.undo = nil
}

// #endregion call

package ledger

import (
	"fmt"
	"math/rand"
	"testing"

	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
)

// Every failure a random sequence can hit is a typed business error; storage
// or unknown failures mean the ledger broke.
func expectBusinessError(t *testing.T, op string, err error) {
	t.Helper()
	if err == nil {
		return
	}
	switch apperrors.CodeOf(err).Kind() {
	case apperrors.KindValidation, apperrors.KindState, apperrors.KindAuth, apperrors.KindResource:
		return
	}
	t.Fatalf("%s: unexpected failure %v", op, err)
}

func TestTotalValueLockedInvariantRandomized(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1337} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			h := newHarness(t, nil)
			rng := rand.New(rand.NewSource(seed))
			var ids []string

			pick := func() string {
				if len(ids) == 0 {
					return "c_missing"
				}
				return ids[rng.Intn(len(ids))]
			}

			for step := 0; step < 150; step++ {
				switch rng.Intn(6) {
				case 0, 1:
					amount := int64(rng.Intn(2000) + 1)
					rules := balanced()
					rules.DurationDays = uint32(rng.Intn(10) + 1)
					rules.MaxLossPercent = uint32(rng.Intn(50))
					rules.EarlyExitPenaltyPercent = uint32(rng.Intn(101))
					h.fund(owner, amount)
					id, err := h.ledger.CreateCommitment(h.ctx, owner, amount, usdc, rules)
					expectBusinessError(t, "create", err)
					if err == nil {
						ids = append(ids, id)
					}
				case 2:
					err := h.ledger.UpdateValue(h.ctx, admin, pick(), int64(rng.Intn(2500)))
					expectBusinessError(t, "update", err)
				case 3:
					h.clock.advance(day * 2)
					_, err := h.ledger.Settle(h.ctx, owner, pick())
					expectBusinessError(t, "settle", err)
				case 4:
					_, err := h.ledger.EarlyExit(h.ctx, owner, pick())
					expectBusinessError(t, "early exit", err)
				case 5:
					err := h.ledger.Allocate(h.ctx, admin, pick(), pool, int64(rng.Intn(800)+1))
					expectBusinessError(t, "allocate", err)
				}

				h.assertInvariant()
			}

			all, err := h.ledger.ListCommitments(h.ctx, ListFilter{})
			if err != nil {
				t.Fatal(err)
			}
			var custody int64
			for _, cm := range all {
				if cm.CurrentValue < 0 {
					t.Fatalf("%s has negative value %d", cm.ID, cm.CurrentValue)
				}
				if (cm.Status == StatusSettled || cm.Status == StatusEarlyExit) && cm.CurrentValue != 0 {
					t.Fatalf("%s closed with value %d", cm.ID, cm.CurrentValue)
				}
				if cm.Status.Custodied() {
					custody += cm.CurrentValue
				}
			}
			if custody != h.tvl() {
				t.Fatalf("tvl %d != custodied %d", h.tvl(), custody)
			}
		})
	}
}

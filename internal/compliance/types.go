package compliance

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
)

// Well-known attestation kinds. Any other tag is accepted and stored as-is.
const (
	KindFeeGeneration = "fee_generation"
	KindDrawdown      = "drawdown"
	KindViolation     = "violation"
	KindHealthCheck   = "health_check"
)

// Data keys read from attestations of the well-known kinds.
const (
	DataAmount  = "amount"
	DataPercent = "percent"
)

// Attestation is one externally submitted record about a commitment.
type Attestation struct {
	CommitmentID string
	Seq          int64
	Timestamp    int64
	Kind         string
	Data         *structpb.Struct
	Compliant    bool
	VerifiedBy   core.Address
}

// HealthState is the per-commitment aggregate maintained from attestations.
// ComplianceScore 0 means no score has been calculated yet.
type HealthState struct {
	CommitmentID        string
	FeesGenerated       int64
	LastDrawdownPercent int64
	LastAttestation     int64
	ComplianceScore     uint32
}

// HealthMetrics joins the ledger's view of a commitment with its health state.
//
// LiveDrawdownPercent is derived from the ledger's amount and current value.
// DrawdownPercent is the larger of that and the last recorded drawdown, so an
// attested measurement is never hidden by a stale ledger mark.
type HealthMetrics struct {
	CommitmentID        string
	InitialValue        int64
	CurrentValue        int64
	DrawdownPercent     int64
	LiveDrawdownPercent int64
	LastDrawdownPercent int64
	FeesGenerated       int64
	LastAttestation     int64
	ComplianceScore     uint32
}

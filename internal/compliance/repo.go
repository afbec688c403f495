package compliance

import (
	"context"
	"database/sql"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	apperrors "github.com/danielpatrickdp/commitment-escrow/internal/errors"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

const keyLedger = "ledger_address"

// #region attestations
func insertAttestation(ctx context.Context, q store.Querier, a *Attestation) error {
	data := a.Data
	if data == nil {
		data = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(data)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidAttestation, "encode attestation data", err)
	}

	err = q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM attestations WHERE commitment_id = ?`, a.CommitmentID,
	).Scan(&a.Seq)
	if err != nil {
		return storageErr("next attestation seq", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO attestations (commitment_id, seq, timestamp, kind, data_json, is_compliant, verified_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.CommitmentID, a.Seq, a.Timestamp, a.Kind, string(raw), a.Compliant, string(a.VerifiedBy),
	)
	if err != nil {
		return storageErr("insert attestation", err)
	}
	return nil
}

func listAttestations(ctx context.Context, q store.Querier, commitmentID string) ([]Attestation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT seq, timestamp, kind, data_json, is_compliant, verified_by
		 FROM attestations WHERE commitment_id = ? ORDER BY seq`, commitmentID)
	if err != nil {
		return nil, storageErr("query attestations", err)
	}
	defer rows.Close()

	out := []Attestation{}
	for rows.Next() {
		var (
			a        Attestation
			raw      string
			verifier string
		)
		if err := rows.Scan(&a.Seq, &a.Timestamp, &a.Kind, &raw, &a.Compliant, &verifier); err != nil {
			return nil, storageErr("scan attestation", err)
		}
		a.CommitmentID = commitmentID
		a.VerifiedBy = core.Address(verifier)
		a.Data = &structpb.Struct{}
		if err := protojson.Unmarshal([]byte(raw), a.Data); err != nil {
			return nil, storageErr("decode attestation data", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate attestations", err)
	}
	return out, nil
}

// #endregion attestations

// #region health
// getHealth returns the stored state, or a zero state for a commitment that
// has never been attested.
func getHealth(ctx context.Context, q store.Querier, commitmentID string) (HealthState, error) {
	hs := HealthState{CommitmentID: commitmentID}
	err := q.QueryRowContext(ctx,
		`SELECT fees_generated, last_drawdown_percent, last_attestation, compliance_score
		 FROM health_states WHERE commitment_id = ?`, commitmentID,
	).Scan(&hs.FeesGenerated, &hs.LastDrawdownPercent, &hs.LastAttestation, &hs.ComplianceScore)
	if err == sql.ErrNoRows {
		return hs, nil
	}
	if err != nil {
		return hs, storageErr("read health state", err)
	}
	return hs, nil
}

func saveHealth(ctx context.Context, q store.Querier, hs HealthState) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO health_states (commitment_id, fees_generated, last_drawdown_percent, last_attestation, compliance_score)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(commitment_id) DO UPDATE SET
			fees_generated = excluded.fees_generated,
			last_drawdown_percent = excluded.last_drawdown_percent,
			last_attestation = excluded.last_attestation,
			compliance_score = excluded.compliance_score`,
		hs.CommitmentID, hs.FeesGenerated, hs.LastDrawdownPercent, hs.LastAttestation, int64(hs.ComplianceScore),
	)
	if err != nil {
		return storageErr("write health state", err)
	}
	return nil
}

// #endregion health

func storageErr(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeStorage, fmt.Sprintf("compliance: %s", op), err)
}

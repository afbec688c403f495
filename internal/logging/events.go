// Package logging records the event signals emitted by the ledger and the
// compliance engine into the event_log table.
package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/commitment-escrow/internal/store"
	"github.com/google/uuid"
)

// #region log-event
// LogEvent writes an event entry. Written through a transaction's Querier the
// event shares that transaction's fate; error signals are written in a fresh
// transaction opened after the rollback so they survive it.
func LogEvent(ctx context.Context, q store.Querier, entry EventEntry) error {
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var payload string
	if len(entry.Payload) > 0 {
		raw, err := json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(raw)
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO event_log (event_id, call_id, contract, topic, commitment_id, actor, payload_json, error_code, ledger_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID,
		nullIfEmpty(entry.CallID),
		entry.Contract,
		string(entry.Topic),
		nullIfEmpty(entry.CommitmentID),
		nullIfEmpty(entry.Actor),
		nullIfEmpty(payload),
		nullIfEmpty(entry.ErrorCode),
		entry.LedgerTime,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// #endregion log-event

// #region list-events
// ListEvents returns events oldest first. Payload numbers decode as
// json.Number so int64 amounts come back exact.
func ListEvents(ctx context.Context, q store.Querier, f Filter) ([]EventEntry, error) {
	query := `SELECT event_id, call_id, contract, topic, commitment_id, actor, payload_json, error_code, ledger_time, created_at
		FROM event_log WHERE 1=1`
	var args []any
	if f.CommitmentID != "" {
		query += ` AND commitment_id = ?`
		args = append(args, f.CommitmentID)
	}
	if f.Topic != "" {
		query += ` AND topic = ?`
		args = append(args, string(f.Topic))
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var entries []EventEntry
	for rows.Next() {
		var e EventEntry
		var callID, commitmentID, actor, payload, errorCode sql.NullString
		var topic, createdStr string
		if err := rows.Scan(&e.EventID, &callID, &e.Contract, &topic, &commitmentID, &actor, &payload, &errorCode, &e.LedgerTime, &createdStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Topic = Topic(topic)
		e.CallID = callID.String
		e.CommitmentID = commitmentID.String
		e.Actor = actor.String
		e.ErrorCode = errorCode.String
		if payload.Valid {
			dec := json.NewDecoder(strings.NewReader(payload.String))
			dec.UseNumber()
			if err := dec.Decode(&e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// #endregion list-events

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers

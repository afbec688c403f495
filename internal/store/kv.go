package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// #region kv
// GetValue reads a namespaced singleton value. ok is false when unset.
func GetValue(ctx context.Context, q Querier, namespace, key string) (value string, ok bool, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// PutValue writes a namespaced singleton value, replacing any previous one.
func PutValue(ctx context.Context, q Querier, namespace, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value,
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteValue removes a namespaced value. Missing keys are not an error.
func DeleteValue(ctx context.Context, q Querier, namespace, key string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetInt64 reads a namespaced counter, returning 0 when unset.
func GetInt64(ctx context.Context, q Querier, namespace, key string) (int64, error) {
	raw, ok, err := GetValue(ctx, q, namespace, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s/%s: %w", namespace, key, err)
	}
	return n, nil
}

// PutInt64 writes a namespaced counter.
func PutInt64(ctx context.Context, q Querier, namespace, key string, n int64) error {
	return PutValue(ctx, q, namespace, key, strconv.FormatInt(n, 10))
}

// GetBool reads a namespaced flag, returning false when unset.
func GetBool(ctx context.Context, q Querier, namespace, key string) (bool, error) {
	raw, ok, err := GetValue(ctx, q, namespace, key)
	if err != nil || !ok {
		return false, err
	}
	return raw == "1", nil
}

// PutBool writes a namespaced flag.
func PutBool(ctx context.Context, q Querier, namespace, key string, v bool) error {
	raw := "0"
	if v {
		raw = "1"
	}
	return PutValue(ctx, q, namespace, key, raw)
}

// #endregion kv

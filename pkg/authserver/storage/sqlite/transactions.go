// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/logger"
)

// insertPending stores a new row in a pending-status table.
func (s *Store) insertPending(
	ctx context.Context, table, keyColumn, key string, v any, expiresAt time.Time,
) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", table, err)
	}

	_, err = exec(ctx, s.db, psq.Insert(table).
		Columns(keyColumn, "data", "status", "expires_at").
		Values(key, string(data), string(storage.LoginStatusPending), expiryNanos(expiresAt)))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", storage.ErrAlreadyExists, table, key)
		}
		return fmt.Errorf("inserting into %s: %w", table, err)
	}
	return nil
}

// loadPending reads a row of a pending-status table into v.
func (s *Store) loadPending(
	ctx context.Context, table, keyColumn, key string, v any,
) (storage.LoginStatus, *time.Time, error) {
	row, err := queryRow(ctx, s.db, psq.Select("data", "status", "completed_at").
		From(table).
		Where(sq.Eq{keyColumn: key}))
	if err != nil {
		return "", nil, err
	}

	var (
		data        string
		status      string
		completedAt sql.NullInt64
	)
	if err := row.Scan(&data, &status, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, fmt.Errorf("%w: %s", storage.ErrNotFound, table)
		}
		return "", nil, fmt.Errorf("reading %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return "", nil, fmt.Errorf("decoding %s: %w", table, err)
	}
	return storage.LoginStatus(status), nullTime(completedAt), nil
}

// completePending moves a pending row to a terminal status.
func (s *Store) completePending(
	ctx context.Context, table, keyColumn, key string, status storage.LoginStatus, at time.Time,
) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	res, err := exec(ctx, s.db, psq.Update(table).
		Set("status", string(status)).
		Set("completed_at", nanos(at)).
		Where(sq.Eq{keyColumn: key, "status": string(storage.LoginStatusPending)}))
	if err != nil {
		return false, fmt.Errorf("completing %s: %w", table, err)
	}
	return changedOne(res)
}

// InsertLoginTransaction stores a new downstream login transaction.
func (s *Store) InsertLoginTransaction(ctx context.Context, tx *storage.LoginTransaction) error {
	if tx == nil || tx.RequestID == "" {
		return errors.New("login transaction requires a request id")
	}
	stored := *tx
	stored.Status = storage.LoginStatusPending
	stored.CompletedAt = nil
	return s.insertPending(ctx, "login_transactions", "request_id", tx.RequestID, &stored, tx.ExpiresAt)
}

// GetLoginTransaction returns the login transaction with requestID.
func (s *Store) GetLoginTransaction(ctx context.Context, requestID string) (*storage.LoginTransaction, error) {
	var tx storage.LoginTransaction
	status, completedAt, err := s.loadPending(ctx, "login_transactions", "request_id", requestID, &tx)
	if err != nil {
		return nil, err
	}
	tx.Status = status
	tx.CompletedAt = completedAt
	return &tx, nil
}

// CompleteLoginTransaction moves a pending login transaction to status.
func (s *Store) CompleteLoginTransaction(
	ctx context.Context, requestID string, status storage.LoginStatus, at time.Time,
) (bool, error) {
	return s.completePending(ctx, "login_transactions", "request_id", requestID, status, at)
}

// InsertUnregisteredRequest stores a new first-party login request.
func (s *Store) InsertUnregisteredRequest(ctx context.Context, req *storage.UnregisteredClientRequest) error {
	if req == nil || req.RequestID == "" {
		return errors.New("unregistered client request requires a request id")
	}
	stored := *req
	stored.Status = storage.LoginStatusPending
	stored.CompletedAt = nil
	return s.insertPending(ctx, "unregistered_requests", "request_id", req.RequestID, &stored, req.ExpiresAt)
}

// GetUnregisteredRequest returns the request with requestID.
func (s *Store) GetUnregisteredRequest(ctx context.Context, requestID string) (*storage.UnregisteredClientRequest, error) {
	var req storage.UnregisteredClientRequest
	status, completedAt, err := s.loadPending(ctx, "unregistered_requests", "request_id", requestID, &req)
	if err != nil {
		return nil, err
	}
	req.Status = status
	req.CompletedAt = completedAt
	return &req, nil
}

// CompleteUnregisteredRequest moves a pending request to status.
func (s *Store) CompleteUnregisteredRequest(
	ctx context.Context, requestID string, status storage.LoginStatus, at time.Time,
) (bool, error) {
	return s.completePending(ctx, "unregistered_requests", "request_id", requestID, status, at)
}

// InsertUpstreamTransaction stores tx in the pending state.
func (s *Store) InsertUpstreamTransaction(ctx context.Context, tx *storage.UpstreamLoginTransaction) error {
	if tx == nil {
		return errors.New("upstream transaction is required")
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("invalid upstream transaction: %w", err)
	}

	stored := *tx
	stored.Status = storage.UpstreamStatusPending
	stored.AuthCode = ""
	stored.Error = ""
	stored.ErrorDescription = ""
	stored.CallbackAt = nil
	stored.Claims = nil
	stored.TokenExchangedAt = nil
	stored.CompletedAt = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding upstream transaction: %w", err)
	}

	_, err = exec(ctx, s.db, psq.Insert("upstream_transactions").
		Columns("upstream_request_id", "state", "data", "status", "expires_at").
		Values(tx.UpstreamRequestID, tx.State, string(data), string(storage.UpstreamStatusPending), expiryNanos(tx.ExpiresAt)))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: upstream transaction %s", storage.ErrAlreadyExists, tx.UpstreamRequestID)
		}
		return fmt.Errorf("inserting upstream transaction: %w", err)
	}
	return nil
}

// GetUpstreamTransactionByState returns the transaction created with state.
func (s *Store) GetUpstreamTransactionByState(
	ctx context.Context, state string,
) (*storage.UpstreamLoginTransaction, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: upstream transaction", storage.ErrNotFound)
	}

	row, err := queryRow(ctx, s.db, psq.Select(
		"data", "status", "auth_code", "error", "error_description",
		"claims", "callback_at", "token_exchanged_at", "completed_at",
	).From("upstream_transactions").Where(sq.Eq{"state": state}))
	if err != nil {
		return nil, err
	}

	var (
		data, status               string
		tx                         storage.UpstreamLoginTransaction
		claims                     sql.NullString
		callbackAt, exchangedAt    sql.NullInt64
		completedAt                sql.NullInt64
		authCode, errCode, errDesc string
	)
	if err := row.Scan(&data, &status, &authCode, &errCode, &errDesc,
		&claims, &callbackAt, &exchangedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: upstream transaction", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("reading upstream transaction: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &tx); err != nil {
		return nil, fmt.Errorf("decoding upstream transaction: %w", err)
	}

	tx.Status = storage.UpstreamStatus(status)
	tx.AuthCode = authCode
	tx.Error = errCode
	tx.ErrorDescription = errDesc
	tx.CallbackAt = nullTime(callbackAt)
	tx.TokenExchangedAt = nullTime(exchangedAt)
	tx.CompletedAt = nullTime(completedAt)
	if claims.Valid {
		var c storage.UpstreamClaims
		if err := json.Unmarshal([]byte(claims.String), &c); err != nil {
			return nil, fmt.Errorf("decoding upstream claims: %w", err)
		}
		tx.Claims = &c
	}
	return &tx, nil
}

func (s *Store) transitionUpstream(
	ctx context.Context, id string, from, next storage.UpstreamStatus, fields map[string]any,
) (bool, error) {
	sources := storage.TransitionSources(from, next)
	allowed := make([]string, len(sources))
	for i, st := range sources {
		allowed[i] = string(st)
	}

	res, err := exec(ctx, s.db, psq.Update("upstream_transactions").
		Set("status", string(next)).
		SetMap(fields).
		Where(sq.Eq{"upstream_request_id": id, "status": allowed}))
	if err != nil {
		return false, fmt.Errorf("updating upstream transaction: %w", err)
	}
	ok, err := changedOne(res)
	if err == nil && !ok {
		logger.Debugw("rejected upstream transition", "upstream_request_id", id, "to", next)
	}
	return ok, err
}

// SetCallbackSuccess moves a pending transaction to callback_received.
func (s *Store) SetCallbackSuccess(
	ctx context.Context, upstreamRequestID, authCode string, at time.Time,
) (bool, error) {
	return s.transitionUpstream(ctx, upstreamRequestID, "", storage.UpstreamStatusCallbackReceived, map[string]any{
		"auth_code":   authCode,
		"callback_at": nanos(at),
	})
}

// SetCallbackError moves a pending transaction to error.
func (s *Store) SetCallbackError(
	ctx context.Context, upstreamRequestID, errCode, description string, at time.Time,
) (bool, error) {
	return s.transitionUpstream(ctx, upstreamRequestID, storage.UpstreamStatusPending, storage.UpstreamStatusError,
		map[string]any{
			"error":             errCode,
			"error_description": description,
			"callback_at":       nanos(at),
			"completed_at":      nanos(at),
		})
}

// SetTokenExchanged records the upstream identity claims.
func (s *Store) SetTokenExchanged(
	ctx context.Context, upstreamRequestID string, claims *storage.UpstreamClaims, at time.Time,
) (bool, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return false, fmt.Errorf("encoding upstream claims: %w", err)
	}
	return s.transitionUpstream(ctx, upstreamRequestID, "", storage.UpstreamStatusTokenExchanged, map[string]any{
		"claims":             string(raw),
		"token_exchanged_at": nanos(at),
	})
}

// MarkUpstreamCompleted closes the transaction as completed or error.
func (s *Store) MarkUpstreamCompleted(
	ctx context.Context, upstreamRequestID string, success bool, at time.Time,
) (bool, error) {
	next := storage.UpstreamStatusError
	if success {
		next = storage.UpstreamStatusCompleted
	}
	return s.transitionUpstream(ctx, upstreamRequestID, "", next, map[string]any{
		"completed_at": nanos(at),
	})
}

// CancelUpstreamTransaction moves a pending transaction to cancelled.
func (s *Store) CancelUpstreamTransaction(
	ctx context.Context, upstreamRequestID, reason string, at time.Time,
) (bool, error) {
	return s.transitionUpstream(ctx, upstreamRequestID, storage.UpstreamStatusPending, storage.UpstreamStatusCancelled,
		map[string]any{
			"error":        reason,
			"completed_at": nanos(at),
		})
}

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

// InsertAuthCode stores a new authorization code.
func (s *Store) InsertAuthCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if err := code.Validate(); err != nil {
		return err
	}

	stored := *code
	stored.Consumed = false
	stored.ConsumedAt = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding authorization code: %w", err)
	}

	_, err = exec(ctx, s.db, psq.Insert("authorization_codes").
		Columns("code", "data", "client_id", "redirect_uri", "expires_at").
		Values(code.Code, string(data), code.ClientID, code.RedirectURI, expiryNanos(code.ExpiresAt)))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// GetAuthCode returns the code without consuming it.
func (s *Store) GetAuthCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	row, err := queryRow(ctx, s.db, psq.Select("data", "consumed", "consumed_at").
		From("authorization_codes").
		Where(sq.Eq{"code": code}))
	if err != nil {
		return nil, err
	}

	var (
		data       string
		consumed   bool
		consumedAt sql.NullInt64
	)
	if err := row.Scan(&data, &consumed, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("reading authorization code: %w", err)
	}

	var ac storage.AuthorizationCode
	if err := json.Unmarshal([]byte(data), &ac); err != nil {
		return nil, fmt.Errorf("decoding authorization code: %w", err)
	}
	ac.Consumed = consumed
	ac.ConsumedAt = nullTime(consumedAt)
	return &ac, nil
}

// TryConsumeAuthCode atomically consumes the code if it matches.
func (s *Store) TryConsumeAuthCode(
	ctx context.Context, code, clientID, redirectURI string, usedAt time.Time,
) (bool, error) {
	res, err := exec(ctx, s.db, psq.Update("authorization_codes").
		Set("consumed", 1).
		Set("consumed_at", nanos(usedAt)).
		Where(sq.Eq{
			"code":         code,
			"consumed":     0,
			"client_id":    clientID,
			"redirect_uri": redirectURI,
		}).
		Where(sq.Gt{"expires_at": nanos(usedAt)}))
	if err != nil {
		return false, fmt.Errorf("consuming authorization code: %w", err)
	}
	ok, err := changedOne(res)
	if err != nil || ok {
		return ok, err
	}

	reason := "not found"
	if existing, getErr := s.GetAuthCode(ctx, code); getErr == nil {
		reason = existing.MismatchReason(clientID, redirectURI, usedAt)
	}
	logger.Debugw("authorization code not consumed", "reason", reason, "client_id", clientID)
	return false, nil
}

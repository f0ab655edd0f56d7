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
)

// upsertSessionSuffix keeps sid and created_at of the existing row for the
// same upstream identity and replaces everything else.
const upsertSessionSuffix = `ON CONFLICT (provider, upstream_sub) DO UPDATE SET
		upstream_issuer = excluded.upstream_issuer,
		upstream_session_sid = excluded.upstream_session_sid,
		data = excluded.data,
		expires_at = excluded.expires_at
	RETURNING sid, created_at`

// UpsertSessionByUpstreamSub creates or replaces the session for the upstream identity.
func (s *Store) UpsertSessionByUpstreamSub(ctx context.Context, session *storage.OidcSession) (*storage.OidcSession, error) {
	if session == nil || session.Provider == "" || session.UpstreamSub == "" {
		return nil, errors.New("session requires provider and upstream subject")
	}

	stored := *session
	if stored.Sid == "" {
		existing, err := s.sidForUpstreamSub(ctx, session.Provider, session.UpstreamSub)
		if err != nil {
			return nil, err
		}
		stored.Sid = existing
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}

	row, err := queryRow(ctx, s.db, psq.Insert("sessions").
		Columns("sid", "provider", "upstream_sub", "upstream_issuer", "upstream_session_sid",
			"data", "created_at", "expires_at").
		Values(stored.Sid, stored.Provider, stored.UpstreamSub, stored.UpstreamIssuer, stored.UpstreamSessionSid,
			string(data), nanos(stored.CreatedAt), expiryNanos(stored.ExpiresAt)).
		Suffix(upsertSessionSuffix))
	if err != nil {
		return nil, err
	}

	var (
		sid       string
		createdAt int64
	)
	if err := row.Scan(&sid, &createdAt); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: session sid", storage.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("upserting session: %w", err)
	}

	stored.Sid = sid
	stored.CreatedAt = fromNanos(createdAt)
	return &stored, nil
}

func (s *Store) sidForUpstreamSub(ctx context.Context, provider, sub string) (string, error) {
	row, err := queryRow(ctx, s.db, psq.Select("sid").
		From("sessions").
		Where(sq.Eq{"provider": provider, "upstream_sub": sub}))
	if err != nil {
		return "", err
	}
	var sid string
	if err := row.Scan(&sid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.New("session requires a sid")
		}
		return "", fmt.Errorf("reading session: %w", err)
	}
	return sid, nil
}

func scanSession(scan func(dest ...any) error) (*storage.OidcSession, error) {
	var (
		sid       string
		data      string
		createdAt int64
	)
	if err := scan(&sid, &data, &createdAt); err != nil {
		return nil, err
	}
	var session storage.OidcSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	session.Sid = sid
	session.CreatedAt = fromNanos(createdAt)
	return &session, nil
}

// GetSession returns the session with sid.
func (s *Store) GetSession(ctx context.Context, sid string) (*storage.OidcSession, error) {
	row, err := queryRow(ctx, s.db, psq.Select("sid", "data", "created_at").
		From("sessions").
		Where(sq.Eq{"sid": sid}))
	if err != nil {
		return nil, err
	}
	session, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}
	return session, nil
}

// GetSessionsByUpstreamSid returns the sessions created from one upstream session.
func (s *Store) GetSessionsByUpstreamSid(
	ctx context.Context, upstreamIssuer, upstreamSid string,
) ([]*storage.OidcSession, error) {
	if upstreamSid == "" {
		return []*storage.OidcSession{}, nil
	}

	rows, err := queryRows(ctx, s.db, psq.Select("sid", "data", "created_at").
		From("sessions").
		Where(sq.Eq{"upstream_issuer": upstreamIssuer, "upstream_session_sid": upstreamSid}).
		OrderBy("created_at"))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*storage.OidcSession{}
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("reading session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return out, nil
}

// TouchSession records activity on a session.
func (s *Store) TouchSession(ctx context.Context, sid string, lastSeen, expiresAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row, err := queryRow(ctx, tx, psq.Select("sid", "data", "created_at").
		From("sessions").
		Where(sq.Eq{"sid": sid}))
	if err != nil {
		return false, err
	}
	session, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading session: %w", err)
	}

	session.LastSeenAt = lastSeen
	session.ExpiresAt = expiresAt
	data, err := json.Marshal(session)
	if err != nil {
		return false, fmt.Errorf("encoding session: %w", err)
	}

	res, err := exec(ctx, tx, psq.Update("sessions").
		Set("data", string(data)).
		Set("expires_at", expiryNanos(expiresAt)).
		Where(sq.Eq{"sid": sid}))
	if err != nil {
		return false, fmt.Errorf("touching session: %w", err)
	}
	ok, err := changedOne(res)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return ok, nil
}

// DeleteSession removes the session with sid.
func (s *Store) DeleteSession(ctx context.Context, sid string) (bool, error) {
	res, err := exec(ctx, s.db, psq.Delete("sessions").Where(sq.Eq{"sid": sid}))
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return changedOne(res)
}

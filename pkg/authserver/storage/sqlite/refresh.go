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
	"github.com/google/uuid"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
)

// GetOrCreateFamily returns the family id for the triple, creating it if absent.
func (s *Store) GetOrCreateFamily(ctx context.Context, clientID, subject, opSid string) (string, error) {
	_, err := exec(ctx, s.db, psq.Insert("refresh_token_families").
		Columns("family_id", "client_id", "subject", "op_sid", "created_at").
		Values(uuid.NewString(), clientID, subject, opSid, nanos(time.Now())).
		Suffix("ON CONFLICT (client_id, subject, op_sid) DO NOTHING"))
	if err != nil {
		return "", fmt.Errorf("creating refresh token family: %w", err)
	}

	row, err := queryRow(ctx, s.db, psq.Select("family_id").
		From("refresh_token_families").
		Where(sq.Eq{"client_id": clientID, "subject": subject, "op_sid": opSid}))
	if err != nil {
		return "", err
	}
	var familyID string
	if err := row.Scan(&familyID); err != nil {
		return "", fmt.Errorf("reading refresh token family: %w", err)
	}
	return familyID, nil
}

// InsertRefreshToken stores a new active refresh token.
func (s *Store) InsertRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if err := token.Validate(); err != nil {
		return err
	}

	stored := *token
	stored.Status = storage.RefreshTokenActive
	stored.UsedAt = nil
	stored.RotatedToTokenID = ""
	stored.RevokedAt = nil
	stored.RevokedReason = ""
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding refresh token: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row, err := queryRow(ctx, tx, psq.Select("1").
		From("refresh_token_families").
		Where(sq.Eq{"family_id": token.FamilyID}))
	if err != nil {
		return err
	}
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: refresh token family", storage.ErrNotFound)
		}
		return fmt.Errorf("reading refresh token family: %w", err)
	}

	_, err = exec(ctx, tx, psq.Insert("refresh_tokens").
		Columns("token_id", "lookup_key", "family_id", "data", "status", "expires_at").
		Values(token.TokenID, token.LookupKey, token.FamilyID, string(data),
			string(storage.RefreshTokenActive), expiryNanos(token.ExpiresAt)))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: refresh token", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetRefreshTokenByLookupKey resolves a presented token by its lookup key.
func (s *Store) GetRefreshTokenByLookupKey(ctx context.Context, lookupKey string) (*storage.RefreshToken, error) {
	row, err := queryRow(ctx, s.db, psq.Select(
		"data", "status", "used_at", "rotated_to", "revoked_at", "revoked_reason",
	).From("refresh_tokens").Where(sq.Eq{"lookup_key": lookupKey}))
	if err != nil {
		return nil, err
	}

	var (
		data, status, rotatedTo, revokedReason string
		usedAt, revokedAt                      sql.NullInt64
	)
	if err := row.Scan(&data, &status, &usedAt, &rotatedTo, &revokedAt, &revokedReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}

	var token storage.RefreshToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("decoding refresh token: %w", err)
	}
	token.Status = storage.RefreshTokenStatus(status)
	token.UsedAt = nullTime(usedAt)
	token.RotatedToTokenID = rotatedTo
	token.RevokedAt = nullTime(revokedAt)
	token.RevokedReason = revokedReason
	return &token, nil
}

// MarkRefreshTokenUsed moves an active token to used.
func (s *Store) MarkRefreshTokenUsed(
	ctx context.Context, tokenID, rotatedToTokenID string, at time.Time,
) (bool, error) {
	res, err := exec(ctx, s.db, psq.Update("refresh_tokens").
		Set("status", string(storage.RefreshTokenUsed)).
		Set("used_at", nanos(at)).
		Set("rotated_to", rotatedToTokenID).
		Where(sq.Eq{"token_id": tokenID, "status": string(storage.RefreshTokenActive)}))
	if err != nil {
		return false, fmt.Errorf("marking refresh token used: %w", err)
	}
	return changedOne(res)
}

func revokeSet(reason string, at time.Time) map[string]any {
	return map[string]any{
		"status":         string(storage.RefreshTokenRevoked),
		"revoked_at":     nanos(at),
		"revoked_reason": reason,
	}
}

// RevokeRefreshToken revokes a token that is not already revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID, reason string, at time.Time) (bool, error) {
	res, err := exec(ctx, s.db, psq.Update("refresh_tokens").
		SetMap(revokeSet(reason, at)).
		Where(sq.Eq{"token_id": tokenID}).
		Where(sq.NotEq{"status": string(storage.RefreshTokenRevoked)}))
	if err != nil {
		return false, fmt.Errorf("revoking refresh token: %w", err)
	}
	return changedOne(res)
}

// RevokeRefreshTokenFamily revokes every non-revoked token of the family.
func (s *Store) RevokeRefreshTokenFamily(
	ctx context.Context, familyID, reason string, at time.Time,
) (int, error) {
	res, err := exec(ctx, s.db, psq.Update("refresh_tokens").
		SetMap(revokeSet(reason, at)).
		Where(sq.Eq{"family_id": familyID}).
		Where(sq.NotEq{"status": string(storage.RefreshTokenRevoked)}))
	if err != nil {
		return 0, fmt.Errorf("revoking refresh token family: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

// GetFamiliesByOpSid returns the families bound to an OP session.
func (s *Store) GetFamiliesByOpSid(ctx context.Context, opSid string) ([]*storage.RefreshTokenFamily, error) {
	rows, err := queryRows(ctx, s.db, psq.Select("family_id", "client_id", "subject", "op_sid", "created_at").
		From("refresh_token_families").
		Where(sq.Eq{"op_sid": opSid}).
		OrderBy("created_at"))
	if err != nil {
		return nil, fmt.Errorf("listing refresh token families: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*storage.RefreshTokenFamily{}
	for rows.Next() {
		var (
			f         storage.RefreshTokenFamily
			createdAt int64
		)
		if err := rows.Scan(&f.FamilyID, &f.ClientID, &f.Subject, &f.OpSid, &createdAt); err != nil {
			return nil, fmt.Errorf("reading refresh token family: %w", err)
		}
		f.CreatedAt = fromNanos(createdAt)
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing refresh token families: %w", err)
	}
	return out, nil
}

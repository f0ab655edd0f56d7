// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package changelog records mutations of the client registry as an
// append-only list of typed entries.
package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Kind discriminates the payload of an Entry.
type Kind string

// Entry kinds.
const (
	KindCreate              Kind = "create"
	KindUpdate              Kind = "update"
	KindRightsUpdate        Kind = "rights_update"
	KindAccessPackageUpdate Kind = "access_package_update"
	KindDelete              Kind = "delete"
)

// Payload is implemented by every change type.
type Payload interface {
	Kind() Kind
}

// Create records a new registration.
type Create struct {
	ClientID     string   `json:"client_id"`
	Name         string   `json:"name,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Update records changed registration fields.
type Update struct {
	ClientID string            `json:"client_id"`
	Changed  map[string]string `json:"changed,omitempty"`
}

// RightsUpdate records a change of the rights granted to a client.
type RightsUpdate struct {
	ClientID string   `json:"client_id"`
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// AccessPackageUpdate records a change of the access packages of a client.
type AccessPackageUpdate struct {
	ClientID string   `json:"client_id"`
	Packages []string `json:"packages,omitempty"`
}

// Delete records removal of a registration.
type Delete struct {
	ClientID string `json:"client_id"`
}

// Kind implements Payload.
func (Create) Kind() Kind { return KindCreate }

// Kind implements Payload.
func (Update) Kind() Kind { return KindUpdate }

// Kind implements Payload.
func (RightsUpdate) Kind() Kind { return KindRightsUpdate }

// Kind implements Payload.
func (AccessPackageUpdate) Kind() Kind { return KindAccessPackageUpdate }

// Kind implements Payload.
func (Delete) Kind() Kind { return KindDelete }

// Entry is one recorded change.
type Entry struct {
	Sequence   int64
	RecordedAt time.Time
	Actor      string
	Payload    Payload
}

type wireEntry struct {
	Sequence   int64           `json:"sequence"`
	RecordedAt time.Time       `json:"recorded_at"`
	Actor      string          `json:"actor,omitempty"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the entry with an explicit kind discriminator.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("changelog entry has no payload")
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Payload.Kind(), err)
	}
	return json.Marshal(wireEntry{
		Sequence:   e.Sequence,
		RecordedAt: e.RecordedAt,
		Actor:      e.Actor,
		Kind:       e.Payload.Kind(),
		Payload:    raw,
	})
}

// UnmarshalJSON decodes the payload selected by the kind discriminator.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var (
		payload Payload
		err     error
	)
	switch w.Kind {
	case KindCreate:
		payload, err = decode[Create](w.Payload)
	case KindUpdate:
		payload, err = decode[Update](w.Payload)
	case KindRightsUpdate:
		payload, err = decode[RightsUpdate](w.Payload)
	case KindAccessPackageUpdate:
		payload, err = decode[AccessPackageUpdate](w.Payload)
	case KindDelete:
		payload, err = decode[Delete](w.Payload)
	default:
		return fmt.Errorf("unknown changelog kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", w.Kind, err)
	}

	*e = Entry{Sequence: w.Sequence, RecordedAt: w.RecordedAt, Actor: w.Actor, Payload: payload}
	return nil
}

func decode[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Log stores change entries.
type Log interface {
	// Append records payload and returns the stored entry.
	Append(ctx context.Context, actor string, payload Payload) (Entry, error)
	// Since returns entries with a sequence greater than after, oldest first.
	Since(ctx context.Context, after int64) ([]Entry, error)
}

// MemoryLog is a Log kept in process memory.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, actor string, payload Payload) (Entry, error) {
	if payload == nil {
		return Entry{}, errors.New("changelog payload is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Sequence:   int64(len(l.entries)) + 1,
		RecordedAt: l.now().UTC(),
		Actor:      actor,
		Payload:    payload,
	}
	l.entries = append(l.entries, e)
	return e, nil
}

// Since implements Log.
func (l *MemoryLog) Since(_ context.Context, after int64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, _ := slices.BinarySearchFunc(l.entries, after+1, func(e Entry, seq int64) int {
		switch {
		case e.Sequence < seq:
			return -1
		case e.Sequence > seq:
			return 1
		default:
			return 0
		}
	})
	return slices.Clone(l.entries[idx:]), nil
}

var _ Log = (*MemoryLog)(nil)

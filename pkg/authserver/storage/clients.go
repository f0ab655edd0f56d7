// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "context"

//go:generate mockgen -destination=mocks/mock_clients.go -package=mocks -source=clients.go ClientRegistry

// ClientRegistry resolves registered downstream clients.
type ClientRegistry interface {
	// GetClient returns ErrNotFound for unknown client ids.
	GetClient(ctx context.Context, clientID string) (*OidcClient, error)
	// ListClients returns every registered client.
	ListClients(ctx context.Context) ([]*OidcClient, error)
}

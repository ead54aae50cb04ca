package transport

import (
	"context"

	"github.com/oriys/courier/internal/roomclient"
)

// TokenStore persists the room-service login token across restarts.
// Production deployments back this with AWS Secrets Manager
// (see config.TokenStoreConfig); it is optional, never required for
// correctness since room inventory is always re-derived from the room
// service on login.
type TokenStore interface {
	Load(ctx context.Context) (*roomclient.AuthToken, error)
	Save(ctx context.Context, token *roomclient.AuthToken) error
}

// NoopTokenStore never persists anything; Transport always performs a
// fresh Login with no previous token.
type NoopTokenStore struct{}

func (NoopTokenStore) Load(ctx context.Context) (*roomclient.AuthToken, error)     { return nil, nil }
func (NoopTokenStore) Save(ctx context.Context, token *roomclient.AuthToken) error { return nil }

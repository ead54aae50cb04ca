package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/roomclient"
)

// FileTokenStore persists the room-service login token as JSON on local
// disk, for single-node deployments that do not warrant AWS Secrets
// Manager. Satisfies transport.TokenStore by method set.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore builds a store writing to path. The file is created
// on first Save if missing; its parent directory must already exist.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	if path == "" {
		return nil, fmt.Errorf("config: file token store requires a path")
	}
	return &FileTokenStore{path: path}, nil
}

// Load reads and decodes the stored token. A missing file is not an
// error: it returns (nil, nil) so Transport.Start performs a fresh login.
func (s *FileTokenStore) Load(ctx context.Context) (*roomclient.AuthToken, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read token file: %w", err)
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("config: decode stored token: %w", err)
	}
	return &roomclient.AuthToken{
		UserID:      identity.UserID(st.UserID),
		AccessToken: st.AccessToken,
		DeviceID:    st.DeviceID,
	}, nil
}

// Save overwrites the token file with token's contents.
func (s *FileTokenStore) Save(ctx context.Context, token *roomclient.AuthToken) error {
	if token == nil {
		return nil
	}
	data, err := json.Marshal(storedToken{
		UserID:      string(token.UserID),
		AccessToken: token.AccessToken,
		DeviceID:    token.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("config: encode token: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("config: write token file: %w", err)
	}
	return nil
}

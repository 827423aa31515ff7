package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// VaultBlob is the sealed secrets vault's on-disk form: an Argon2id salt and
// a map of secret name to AES-256-GCM-sealed value, exactly what
// internal/secrets.Vault's WithPersist callback produces and Unlock expects
// back. Stored as a single key so a vault rotation is one atomic write.
type VaultBlob struct {
	Salt   []byte            `json:"salt"`
	Sealed map[string]string `json:"sealed"`
}

const vaultBlobKey = PrefixVault + "blob"

// PutVaultBlob persists the sealed vault, overwriting whatever was there.
func (s *SQLiteStore) PutVaultBlob(ctx context.Context, salt []byte, sealed map[string]string) error {
	data, err := json.Marshal(VaultBlob{Salt: salt, Sealed: sealed})
	if err != nil {
		return fmt.Errorf("marshal vault blob: %w", err)
	}
	return s.Put(ctx, vaultBlobKey, data)
}

// GetVaultBlob loads the sealed vault, if one has ever been written.
func (s *SQLiteStore) GetVaultBlob(ctx context.Context) (VaultBlob, bool, error) {
	raw, ok, err := s.Get(ctx, vaultBlobKey)
	if err != nil || !ok {
		return VaultBlob{}, ok, err
	}
	var blob VaultBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return VaultBlob{}, false, fmt.Errorf("decode vault blob: %w", err)
	}
	return blob, true, nil
}

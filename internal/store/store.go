// Package store provides the flat key/value persistence layer the engine
// runs on. Keys are stable strings ("flows", "models", "mcp_servers",
// "conversations/<id>", "global_env_vars", "encryption_metadata"); values
// are JSON-encoded records. Backends are interchangeable: in-memory, one
// file per key, or a redis hash. Nothing outside this package touches
// durable storage directly.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when the key has never been saved.
// Callers are expected to map it to a default value.
var ErrNotFound = errors.New("store: key not found")

// Store is the narrow capability set every backend implements.
// Writes to a single key are serialized by the backend; writes to distinct
// keys may proceed concurrently. The store is not transactional across keys.
type Store interface {
	// Load returns the raw value stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save persists value under key, replacing any previous value.
	Save(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Well-known keys. Conversations use ConversationKey(id).
const (
	KeyFlows              = "flows"
	KeyModels             = "models"
	KeyMCPServers         = "mcp_servers"
	KeyGlobalEnvVars      = "global_env_vars"
	KeyEncryptionMetadata = "encryption_metadata"
)

// ConversationKey returns the storage key for a conversation id.
func ConversationKey(id string) string {
	return "conversations/" + id
}

// LoadJSON loads and decodes the record under key into out.
// A missing key leaves out untouched and returns ErrNotFound so callers can
// fall back to a default.
func LoadJSON(ctx context.Context, s Store, key string, out any) error {
	data, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("store: decode %q: %w", key, err)
	}
	return nil
}

// SaveJSON encodes v and persists it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	return s.Save(ctx, key, data)
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tracevault/tracevault/internal/kvstore"
)

// StateKeyPrefix is the key namespace for persisted window state.
const StateKeyPrefix = "ratelimit:state:"

// KVStateStore persists the window state as a JSON blob in the key-value
// backend. The routing handle identifies the state cell; the actor owning
// that handle is the only writer.
type KVStateStore struct {
	client *kvstore.Client
	key    string
}

// NewKVStateStore creates a KVStateStore for the given routing handle.
func NewKVStateStore(client *kvstore.Client, handle string) *KVStateStore {
	return &KVStateStore{client: client, key: StateKeyPrefix + handle}
}

// Load fetches the persisted state blob, returning nil when none exists.
func (s *KVStateStore) Load(ctx context.Context) (*State, error) {
	res, err := s.client.Do(ctx, "GET", s.key)
	if err != nil {
		return nil, fmt.Errorf("get state blob: %w", err)
	}
	if res.IsNull() {
		return nil, nil
	}
	raw, err := res.Str()
	if err != nil {
		return nil, fmt.Errorf("read state blob: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode state blob: %w", err)
	}
	return &state, nil
}

// Save replaces the persisted state blob.
func (s *KVStateStore) Save(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state blob: %w", err)
	}
	if _, err := s.client.Do(ctx, "SET", s.key, string(raw)); err != nil {
		return fmt.Errorf("set state blob: %w", err)
	}
	return nil
}

var _ StateStore = (*KVStateStore)(nil)

package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/flujo-ai/flujo/internal/store"
)

// LoadAll reads every stored flow. A missing record means no flows exist yet.
func LoadAll(ctx context.Context, s store.Store) ([]Flow, error) {
	var flows []Flow
	if err := store.LoadJSON(ctx, s, store.KeyFlows, &flows); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return flows, nil
}

// Load returns the flow with the given id.
func Load(ctx context.Context, s store.Store, id string) (*Flow, error) {
	flows, err := LoadAll(ctx, s)
	if err != nil {
		return nil, err
	}
	for i := range flows {
		if flows[i].ID == id {
			return &flows[i], nil
		}
	}
	return nil, fmt.Errorf("flow: no flow with id %q", id)
}

// LoadByName returns the flow with the given display name. Chat requests
// address flows as "flow-<Name>", so name lookup is the entry path.
func LoadByName(ctx context.Context, s store.Store, name string) (*Flow, error) {
	flows, err := LoadAll(ctx, s)
	if err != nil {
		return nil, err
	}
	for i := range flows {
		if flows[i].Name == name {
			return &flows[i], nil
		}
	}
	return nil, fmt.Errorf("flow: no flow named %q", name)
}

package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nodewarden/validator-supervisor/internal/registry"
)

// ActiveValidator identifies the instance currently holding the leader key,
// if any.
type ActiveValidator struct {
	Node string `json:"Node"`
	Name string `json:"Name"`
}

// LookupActiveValidator reads the leader key directly from the registry
// and resolves its holding session to a live node, independent of this
// instance's own state machine.
func LookupActiveValidator(ctx context.Context, client *registry.Client, leaderKey string) (*ActiveValidator, error) {
	kv, err := client.GetKey(ctx, leaderKey)
	if err != nil {
		return nil, fmt.Errorf("read leader key: %w", err)
	}
	if kv == nil || kv.Session == nil {
		return nil, nil
	}

	session, err := client.GetSession(ctx, *kv.Session)
	if err != nil {
		return nil, fmt.Errorf("read leader session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	value, err := kv.DecodedValue()
	if err != nil {
		return nil, fmt.Errorf("decode leader key value: %w", err)
	}

	var meta registry.LeaderMetadata
	if err := json.Unmarshal(value, &meta); err != nil {
		return nil, fmt.Errorf("parse leader metadata: %w", err)
	}

	return &ActiveValidator{Node: meta.NodeID, Name: session.Name}, nil
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/conductor/kv"
	"github.com/c360studio/conductor/workflow"
)

// AgentInfo is the descriptor an agent writes into the registry hash when it
// comes online and refreshes on heartbeat.
type AgentInfo struct {
	AgentID      string    `json:"agent_id"`
	AgentType    string    `json:"agent_type"`
	Status       string    `json:"status"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Registry reads and maintains the shared agent registry hash in the KV
// store.
type Registry struct {
	kv kv.Store

	// Liveness horizon; agents whose last_seen is older are not counted.
	StaleAfter time.Duration
}

// NewRegistry builds a Registry with a 2 minute liveness horizon.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{kv: store, StaleAfter: 2 * time.Minute}
}

// Register writes or refreshes an agent's descriptor.
func (r *Registry) Register(ctx context.Context, info AgentInfo) error {
	if info.AgentID == "" {
		return workflow.NewValidationError("agent_id", "agent_id is required")
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now().UTC()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal agent info: %w", err)
	}
	return r.kv.HashSet(ctx, workflow.AgentRegistryKey, info.AgentID, data)
}

// Deregister removes an agent from the registry.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	return r.kv.HashDelete(ctx, workflow.AgentRegistryKey, agentID)
}

// Agents returns every registered descriptor. Entries that fail to decode
// are skipped.
func (r *Registry) Agents(ctx context.Context) ([]AgentInfo, error) {
	fields, err := r.kv.HashGetAll(ctx, workflow.AgentRegistryKey)
	if err != nil {
		return nil, fmt.Errorf("read agent registry: %w", err)
	}
	agents := make([]AgentInfo, 0, len(fields))
	for _, raw := range fields {
		var info AgentInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		agents = append(agents, info)
	}
	return agents, nil
}

// LiveAgents counts registered agents of the given type whose last_seen is
// within the liveness horizon.
func (r *Registry) LiveAgents(ctx context.Context, agentType string) (int, error) {
	agents, err := r.Agents(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-r.StaleAfter)
	live := 0
	for _, a := range agents {
		if a.AgentType == agentType && a.LastSeen.After(cutoff) {
			live++
		}
	}
	return live, nil
}

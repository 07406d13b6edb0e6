package ledger

import (
	"context"
	"fmt"
)

// ReadConfig loads the network config for programID, or nil when the network
// has not been initialized.
func ReadConfig(ctx context.Context, r Reader, programID Address) (*NetworkConfig, error) {
	addr, _, err := ConfigAddress(programID)
	if err != nil {
		return nil, fmt.Errorf("derive config address: %w", err)
	}
	rec, err := r.Get(ctx, addr)
	if err != nil || !rec.HasData() {
		return nil, err
	}
	return UnmarshalNetworkConfig(rec.Data)
}

// ReadNode loads the node record registered for identity, or nil.
func ReadNode(ctx context.Context, r Reader, programID, identity Address) (*NodeAccount, error) {
	addr, _, err := NodeAddress(programID, identity)
	if err != nil {
		return nil, fmt.Errorf("derive node address: %w", err)
	}
	rec, err := r.Get(ctx, addr)
	if err != nil || !rec.HasData() {
		return nil, err
	}
	return UnmarshalNodeAccount(rec.Data)
}

// ReadTask loads the task record for (identity, taskHash), or nil.
func ReadTask(ctx context.Context, r Reader, programID, identity Address, taskHash [32]byte) (*TaskRecord, error) {
	addr, _, err := TaskAddress(programID, identity, taskHash)
	if err != nil {
		return nil, fmt.Errorf("derive task address: %w", err)
	}
	rec, err := r.Get(ctx, addr)
	if err != nil || !rec.HasData() {
		return nil, err
	}
	return UnmarshalTaskRecord(rec.Data)
}

// NodeView is the read-only state a coordinator needs about one node.
type NodeView struct {
	Config *NetworkConfig `json:"config"`
	Node   *NodeAccount   `json:"node"`
}

// Snapshot reads the config and the node record of identity without opening
// a transaction. Either field is nil when the record does not exist.
func (p *Processor) Snapshot(ctx context.Context, identity Address) (*NodeView, error) {
	cfg, err := ReadConfig(ctx, p.store, p.programID)
	if err != nil {
		return nil, err
	}
	node, err := ReadNode(ctx, p.store, p.programID, identity)
	if err != nil {
		return nil, err
	}
	return &NodeView{Config: cfg, Node: node}, nil
}

package ledger

import (
	"encoding/binary"
)

// Encoded sizes of the three record kinds.
const (
	NetworkConfigSize = 32 + 32 + 8 + 8 + 1
	NodeAccountSize   = 32 + 32 + 8 + 8 + 8 + 1
	TaskRecordSize    = 32 + 32 + 8 + 8 + 1
)

// NetworkConfig is the singleton network configuration record.
type NetworkConfig struct {
	Authority        Address `json:"authority"`
	RewardMint       Address `json:"reward_mint"`
	TotalTasks       uint64  `json:"total_tasks"`
	TotalRewardUnits uint64  `json:"total_reward_units"`
	Bump             uint8   `json:"bump"`
}

// NodeAccount tracks one worker identity's completed work and reward balance.
type NodeAccount struct {
	NodeIdentity       Address `json:"node_identity"`
	Authority          Address `json:"authority"`
	CompletedTasks     uint64  `json:"completed_tasks"`
	PendingRewardUnits uint64  `json:"pending_reward_units"`
	TotalRewardUnits   uint64  `json:"total_reward_units"`
	Bump               uint8   `json:"bump"`
}

// TaskRecord is the append-only audit entry for one submitted task.
type TaskRecord struct {
	NodeIdentity Address  `json:"node_identity"`
	TaskHash     [32]byte `json:"task_hash"`
	RewardUnits  uint64   `json:"reward_units"`
	SubmittedAt  int64    `json:"submitted_at"`
	Bump         uint8    `json:"bump"`
}

// Marshal encodes the config into its fixed little-endian layout.
func (c *NetworkConfig) Marshal() []byte {
	buf := make([]byte, NetworkConfigSize)
	copy(buf[0:32], c.Authority[:])
	copy(buf[32:64], c.RewardMint[:])
	binary.LittleEndian.PutUint64(buf[64:72], c.TotalTasks)
	binary.LittleEndian.PutUint64(buf[72:80], c.TotalRewardUnits)
	buf[80] = c.Bump
	return buf
}

// UnmarshalNetworkConfig decodes a config record.
func UnmarshalNetworkConfig(data []byte) (*NetworkConfig, error) {
	if len(data) != NetworkConfigSize {
		return nil, newError(CodeInvalidRecordData, "config record is %d bytes, want %d", len(data), NetworkConfigSize)
	}
	c := &NetworkConfig{}
	copy(c.Authority[:], data[0:32])
	copy(c.RewardMint[:], data[32:64])
	c.TotalTasks = binary.LittleEndian.Uint64(data[64:72])
	c.TotalRewardUnits = binary.LittleEndian.Uint64(data[72:80])
	c.Bump = data[80]
	return c, nil
}

// Marshal encodes the node into its fixed little-endian layout.
func (n *NodeAccount) Marshal() []byte {
	buf := make([]byte, NodeAccountSize)
	copy(buf[0:32], n.NodeIdentity[:])
	copy(buf[32:64], n.Authority[:])
	binary.LittleEndian.PutUint64(buf[64:72], n.CompletedTasks)
	binary.LittleEndian.PutUint64(buf[72:80], n.PendingRewardUnits)
	binary.LittleEndian.PutUint64(buf[80:88], n.TotalRewardUnits)
	buf[88] = n.Bump
	return buf
}

// UnmarshalNodeAccount decodes a node record.
func UnmarshalNodeAccount(data []byte) (*NodeAccount, error) {
	if len(data) != NodeAccountSize {
		return nil, newError(CodeInvalidRecordData, "node record is %d bytes, want %d", len(data), NodeAccountSize)
	}
	n := &NodeAccount{}
	copy(n.NodeIdentity[:], data[0:32])
	copy(n.Authority[:], data[32:64])
	n.CompletedTasks = binary.LittleEndian.Uint64(data[64:72])
	n.PendingRewardUnits = binary.LittleEndian.Uint64(data[72:80])
	n.TotalRewardUnits = binary.LittleEndian.Uint64(data[80:88])
	n.Bump = data[88]
	return n, nil
}

// Marshal encodes the task into its fixed little-endian layout.
func (t *TaskRecord) Marshal() []byte {
	buf := make([]byte, TaskRecordSize)
	copy(buf[0:32], t.NodeIdentity[:])
	copy(buf[32:64], t.TaskHash[:])
	binary.LittleEndian.PutUint64(buf[64:72], t.RewardUnits)
	binary.LittleEndian.PutUint64(buf[72:80], uint64(t.SubmittedAt))
	buf[80] = t.Bump
	return buf
}

// UnmarshalTaskRecord decodes a task record.
func UnmarshalTaskRecord(data []byte) (*TaskRecord, error) {
	if len(data) != TaskRecordSize {
		return nil, newError(CodeInvalidRecordData, "task record is %d bytes, want %d", len(data), TaskRecordSize)
	}
	t := &TaskRecord{}
	copy(t.NodeIdentity[:], data[0:32])
	copy(t.TaskHash[:], data[32:64])
	t.RewardUnits = binary.LittleEndian.Uint64(data[64:72])
	t.SubmittedAt = int64(binary.LittleEndian.Uint64(data[72:80]))
	t.Bump = data[80]
	return t, nil
}

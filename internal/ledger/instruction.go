package ledger

import (
	"encoding/binary"
	"fmt"
)

// Instruction discriminants, the first byte of every payload.
const (
	OpInitNetwork  uint8 = 0
	OpRegisterNode uint8 = 1
	OpSubmitTask   uint8 = 2
	OpClaimReward  uint8 = 3
)

// Instruction is one of InitNetwork, RegisterNode, SubmitTask, ClaimReward.
type Instruction interface {
	Op() uint8
	Name() string
	// AccountCount is the number of record references the instruction consumes.
	AccountCount() int
	Marshal() []byte
}

// InitNetwork creates or updates the config record.
//
// Accounts: 0 payer (signer), 1 config (writable).
type InitNetwork struct {
	Authority  Address
	RewardMint Address
}

// RegisterNode creates a node record under the configured authority.
//
// Accounts: 0 authority (signer), 1 config, 2 node identity (signer), 3 node record (writable).
type RegisterNode struct{}

// SubmitTask records a completed task and credits its reward.
//
// Accounts: 0 node identity (signer), 1 node record (writable), 2 config (writable),
// 3 task record (writable).
type SubmitTask struct {
	TaskHash    [32]byte
	RewardUnits uint64
}

// ClaimReward clears settled units from a node's pending balance.
//
// Accounts: 0 authority (signer), 1 config, 2 node record (writable).
type ClaimReward struct {
	Amount uint64
}

func (InitNetwork) Op() uint8  { return OpInitNetwork }
func (RegisterNode) Op() uint8 { return OpRegisterNode }
func (SubmitTask) Op() uint8   { return OpSubmitTask }
func (ClaimReward) Op() uint8  { return OpClaimReward }

func (InitNetwork) Name() string  { return "init_network" }
func (RegisterNode) Name() string { return "register_node" }
func (SubmitTask) Name() string   { return "submit_task" }
func (ClaimReward) Name() string  { return "claim_reward" }

func (InitNetwork) AccountCount() int  { return 2 }
func (RegisterNode) AccountCount() int { return 4 }
func (SubmitTask) AccountCount() int   { return 4 }
func (ClaimReward) AccountCount() int  { return 3 }

// Marshal encodes the instruction payload.
func (i InitNetwork) Marshal() []byte {
	buf := make([]byte, 1+32+32)
	buf[0] = OpInitNetwork
	copy(buf[1:33], i.Authority[:])
	copy(buf[33:65], i.RewardMint[:])
	return buf
}

// Marshal encodes the instruction payload.
func (RegisterNode) Marshal() []byte {
	return []byte{OpRegisterNode}
}

// Marshal encodes the instruction payload.
func (i SubmitTask) Marshal() []byte {
	buf := make([]byte, 1+32+8)
	buf[0] = OpSubmitTask
	copy(buf[1:33], i.TaskHash[:])
	binary.LittleEndian.PutUint64(buf[33:41], i.RewardUnits)
	return buf
}

// Marshal encodes the instruction payload.
func (i ClaimReward) Marshal() []byte {
	buf := make([]byte, 1+8)
	buf[0] = OpClaimReward
	binary.LittleEndian.PutUint64(buf[1:9], i.Amount)
	return buf
}

var payloadSizes = map[uint8]int{
	OpInitNetwork:  1 + 32 + 32,
	OpRegisterNode: 1,
	OpSubmitTask:   1 + 32 + 8,
	OpClaimReward:  1 + 8,
}

// DecodeInstruction parses a payload. Unknown discriminants, short payloads,
// and trailing bytes are all MalformedPayload.
func DecodeInstruction(payload []byte) (Instruction, error) {
	if len(payload) == 0 {
		return nil, newError(CodeMalformedPayload, "empty payload")
	}

	op := payload[0]
	size, ok := payloadSizes[op]
	if !ok {
		return nil, newError(CodeMalformedPayload, "unknown instruction %d", op)
	}
	if len(payload) != size {
		return nil, newError(CodeMalformedPayload, "instruction %d payload is %d bytes, want %d", op, len(payload), size)
	}

	switch op {
	case OpInitNetwork:
		var ix InitNetwork
		copy(ix.Authority[:], payload[1:33])
		copy(ix.RewardMint[:], payload[33:65])
		return ix, nil
	case OpRegisterNode:
		return RegisterNode{}, nil
	case OpSubmitTask:
		var ix SubmitTask
		copy(ix.TaskHash[:], payload[1:33])
		ix.RewardUnits = binary.LittleEndian.Uint64(payload[33:41])
		return ix, nil
	case OpClaimReward:
		return ClaimReward{Amount: binary.LittleEndian.Uint64(payload[1:9])}, nil
	}

	// unreachable while payloadSizes and the switch agree
	return nil, fmt.Errorf("instruction %d has no decoder", op)
}

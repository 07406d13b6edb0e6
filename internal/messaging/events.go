package messaging

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/workledger/internal/ledger"
)

// HeaderEmittedAt carries the protobuf timestamp of an event
const HeaderEmittedAt = "emitted_at"

// NewEvent describes a committed receipt as a protobuf struct
func NewEvent(envelopeID string, receipt *ledger.Receipt) (*structpb.Struct, error) {
	fields := map[string]any{
		"envelope_id": envelopeID,
		"instruction": receipt.Instruction.Name(),
		"created":     addressList(receipt.Created),
		"updated":     addressList(receipt.Updated),
	}
	if c := receipt.Config; c != nil {
		fields["config"] = map[string]any{
			"authority":          c.Authority.String(),
			"reward_mint":        c.RewardMint.String(),
			"total_tasks":        fmt.Sprint(c.TotalTasks),
			"total_reward_units": fmt.Sprint(c.TotalRewardUnits),
		}
	}
	if n := receipt.Node; n != nil {
		fields["node"] = map[string]any{
			"node_identity":        n.NodeIdentity.String(),
			"authority":            n.Authority.String(),
			"completed_tasks":      fmt.Sprint(n.CompletedTasks),
			"pending_reward_units": fmt.Sprint(n.PendingRewardUnits),
			"total_reward_units":   fmt.Sprint(n.TotalRewardUnits),
		}
	}
	if t := receipt.Task; t != nil {
		fields["task"] = map[string]any{
			"node_identity": t.NodeIdentity.String(),
			"task_hash":     hex.EncodeToString(t.TaskHash[:]),
			"reward_units":  fmt.Sprint(t.RewardUnits),
			"submitted_at":  t.SubmittedAt,
		}
	}
	if ix, ok := receipt.Instruction.(ledger.ClaimReward); ok {
		fields["amount"] = fmt.Sprint(ix.Amount)
	}
	return structpb.NewStruct(fields)
}

func addressList(addrs []ledger.Address) []any {
	out := make([]any, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// EventMessage encodes an event and its emission time as a Kafka message
func EventMessage(key string, event *structpb.Struct, at time.Time) (kafka.Message, error) {
	value, err := proto.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	ts, err := proto.Marshal(timestamppb.New(at))
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event time: %w", err)
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    at,
		Headers: []kafka.Header{{Key: HeaderEmittedAt, Value: ts}},
	}, nil
}

// DecodeEvent is the inverse of EventMessage
func DecodeEvent(msg kafka.Message) (*structpb.Struct, time.Time, error) {
	event := &structpb.Struct{}
	if err := proto.Unmarshal(msg.Value, event); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal event: %w", err)
	}
	for _, h := range msg.Headers {
		if h.Key != HeaderEmittedAt {
			continue
		}
		ts := &timestamppb.Timestamp{}
		if err := proto.Unmarshal(h.Value, ts); err != nil {
			return nil, time.Time{}, fmt.Errorf("unmarshal event time: %w", err)
		}
		if err := ts.CheckValid(); err != nil {
			return nil, time.Time{}, fmt.Errorf("invalid event time: %w", err)
		}
		return event, ts.AsTime(), nil
	}
	return event, msg.Time, nil
}

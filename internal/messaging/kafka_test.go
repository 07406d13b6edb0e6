package messaging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/workledger/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", client.brokers)
	}
	if client.writers == nil || client.readers == nil {
		t.Error("pools not initialized")
	}
	if client.Stats().Name != "kafka" {
		t.Errorf("breaker name = %q", client.Stats().Name)
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	p1 := client.GetProducer(TopicResults)
	if p1.Topic != TopicResults {
		t.Errorf("Topic = %s", p1.Topic)
	}
	if p2 := client.GetProducer(TopicResults); p1 != p2 {
		t.Error("expected cached producer")
	}
	if _, ok := p1.Balancer.(*kafka.Hash); !ok {
		t.Errorf("Balancer = %T, want key hashing", p1.Balancer)
	}
	if len(client.writers) != 1 {
		t.Errorf("writers = %d", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	c1 := client.GetConsumer(TopicInstructions, "g1")
	if c2 := client.GetConsumer(TopicInstructions, "g1"); c1 != c2 {
		t.Error("expected cached consumer")
	}
	if c3 := client.GetConsumer(TopicInstructions, "g2"); c1 == c3 {
		t.Error("expected distinct consumer per group")
	}
	if len(client.readers) != 2 {
		t.Errorf("readers = %d", len(client.readers))
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())
	_ = client.GetProducer("topic1")
	_ = client.GetConsumer("topic1", "group1")

	if err := client.Close(); err != nil {
		t.Logf("Close returned error (expected without Kafka): %v", err)
	}
	if len(client.writers) != 0 || len(client.readers) != 0 {
		t.Error("pools not cleared on close")
	}
}

func TestKafkaClient_PublishJSON(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res := NewResult("id", "submit_task", nil, time.Millisecond)
	if err := client.PublishJSON(ctx, TopicResults, res.ID, res); err != nil {
		t.Logf("Expected error without Kafka running: %v", err)
	}
}

func TestPublishJSONRejectsUnmarshalable(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())
	if err := client.PublishJSON(context.Background(), TopicResults, "k", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
	if len(client.writers) != 0 {
		t.Error("producer created for unmarshalable message")
	}
}

func TestEnvelope(t *testing.T) {
	signer := ledger.Address{1}
	accounts := []ledger.AccountRef{ledger.Writable(ledger.Address{2}), ledger.Signer(signer)}
	env := NewEnvelope(accounts, ledger.ClaimReward{Amount: 5})

	if err := env.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if env.Key() != signer.String() {
		t.Errorf("Key() = %s, want first signer", env.Key())
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	ix, err := ledger.DecodeInstruction(decoded.Payload)
	if err != nil {
		t.Fatalf("DecodeInstruction() error = %v", err)
	}
	if claim, ok := ix.(ledger.ClaimReward); !ok || claim.Amount != 5 {
		t.Errorf("decoded instruction = %#v", ix)
	}
	if decoded.Accounts[1] != accounts[1] {
		t.Errorf("accounts = %+v", decoded.Accounts)
	}

	invalid := []*Envelope{
		{ID: "nope", Accounts: accounts, Payload: []byte{3}},
		{ID: env.ID, Accounts: accounts},
		{ID: env.ID, Payload: []byte{3}},
	}
	for i, e := range invalid {
		if err := e.Validate(); err == nil {
			t.Errorf("envelope %d: expected error", i)
		}
	}

	unsigned := &Envelope{ID: env.ID, Accounts: []ledger.AccountRef{ledger.ReadOnly(signer)}}
	if unsigned.Key() != env.ID {
		t.Errorf("Key() without signer = %s", unsigned.Key())
	}
}

func TestNewResult(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   string
		codeName string
	}{
		{"applied", nil, StatusApplied, ""},
		{"rejected", ledger.ErrInsufficientBalance, StatusRejected, "InsufficientBalance"},
		{"failed", io.ErrUnexpectedEOF, StatusFailed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResult("id", "claim_reward", tt.err, 1500*time.Microsecond)
			if r.Status != tt.status || r.CodeName != tt.codeName {
				t.Errorf("result = %+v", r)
			}
			if r.LatencyMs != 1.5 {
				t.Errorf("LatencyMs = %v", r.LatencyMs)
			}
			if tt.codeName != "" && r.Code != uint32(ledger.CodeInsufficientBalance) {
				t.Errorf("Code = %d", r.Code)
			}
		})
	}
}

func TestEventRoundTrip(t *testing.T) {
	identity := ledger.Address{3}
	receipt := &ledger.Receipt{
		Instruction: ledger.SubmitTask{TaskHash: [32]byte{0xaa}, RewardUnits: 1 << 60},
		Created:     []ledger.Address{{4}},
		Updated:     []ledger.Address{{5}, {6}},
		Node:        &ledger.NodeAccount{NodeIdentity: identity, PendingRewardUnits: 1 << 60},
		Task:        &ledger.TaskRecord{NodeIdentity: identity, TaskHash: [32]byte{0xaa}, RewardUnits: 1 << 60, SubmittedAt: 99},
	}

	event, err := NewEvent("env-1", receipt)
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	at := time.Unix(1_700_000_000, 5).UTC()
	msg, err := EventMessage(identity.String(), event, at)
	if err != nil {
		t.Fatalf("EventMessage() error = %v", err)
	}

	decoded, emitted, err := DecodeEvent(msg)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if !emitted.Equal(at) {
		t.Errorf("emitted = %v, want %v", emitted, at)
	}

	f := decoded.GetFields()
	if f["instruction"].GetStringValue() != "submit_task" || f["envelope_id"].GetStringValue() != "env-1" {
		t.Errorf("event = %v", decoded)
	}
	if got := len(f["updated"].GetListValue().GetValues()); got != 2 {
		t.Errorf("updated = %d entries", got)
	}
	node := f["node"].GetStructValue().GetFields()
	if node["pending_reward_units"].GetStringValue() != "1152921504606846976" {
		t.Errorf("pending_reward_units = %v", node["pending_reward_units"])
	}
	if _, ok := f["config"]; ok {
		t.Error("config present without a config in the receipt")
	}
}

type recordingCommitter struct {
	mu      sync.Mutex
	offsets []int64
}

func (c *recordingCommitter) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.offsets = append(c.offsets, m.Offset)
	}
	return nil
}

func TestRunPool(t *testing.T) {
	keys := []string{"a", "b", "a", "c", "b", "a", "d", "c"}
	var msgs []kafka.Message
	for i, k := range keys {
		msgs = append(msgs, kafka.Message{Key: []byte(k), Offset: int64(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := 0
	fetch := func(ctx context.Context) (kafka.Message, error) {
		if next == len(msgs) {
			cancel()
			<-ctx.Done()
			return kafka.Message{}, ctx.Err()
		}
		m := msgs[next]
		next++
		return m, nil
	}

	var mu sync.Mutex
	seen := map[string][]int64{}
	handler := HandlerFunc(func(_ context.Context, msg kafka.Message) error {
		// later offsets finish first when keys differ
		time.Sleep(time.Duration(len(msgs)-int(msg.Offset)) * time.Millisecond)
		mu.Lock()
		seen[string(msg.Key)] = append(seen[string(msg.Key)], msg.Offset)
		mu.Unlock()
		return nil
	})

	acks := &recordingCommitter{}
	if err := runPool(ctx, testLogger(), 3, handler, acks, fetch); err != context.Canceled {
		t.Fatalf("runPool() error = %v, want context.Canceled", err)
	}

	for k, offsets := range seen {
		for i := 1; i < len(offsets); i++ {
			if offsets[i] < offsets[i-1] {
				t.Errorf("key %s handled out of order: %v", k, offsets)
			}
		}
	}
	if len(acks.offsets) != len(msgs) {
		t.Fatalf("committed %d messages, want %d", len(acks.offsets), len(msgs))
	}
	for i, off := range acks.offsets {
		if off != int64(i) {
			t.Fatalf("commit order = %v", acks.offsets)
		}
	}
}

func TestShard(t *testing.T) {
	if shard([]byte("node"), 8) != shard([]byte("node"), 8) {
		t.Error("shard not stable")
	}
	for _, k := range []string{"", "a", "b", "node"} {
		if s := shard([]byte(k), 3); s < 0 || s >= 3 {
			t.Errorf("shard(%q) = %d", k, s)
		}
	}
}

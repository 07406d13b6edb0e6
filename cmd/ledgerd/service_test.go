package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/workledger/internal/config"
	"github.com/bardlex/workledger/internal/database"
	"github.com/bardlex/workledger/internal/database/redis"
	"github.com/bardlex/workledger/internal/ledger"
	"github.com/bardlex/workledger/internal/messaging"
	"github.com/bardlex/workledger/pkg/log"
)

type fakeBroker struct {
	mu      sync.Mutex
	results []*messaging.Result
	events  []kafka.Message
}

func (b *fakeBroker) Publish(_ context.Context, topic string, msg kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == messaging.TopicEvents {
		b.events = append(b.events, msg)
	}
	return nil
}

func (b *fakeBroker) PublishJSON(_ context.Context, topic, _ string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := v.(*messaging.Result); ok && topic == messaging.TopicResults {
		b.results = append(b.results, r)
	}
	return nil
}

func (b *fakeBroker) StartConsumer(ctx context.Context, _, _ string, _ int, _ messaging.MessageHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBroker) lastResult(t *testing.T) *messaging.Result {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) == 0 {
		t.Fatal("no result published")
	}
	return b.results[len(b.results)-1]
}

// fakeCoordinator keeps envelope markers and rate limit counts in memory
// with the same expiry rules as the Redis coordinator
type fakeCoordinator struct {
	mu      sync.Mutex
	markers map[string]fakeMarker
	counts  map[ledger.Address]int64
	err     error
}

type fakeMarker struct {
	done    bool
	expires time.Time
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		markers: make(map[string]fakeMarker),
		counts:  make(map[ledger.Address]int64),
	}
}

func (c *fakeCoordinator) BeginEnvelope(_ context.Context, id string, lease time.Duration) (redis.EnvelopeState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.EnvelopeInFlight, c.err
	}
	if m, ok := c.markers[id]; ok && time.Now().Before(m.expires) {
		if m.done {
			return redis.EnvelopeDone, nil
		}
		return redis.EnvelopeInFlight, nil
	}
	c.markers[id] = fakeMarker{expires: time.Now().Add(lease)}
	return redis.EnvelopeNew, nil
}

func (c *fakeCoordinator) CompleteEnvelope(_ context.Context, id string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers[id] = fakeMarker{done: true, expires: time.Now().Add(ttl)}
	return nil
}

func (c *fakeCoordinator) ReleaseEnvelope(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markers, id)
	return nil
}

func (c *fakeCoordinator) AllowSubmission(_ context.Context, identity ledger.Address, limit int64, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[identity]++
	return c.counts[identity] <= limit, nil
}

func (c *fakeCoordinator) marker(id string) (fakeMarker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markers[id]
	return m, ok
}

// failingStore fails every transaction while failing is set
type failingStore struct {
	*ledger.MemStore
	failing atomic.Bool
}

func (s *failingStore) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if s.failing.Load() {
		return stderrors.New("disk full")
	}
	return s.MemStore.Update(ctx, fn)
}

type harness struct {
	svc       *LedgerService
	broker    *fakeBroker
	store     *failingStore
	coord     *fakeCoordinator
	programID ledger.Address
	authority ledger.Address
	identity  ledger.Address
}

// newHarness runs the service on a memory store without a coordinator
func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		ServiceName:     "test-ledgerd",
		KafkaGroupID:    "test",
		WorkerPoolSize:  2,
		ProcessTimeout:  time.Second,
		SubmitRateLimit: 120,
		RateLimitWindow: time.Minute,
	}
	logger := log.NewWithWriter(io.Discard, cfg.ServiceName, "test", "error", "json")

	h := &harness{
		broker:    &fakeBroker{},
		store:     &failingStore{MemStore: ledger.NewMemStore()},
		programID: ledger.Address{0xee},
		authority: ledger.Address{1},
		identity:  ledger.Address{2},
	}
	db := database.NewWithStore(h.programID, h.store, logger)
	proc := ledger.NewProcessor(h.programID, db.Store, ledger.ClockFunc(func() int64 { return 1_700_000_000 }))
	h.svc = NewLedgerService(cfg, logger, proc, db, h.broker)
	return h
}

// newCoordinatedHarness adds an in-memory envelope coordinator
func newCoordinatedHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.coord = newFakeCoordinator()
	h.svc.db.SetCoordinator(h.coord)
	return h
}

func (h *harness) initEnvelope() *messaging.Envelope {
	cfgAddr, _, _ := h.addrs([32]byte{})
	return messaging.NewEnvelope(
		[]ledger.AccountRef{ledger.Signer(h.authority), ledger.Writable(cfgAddr)},
		ledger.InitNetwork{Authority: h.authority})
}

func (h *harness) registerEnvelope() *messaging.Envelope {
	cfgAddr, nodeAddr, _ := h.addrs([32]byte{})
	return messaging.NewEnvelope(
		[]ledger.AccountRef{ledger.Signer(h.authority), ledger.ReadOnly(cfgAddr), ledger.Signer(h.identity), ledger.Writable(nodeAddr)},
		ledger.RegisterNode{})
}

func (h *harness) submitEnvelope(hash [32]byte) *messaging.Envelope {
	cfgAddr, nodeAddr, taskAddr := h.addrs(hash)
	return messaging.NewEnvelope(
		[]ledger.AccountRef{ledger.Signer(h.identity), ledger.Writable(nodeAddr), ledger.Writable(cfgAddr), ledger.Writable(taskAddr)},
		ledger.SubmitTask{TaskHash: hash, RewardUnits: 10})
}

func (h *harness) config(t *testing.T) *ledger.NetworkConfig {
	t.Helper()
	cfg, err := ledger.ReadConfig(context.Background(), h.store, h.programID)
	if err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	return cfg
}

func (h *harness) send(t *testing.T, accounts []ledger.AccountRef, ix ledger.Instruction) *messaging.Result {
	t.Helper()
	return h.sendEnvelope(t, messaging.NewEnvelope(accounts, ix))
}

func (h *harness) sendEnvelope(t *testing.T, env *messaging.Envelope) *messaging.Result {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := h.svc.HandleMessage(context.Background(), kafka.Message{Key: []byte(env.Key()), Value: data}); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	return h.broker.lastResult(t)
}

func (h *harness) addrs(taskHash [32]byte) (cfg, node, task ledger.Address) {
	cfg, _, _ = ledger.ConfigAddress(h.programID)
	node, _, _ = ledger.NodeAddress(h.programID, h.identity)
	task, _, _ = ledger.TaskAddress(h.programID, h.identity, taskHash)
	return cfg, node, task
}

func TestLedgerServiceLifecycle(t *testing.T) {
	h := newHarness(t)
	hash := [32]byte{0x42}
	cfgAddr, nodeAddr, taskAddr := h.addrs(hash)

	steps := []struct {
		name     string
		accounts []ledger.AccountRef
		ix       ledger.Instruction
	}{
		{"init", []ledger.AccountRef{ledger.Signer(h.authority), ledger.Writable(cfgAddr)}, ledger.InitNetwork{Authority: h.authority}},
		{"register", []ledger.AccountRef{ledger.Signer(h.authority), ledger.ReadOnly(cfgAddr), ledger.Signer(h.identity), ledger.Writable(nodeAddr)}, ledger.RegisterNode{}},
		{"submit", []ledger.AccountRef{ledger.Signer(h.identity), ledger.Writable(nodeAddr), ledger.Writable(cfgAddr), ledger.Writable(taskAddr)}, ledger.SubmitTask{TaskHash: hash, RewardUnits: 500}},
		{"claim", []ledger.AccountRef{ledger.Signer(h.authority), ledger.ReadOnly(cfgAddr), ledger.Writable(nodeAddr)}, ledger.ClaimReward{Amount: 200}},
	}
	for _, step := range steps {
		res := h.send(t, step.accounts, step.ix)
		if res.Status != messaging.StatusApplied {
			t.Fatalf("%s: result = %+v", step.name, res)
		}
		if res.Instruction != step.ix.Name() {
			t.Errorf("%s: instruction = %q", step.name, res.Instruction)
		}
	}

	if len(h.broker.events) != len(steps) {
		t.Fatalf("events = %d, want %d", len(h.broker.events), len(steps))
	}
	event, _, err := messaging.DecodeEvent(h.broker.events[3])
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	node := event.GetFields()["node"].GetStructValue().GetFields()
	if node["pending_reward_units"].GetStringValue() != "300" {
		t.Errorf("claim event node = %v", node)
	}

	// replaying the submission under a new envelope is rejected by the ledger
	res := h.send(t, steps[2].accounts, steps[2].ix)
	if res.Status != messaging.StatusRejected || res.CodeName != "AlreadyInitialized" {
		t.Errorf("replay result = %+v", res)
	}
	if len(h.broker.events) != len(steps) {
		t.Error("event published for a rejected instruction")
	}
}

func TestLedgerServiceRejections(t *testing.T) {
	h := newHarness(t)
	cfgAddr, _, _ := h.addrs([32]byte{})

	tests := []struct {
		name     string
		env      *messaging.Envelope
		status   string
		codeName string
	}{
		{
			name:   "invalid envelope id",
			env:    &messaging.Envelope{ID: "x", Accounts: []ledger.AccountRef{ledger.Signer(h.authority)}, Payload: []byte{0}},
			status: messaging.StatusFailed,
		},
		{
			name:     "malformed payload",
			env:      messaging.NewEnvelope([]ledger.AccountRef{ledger.Signer(h.authority)}, ledger.RegisterNode{}),
			status:   messaging.StatusRejected,
			codeName: "MalformedPayload",
		},
		{
			name:     "unsigned payer",
			env:      messaging.NewEnvelope([]ledger.AccountRef{ledger.Writable(h.authority), ledger.Writable(cfgAddr)}, ledger.InitNetwork{Authority: h.authority}),
			status:   messaging.StatusRejected,
			codeName: "MissingAuthorization",
		},
		{
			name:     "too few accounts",
			env:      messaging.NewEnvelope([]ledger.AccountRef{ledger.Signer(h.authority)}, ledger.ClaimReward{Amount: 1}),
			status:   messaging.StatusRejected,
			codeName: "NotEnoughAccounts",
		},
	}
	tests[1].env.Payload = []byte{9}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.sendEnvelope(t, tt.env)
			if res.Status != tt.status || res.CodeName != tt.codeName {
				t.Errorf("result = %+v, want %s/%s", res, tt.status, tt.codeName)
			}
		})
	}
	if len(h.broker.events) != 0 {
		t.Errorf("events = %d, want none", len(h.broker.events))
	}
}

func TestLedgerServiceDelivery(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, h *harness)
	}{
		{
			name: "redelivery is a duplicate",
			run: func(t *testing.T, h *harness) {
				env := h.initEnvelope()
				if res := h.sendEnvelope(t, env); res.Status != messaging.StatusApplied {
					t.Fatalf("first delivery = %+v", res)
				}
				if res := h.sendEnvelope(t, env); res.Status != messaging.StatusDuplicate {
					t.Errorf("second delivery = %+v", res)
				}
				if len(h.broker.events) != 1 {
					t.Errorf("events = %d, want 1", len(h.broker.events))
				}
				if m, ok := h.coord.marker(env.ID); !ok || !m.done {
					t.Errorf("marker = %+v, %v", m, ok)
				}
			},
		},
		{
			name: "rejection is final",
			run: func(t *testing.T, h *harness) {
				env := h.registerEnvelope()
				if res := h.sendEnvelope(t, env); res.Status != messaging.StatusRejected {
					t.Fatalf("first delivery = %+v", res)
				}
				if res := h.sendEnvelope(t, env); res.Status != messaging.StatusDuplicate {
					t.Errorf("second delivery = %+v", res)
				}
			},
		},
		{
			name: "throttled submission releases the envelope",
			run: func(t *testing.T, h *harness) {
				h.svc.cfg.SubmitRateLimit = 1
				for _, env := range []*messaging.Envelope{h.initEnvelope(), h.registerEnvelope(), h.submitEnvelope([32]byte{1})} {
					if res := h.sendEnvelope(t, env); res.Status != messaging.StatusApplied {
						t.Fatalf("setup = %+v", res)
					}
				}

				env := h.submitEnvelope([32]byte{2})
				if res := h.sendEnvelope(t, env); res.Status != messaging.StatusThrottled {
					t.Fatalf("over limit = %+v", res)
				}
				if _, ok := h.coord.marker(env.ID); ok {
					t.Error("throttled envelope still marked")
				}

				// the window rolls over and the client resends
				h.coord.mu.Lock()
				h.coord.counts = make(map[ledger.Address]int64)
				h.coord.mu.Unlock()
				if res := h.sendEnvelope(t, env); res.Status != messaging.StatusApplied {
					t.Errorf("resend = %+v", res)
				}
			},
		},
		{
			name: "store failure releases the envelope",
			run: func(t *testing.T, h *harness) {
				env := h.initEnvelope()
				h.store.failing.Store(true)
				if res := h.sendEnvelope(t, env); res.Status != messaging.StatusFailed {
					t.Fatalf("failing store = %+v", res)
				}
				if _, ok := h.coord.marker(env.ID); ok {
					t.Error("failed envelope still marked")
				}

				h.store.failing.Store(false)
				if res := h.sendEnvelope(t, env); res.Status != messaging.StatusApplied {
					t.Fatalf("resend = %+v", res)
				}
				if h.config(t) == nil {
					t.Error("config not written after resend")
				}
			},
		},
		{
			// a worker took the lease and died before committing
			name: "expired lease is executed again",
			run: func(t *testing.T, h *harness) {
				h.svc.cfg.ProcessTimeout = 20 * time.Millisecond
				env := h.initEnvelope()
				if _, err := h.coord.BeginEnvelope(context.Background(), env.ID, 30*time.Millisecond); err != nil {
					t.Fatal(err)
				}

				if res := h.sendEnvelope(t, env); res.Status != messaging.StatusApplied {
					t.Fatalf("redelivery = %+v", res)
				}
				if h.config(t) == nil {
					t.Error("config not written by redelivery")
				}
				if m, ok := h.coord.marker(env.ID); !ok || !m.done {
					t.Errorf("marker = %+v, %v", m, ok)
				}
			},
		},
		{
			name: "live lease is left to its holder",
			run: func(t *testing.T, h *harness) {
				h.svc.cfg.ProcessTimeout = 20 * time.Millisecond
				env := h.initEnvelope()
				if _, err := h.coord.BeginEnvelope(context.Background(), env.ID, time.Minute); err != nil {
					t.Fatal(err)
				}

				res := h.sendEnvelope(t, env)
				if res.Status != messaging.StatusDuplicate || res.Message == "" {
					t.Errorf("result = %+v", res)
				}
				if h.config(t) != nil {
					t.Error("config written while another attempt holds the lease")
				}
			},
		},
		{
			name: "coordinator outage processes anyway",
			run: func(t *testing.T, h *harness) {
				h.coord.err = stderrors.New("connection refused")
				if res := h.sendEnvelope(t, h.initEnvelope()); res.Status != messaging.StatusApplied {
					t.Errorf("result = %+v", res)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, newCoordinatedHarness(t))
		})
	}
}

func TestLedgerServiceBadMessage(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}); err == nil {
		t.Error("expected decode error")
	}
	if len(h.broker.results) != 0 {
		t.Error("result published for an undecodable message")
	}
}

func TestLedgerServiceStartShutdown(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- h.svc.Start(ctx) }()
	cancel()

	if err := <-errc; err != context.Canceled {
		t.Errorf("Start() error = %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := h.svc.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := &config.Config{Store: config.StoreMemory, SnapshotTTL: time.Minute}
	mc := managerConfig(cfg, ledger.Address{1})
	if mc.Postgres != nil || mc.Redis != nil || mc.Influx != nil {
		t.Errorf("memory config enabled backends: %+v", mc)
	}

	cfg = &config.Config{
		Store:       config.StorePostgres,
		PostgresURL: "postgres://x",
		RedisURL:    "redis://y",
		InfluxURL:   "http://z",
		InfluxOrg:   "o",
	}
	mc = managerConfig(cfg, ledger.Address{1})
	if mc.Postgres == nil || mc.Postgres.URL != "postgres://x" {
		t.Errorf("Postgres = %+v", mc.Postgres)
	}
	if mc.Redis == nil || mc.Redis.URL != "redis://y" {
		t.Errorf("Redis = %+v", mc.Redis)
	}
	if mc.Influx == nil || mc.Influx.Org != "o" {
		t.Errorf("Influx = %+v", mc.Influx)
	}
}

func TestStartClockSystem(t *testing.T) {
	cfg := &config.Config{ClockSource: config.ClockSystem}
	logger := log.NewWithWriter(io.Discard, "t", "t", "error", "json")
	clk, err := startClock(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("startClock() error = %v", err)
	}
	if now := clk.Now(); now < time.Now().Unix()-5 {
		t.Errorf("Now() = %d", now)
	}
}

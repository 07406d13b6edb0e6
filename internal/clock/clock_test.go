package clock

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/workledger/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawBlock(t *testing.T, ts time.Time) []byte {
	t.Helper()
	header := wire.NewBlockHeader(0x20000000, &chainhash.Hash{1}, &chainhash.Hash{2}, 0x1d00ffff, 7)
	header.Timestamp = ts
	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	// a block body follows the header
	buf.Write([]byte{0x01, 0xff})
	return buf.Bytes()
}

func TestMonotonic(t *testing.T) {
	readings := []int64{10, 12, 11, 12, 5, 20}
	want := []int64{10, 12, 12, 12, 12, 20}

	i := 0
	m := NewMonotonic(ledger.ClockFunc(func() int64 {
		v := readings[i]
		i++
		return v
	}))
	for n, w := range want {
		if got := m.Now(); got != w {
			t.Errorf("reading %d: Now() = %d, want %d", n, got, w)
		}
	}
}

func TestSystem(t *testing.T) {
	before := time.Now().Unix()
	got := System.Now()
	if got < before || got > time.Now().Unix() {
		t.Errorf("System.Now() = %d outside [%d, now]", got, before)
	}
}

func TestBlockClock(t *testing.T) {
	c := NewBlockClock(ledger.ClockFunc(func() int64 { return 42 }), testLogger())

	if c.Now() != 42 {
		t.Errorf("Now() before first block = %d, want fallback", c.Now())
	}

	t1 := time.Unix(1_700_000_000, 0)
	if err := c.HandleMessage(TopicRawBlock, rawBlock(t, t1)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if c.Now() != t1.Unix() || c.Blocks() != 1 {
		t.Errorf("Now() = %d, Blocks() = %d", c.Now(), c.Blocks())
	}

	// an earlier header timestamp does not move the clock back
	if err := c.ObserveRawBlock(rawBlock(t, t1.Add(-time.Hour))); err != nil {
		t.Fatalf("ObserveRawBlock() error = %v", err)
	}
	if c.Now() != t1.Unix() || c.Blocks() != 2 {
		t.Errorf("Now() = %d after older block, Blocks() = %d", c.Now(), c.Blocks())
	}

	if err := c.ObserveRawBlock(make([]byte, 79)); err == nil {
		t.Error("expected error for truncated block")
	}
	if err := c.HandleMessage(TopicHashBlock, make([]byte, 32)); err != nil {
		t.Errorf("hashblock error = %v", err)
	}
	if err := c.HandleMessage("rawtx", nil); err != nil {
		t.Errorf("unknown topic error = %v", err)
	}
}

func TestZMQFeed(t *testing.T) {
	feed, err := NewZMQFeed("tcp://127.0.0.1:28332", testLogger())
	if err != nil {
		t.Fatalf("NewZMQFeed() error = %v", err)
	}
	defer func() { _ = feed.Close() }()

	if err := feed.Subscribe(TopicRawBlock); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	// connect is asynchronous in ZMQ and succeeds without a publisher
	if err := feed.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err = feed.Listen(ctx, func(string, []byte) error { return nil })
	if err != context.DeadlineExceeded {
		t.Errorf("Listen() error = %v, want deadline exceeded", err)
	}
}

package clock

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/workledger/internal/ledger"
)

// Notification topics published by a Bitcoin node over ZMQ
const (
	TopicRawBlock  = "rawblock"
	TopicHashBlock = "hashblock"
)

// BlockClock reports the header timestamp of the latest block seen, falling
// back to another clock until the first block arrives. Header times may step
// backwards between blocks; the clock keeps the highest one.
type BlockClock struct {
	fallback ledger.Clock
	latest   atomic.Int64
	height   atomic.Uint64
	logger   *slog.Logger
}

// NewBlockClock creates a clock that uses fallback before the first block
func NewBlockClock(fallback ledger.Clock, logger *slog.Logger) *BlockClock {
	return &BlockClock{fallback: fallback, logger: logger}
}

// Now implements ledger.Clock
func (c *BlockClock) Now() int64 {
	if t := c.latest.Load(); t > 0 {
		return t
	}
	return c.fallback.Now()
}

// Blocks returns the number of block headers observed
func (c *BlockClock) Blocks() uint64 {
	return c.height.Load()
}

// Observe records a header timestamp
func (c *BlockClock) Observe(unix int64) {
	for {
		cur := c.latest.Load()
		if unix <= cur || c.latest.CompareAndSwap(cur, unix) {
			return
		}
	}
}

// ObserveRawBlock parses the 80-byte header at the start of a serialized block
func (c *BlockClock) ObserveRawBlock(data []byte) error {
	if len(data) < wire.MaxBlockHeaderPayload {
		return fmt.Errorf("raw block is %d bytes, shorter than a header", len(data))
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(data[:wire.MaxBlockHeaderPayload])); err != nil {
		return fmt.Errorf("failed to parse block header: %w", err)
	}

	c.height.Add(1)
	c.Observe(header.Timestamp.Unix())
	c.logger.Debug("block clock advanced",
		"block_hash", header.BlockHash().String(),
		"timestamp", header.Timestamp.Unix(),
	)
	return nil
}

// HandleMessage consumes ZMQ notifications. Only raw blocks move the clock.
func (c *BlockClock) HandleMessage(topic string, data []byte) error {
	switch topic {
	case TopicRawBlock:
		return c.ObserveRawBlock(data)
	case TopicHashBlock:
		c.logger.Debug("block hash notification ignored, subscribe to rawblock", "size", len(data))
	default:
		c.logger.Warn("unknown ZMQ topic", "topic", topic)
	}
	return nil
}

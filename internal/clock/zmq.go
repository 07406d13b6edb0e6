package clock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ZMQFeed receives block notifications from a Bitcoin node
type ZMQFeed struct {
	socket   *zmq.Socket
	endpoint string
	logger   *slog.Logger
}

// NewZMQFeed creates a SUB socket for endpoint
func NewZMQFeed(endpoint string, logger *slog.Logger) (*ZMQFeed, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQFeed{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Subscribe subscribes to a notification topic
func (z *ZMQFeed) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQFeed) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen passes every notification to handler until ctx is done
func (z *ZMQFeed) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	z.logger.Info("starting ZMQ listener")
	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		polled, err := poller.Poll(250 * time.Millisecond)
		if err != nil {
			z.logger.Error("failed to poll ZMQ socket", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}
		// topic, body, and a sequence number
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		z.logger.Debug("received ZMQ message", "topic", topic, "size", len(msg[1]))
		if err := handler(topic, msg[1]); err != nil {
			z.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQFeed) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// Package messaging carries instruction envelopes, results and ledger events
// over Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/workledger/pkg/circuit"
	"github.com/bardlex/workledger/pkg/errors"
	"github.com/bardlex/workledger/pkg/retry"
)

// KafkaClient wraps kafka-go with pooled producers and consumers
type KafkaClient struct {
	brokers        []string
	logger         *slog.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *slog.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.BrokerConfig(),
	}
}

// GetProducer gets or creates the producer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates the consumer for a topic and group. New groups
// start at the oldest retained envelope.
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// Publish writes msg to topic behind the breaker and broker retry schedule
func (k *KafkaClient) Publish(ctx context.Context, topic string, msg kafka.Message) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			if err := writer.WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", string(msg.Key)).
					WithContext("message_size", len(msg.Value))
			}

			k.logger.Debug("published message", "topic", topic, "key", string(msg.Key), "size", len(msg.Value))
			return nil
		})
	})
}

// PublishJSON marshals v and publishes it to topic
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.Publish(ctx, topic, kafka.Message{Key: []byte(key), Value: data})
}

// MessageHandler handles one fetched message. The message is committed once
// the handler returns, whatever the outcome.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg kafka.Message) error
}

// HandlerFunc adapts a function to MessageHandler
type HandlerFunc func(ctx context.Context, msg kafka.Message) error

// HandleMessage implements MessageHandler
func (f HandlerFunc) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return f(ctx, msg)
}

// fetch reads the next message behind the breaker
func (k *KafkaClient) fetch(ctx context.Context, reader *kafka.Reader) (kafka.Message, error) {
	return circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return msg, ctx.Err()
				}
				return msg, errors.Wrap(err, errors.ErrorTypeKafka, "fetch_message",
					"failed to fetch message from Kafka")
			}
			k.logger.Debug("fetched message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
			return msg, nil
		})
	})
}

// committer is the subset of kafka.Reader used to acknowledge messages
type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type job struct {
	msg  kafka.Message
	done chan struct{}
}

// StartConsumer fetches messages of topic and handles them on workers
// goroutines. Messages with the same key always land on the same worker, so
// they are handled in order. Commits follow fetch order, so a crash never
// skips an unhandled message. It returns when ctx is done and in-flight
// messages have been handled.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, workers int, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID, "workers", workers)

	return runPool(ctx, k.logger, workers, handler, reader, func(ctx context.Context) (kafka.Message, error) {
		msg, err := k.fetch(ctx, reader)
		if err != nil && ctx.Err() == nil {
			k.logger.Error("failed to fetch message", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		return msg, err
	})
}

func runPool(ctx context.Context, logger *slog.Logger, workers int, handler MessageHandler, acks committer, next func(context.Context) (kafka.Message, error)) error {
	if workers <= 0 {
		workers = 1
	}

	// handlers finish their message even after ctx is cancelled
	handleCtx := context.WithoutCancel(ctx)

	queues := make([]chan *job, workers)
	pending := make(chan *job, workers*4)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan *job, 4)
		wg.Add(1)
		go func(q <-chan *job) {
			defer wg.Done()
			for j := range q {
				if err := handler.HandleMessage(handleCtx, j.msg); err != nil {
					logger.Error("failed to handle message", "topic", j.msg.Topic, "key", string(j.msg.Key), "error", err)
				}
				close(j.done)
			}
		}(queues[i])
	}

	committed := make(chan struct{})
	go func() {
		defer close(committed)
		for j := range pending {
			<-j.done
			if err := acks.CommitMessages(handleCtx, j.msg); err != nil {
				logger.Error("failed to commit message", "topic", j.msg.Topic, "offset", j.msg.Offset, "error", err)
			}
		}
	}()

	var err error
	for {
		msg, ferr := next(ctx)
		if ferr != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
			continue
		}
		j := &job{msg: msg, done: make(chan struct{})}
		pending <- j
		queues[shard(msg.Key, workers)] <- j
	}

	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	close(pending)
	<-committed
	logger.Info("consumer stopped")
	return err
}

func shard(key []byte, n int) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(n))
}

// Stats returns the broker breaker counters
func (k *KafkaClient) Stats() circuit.Stats {
	return k.circuitBreaker.GetStats()
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.Error("failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}

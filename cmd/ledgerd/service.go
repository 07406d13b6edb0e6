package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/workledger/internal/config"
	"github.com/bardlex/workledger/internal/database"
	"github.com/bardlex/workledger/internal/database/redis"
	"github.com/bardlex/workledger/internal/ledger"
	"github.com/bardlex/workledger/internal/messaging"
	"github.com/bardlex/workledger/pkg/errors"
	"github.com/bardlex/workledger/pkg/log"
)

const (
	// final envelopes are remembered this long for deduplication
	dedupeTTL = 24 * time.Hour
	// lease used when PROCESS_TIMEOUT is unset
	defaultLease = 10 * time.Second
)

// Broker is the Kafka surface ledgerd needs
type Broker interface {
	Publish(ctx context.Context, topic string, msg kafka.Message) error
	PublishJSON(ctx context.Context, topic, key string, v any) error
	StartConsumer(ctx context.Context, topic, groupID string, workers int, handler messaging.MessageHandler) error
}

// LedgerService applies instruction envelopes and publishes their outcomes
type LedgerService struct {
	cfg       *config.Config
	logger    *log.Logger
	processor *ledger.Processor
	db        *database.Manager
	broker    Broker
	done      chan struct{}
}

// NewLedgerService creates the service
func NewLedgerService(cfg *config.Config, logger *log.Logger, processor *ledger.Processor, db *database.Manager, broker Broker) *LedgerService {
	return &LedgerService{
		cfg:       cfg,
		logger:    logger.WithComponent("ledgerd"),
		processor: processor,
		db:        db,
		broker:    broker,
		done:      make(chan struct{}),
	}
}

// Start consumes envelopes until ctx is done
func (s *LedgerService) Start(ctx context.Context) error {
	s.logger.Info("ledger service starting", "program_id", s.processor.ProgramID().String())
	defer close(s.done)
	return s.broker.StartConsumer(ctx, messaging.TopicInstructions, s.cfg.KafkaGroupID, s.cfg.WorkerPoolSize, s)
}

// Shutdown waits for in-flight envelopes to finish
func (s *LedgerService) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ledger service")
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// HandleMessage implements messaging.MessageHandler
func (s *LedgerService) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var env messaging.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_envelope", "failed to decode envelope").
			WithContext("offset", msg.Offset)
	}

	result, receipt := s.Apply(ctx, &env)

	if err := s.broker.PublishJSON(ctx, messaging.TopicResults, env.ID, result); err != nil {
		s.logger.WithError(err).Error("failed to publish result", "envelope_id", env.ID)
	}
	if receipt != nil {
		s.publishEvent(ctx, &env, receipt)
	}
	return nil
}

// Apply runs one envelope through deduplication, rate limiting and the
// processor. The receipt is nil unless the instruction committed.
func (s *LedgerService) Apply(ctx context.Context, env *messaging.Envelope) (*messaging.Result, *ledger.Receipt) {
	start := time.Now()
	logger := s.logger.WithFields("envelope_id", env.ID)

	if err := env.Validate(); err != nil {
		logger.WithError(err).Warn("invalid envelope")
		return messaging.NewResult(env.ID, "", errors.Wrap(err, errors.ErrorTypeValidation, "validate_envelope", "invalid envelope"), time.Since(start)), nil
	}

	ix, err := ledger.DecodeInstruction(env.Payload)
	if err != nil {
		logger.WithError(err).Info("instruction rejected")
		return messaging.NewResult(env.ID, "", err, time.Since(start)), nil
	}
	logger = s.logger.WithInstruction(ix.Name(), env.ID)

	state, err := s.leaseEnvelope(ctx, env.ID)
	if err != nil {
		if ctx.Err() != nil {
			return messaging.NewResult(env.ID, ix.Name(), err, time.Since(start)), nil
		}
		logger.WithError(err).Warn("deduplication unavailable, processing anyway")
		state = redis.EnvelopeNew
	}
	switch state {
	case redis.EnvelopeDone:
		logger.Info("duplicate envelope skipped")
		r := messaging.NewResult(env.ID, ix.Name(), nil, time.Since(start))
		r.Status = messaging.StatusDuplicate
		return r, nil
	case redis.EnvelopeInFlight:
		// every lease seen at the first poll has expired by now, so this one
		// was taken later by a live attempt that will publish the outcome
		logger.Warn("envelope leased by another attempt")
		r := messaging.NewResult(env.ID, ix.Name(), nil, time.Since(start))
		r.Status = messaging.StatusDuplicate
		r.Message = "envelope is being applied by another attempt"
		return r, nil
	}

	if _, ok := ix.(ledger.SubmitTask); ok && len(env.Accounts) > 0 {
		identity := env.Accounts[0].Address
		allowed, err := s.db.AllowSubmission(ctx, identity, s.cfg.SubmitRateLimit, s.cfg.RateLimitWindow)
		if err != nil {
			logger.WithError(err).Warn("rate limiter unavailable, allowing submission")
			allowed = true
		}
		if !allowed {
			s.db.ReleaseEnvelope(ctx, env.ID)
			logger.WithNode(identity.String()).Info("submission throttled")
			r := messaging.NewResult(env.ID, ix.Name(), nil, time.Since(start))
			r.Status = messaging.StatusThrottled
			r.Message = "submission rate limit exceeded"
			return r, nil
		}
	}

	execCtx := ctx
	if s.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.ProcessTimeout)
		defer cancel()
	}
	receipt, err := s.processor.Execute(execCtx, env.Accounts, ix)
	latency := time.Since(start)

	s.db.RecordOutcome(ctx, ix, receipt, err, latency)
	logger.LogDuration("apply_instruction", latency.Nanoseconds())

	if err != nil {
		if code, ok := ledger.CodeOf(err); ok {
			s.db.CompleteEnvelope(ctx, env.ID, dedupeTTL)
			logger.Info("instruction rejected", "code", code.String(), "reason", err.Error())
		} else {
			// nothing committed, let a redelivery try again
			s.db.ReleaseEnvelope(ctx, env.ID)
			logger.WithError(err).Error("instruction failed")
		}
		return messaging.NewResult(env.ID, ix.Name(), err, latency), nil
	}

	s.db.CompleteEnvelope(ctx, env.ID, dedupeTTL)
	s.logTransition(logger, ix, receipt)
	return messaging.NewResult(env.ID, ix.Name(), nil, latency), receipt
}

// lease outlives the process timeout, so a lease that is still held belongs
// to an attempt that can still commit
func (s *LedgerService) lease() time.Duration {
	if s.cfg.ProcessTimeout > 0 {
		return 2 * s.cfg.ProcessTimeout
	}
	return defaultLease
}

// leaseEnvelope takes the in-flight lease on id. A lease held by another
// attempt is waited out: after a crash the redelivery arrives while the dead
// attempt's lease is still live.
func (s *LedgerService) leaseEnvelope(ctx context.Context, id string) (redis.EnvelopeState, error) {
	lease := s.lease()
	poll := lease / 10
	if poll < 5*time.Millisecond {
		poll = 5 * time.Millisecond
	}
	deadline := time.Now().Add(lease + poll)

	for {
		state, err := s.db.BeginEnvelope(ctx, id, lease)
		if err != nil || state != redis.EnvelopeInFlight || time.Now().After(deadline) {
			return state, err
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (s *LedgerService) logTransition(logger *log.Logger, ix ledger.Instruction, receipt *ledger.Receipt) {
	switch ix := ix.(type) {
	case ledger.InitNetwork:
		logger.Info("network configured", "authority", ix.Authority.String(), "reward_mint", ix.RewardMint.String())
	case ledger.RegisterNode:
		if n := receipt.Node; n != nil {
			logger.LogRegistration(n.NodeIdentity.String(), n.Authority.String())
		}
	case ledger.SubmitTask:
		if n := receipt.Node; n != nil {
			logger.LogSubmission(n.NodeIdentity.String(), hex.EncodeToString(ix.TaskHash[:]), ix.RewardUnits, messaging.StatusApplied)
		}
	case ledger.ClaimReward:
		if n := receipt.Node; n != nil {
			logger.LogClaim(n.NodeIdentity.String(), ix.Amount, n.PendingRewardUnits)
		}
	}
}

func (s *LedgerService) publishEvent(ctx context.Context, env *messaging.Envelope, receipt *ledger.Receipt) {
	event, err := messaging.NewEvent(env.ID, receipt)
	if err != nil {
		s.logger.WithError(err).Error("failed to build ledger event", "envelope_id", env.ID)
		return
	}
	msg, err := messaging.EventMessage(env.Key(), event, time.Now())
	if err != nil {
		s.logger.WithError(err).Error("failed to encode ledger event", "envelope_id", env.ID)
		return
	}
	if err := s.broker.Publish(ctx, messaging.TopicEvents, msg); err != nil {
		s.logger.WithError(err).Error("failed to publish ledger event", "envelope_id", env.ID)
	}
}

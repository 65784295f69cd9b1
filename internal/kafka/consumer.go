// Package kafka connects the service to the reward payout pipeline: game
// events go out on one topic, payout confirmations come back on another.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/flappy-rocket/internal/config"
	"github.com/flappy-rocket/internal/domain"
)

// PayoutHandler applies payout events to allowance records
type PayoutHandler interface {
	// RecordEarningsBatch returns the payouts that may be retried.
	RecordEarningsBatch(ctx context.Context, payouts []domain.PayoutEvent) ([]domain.PayoutEvent, error)
}

// Consumer consumes payout messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       PayoutHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler PayoutHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// Payouts must not be skipped across restarts
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// decodePayout parses and validates one payout message
func decodePayout(value []byte) (domain.PayoutEvent, error) {
	var payout domain.PayoutEvent
	if err := json.Unmarshal(value, &payout); err != nil {
		return domain.PayoutEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return domain.NormalizePayout(payout)
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches payouts from a partition. Offsets are marked only
// after every payout in the batch holding them has been applied. A batch that
// still has pending payouts after the retries ends the session, so the group
// redelivers from the last committed offset. Payouts already applied are
// skipped by transaction hash on redelivery.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger

	batch := make([]domain.PayoutEvent, 0, cfg.BatchSize)
	var lastMessage *sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() error {
		if len(batch) > 0 {
			pending, err := h.applyWithRetry(batch)
			batch = batch[:0]
			if len(pending) > 0 {
				lastMessage = nil
				if h.consumer.ctx.Err() != nil {
					logger.Warn("payout batch interrupted by shutdown", "pending", len(pending))
					return nil
				}
				logger.Error("payout batch not applied, leaving offset unmarked",
					"pending", len(pending),
					"error", err,
				)
				return fmt.Errorf("%d payouts pending after retries: %w", len(pending), err)
			}
			if err != nil {
				// Only non-retryable payouts failed; they are logged and skipped.
				logger.Error("failed to process payout batch", "error", err)
			} else {
				logger.Debug("processed payout batch")
			}
		}

		if lastMessage != nil {
			session.MarkMessage(lastMessage, "")
			lastMessage = nil
		}
		return nil
	}

	for {
		select {
		case <-session.Context().Done():
			return processBatch()

		case <-batchTimer.C:
			if err := processBatch(); err != nil {
				return err
			}
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				return processBatch()
			}
			lastMessage = message

			payout, err := decodePayout(message.Value)
			if err != nil {
				logger.Warn("skipping invalid payout message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			batch = append(batch, payout)
			if len(batch) >= cfg.BatchSize {
				if err := processBatch(); err != nil {
					return err
				}
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// applyWithRetry applies a batch, retrying only the payouts that failed with
// a retryable error. It returns the payouts still pending.
func (h *consumerGroupHandler) applyWithRetry(batch []domain.PayoutEvent) ([]domain.PayoutEvent, error) {
	cfg := h.consumer.config
	pending := batch
	var err error
	for attempt := 0; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			h.consumer.logger.Warn("retrying payouts", "attempt", attempt, "pending", len(pending), "error", err)
			select {
			case <-time.After(cfg.RetryDelay):
			case <-h.consumer.ctx.Done():
				return pending, h.consumer.ctx.Err()
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pending, err = h.consumer.handler.RecordEarningsBatch(ctx, pending)
		cancel()
		if len(pending) == 0 {
			return nil, err
		}
	}
	return pending, err
}

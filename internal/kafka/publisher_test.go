package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/flappy-rocket/internal/domain"
)

func TestPublisher_Publish(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisherFromProducer(producer, "flappy-game-events", logger)

	remaining := 2
	event := domain.GameEvent{
		ID:             "evt-1",
		Type:           domain.EventTypePlayAdmitted,
		Wallet:         "0x00000000000000000000000000000000000a11ce",
		PlaysRemaining: &remaining,
		Timestamp:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "flappy-game-events" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != event.Wallet {
			return errors.New("message not keyed by wallet")
		}
		value, _ := msg.Value.Encode()
		var got domain.GameEvent
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got.Type != domain.EventTypePlayAdmitted || got.PlaysRemaining == nil || *got.PlaysRemaining != 2 {
			return errors.New("unexpected payload " + string(value))
		}
		return nil
	})

	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Close drains the producer; the mock fails the test on unmet expectations.
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Publish(context.Background(), event); !errors.Is(err, ErrPublisherClosed) {
		t.Fatalf("Publish after Close = %v", err)
	}
}

func TestPublisher_DeliveryFailureIsLogged(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisherFromProducer(producer, "events", logger)

	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	if err := p.Publish(context.Background(), domain.GameEvent{Type: domain.EventTypeScoreSubmitted, Wallet: "w"}); err != nil {
		t.Fatalf("Publish should not wait for delivery: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

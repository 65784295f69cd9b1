// Command payout-producer publishes synthetic payout events to the payout
// topic, for load testing the earnings consumer.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/flappy-rocket/internal/domain"
	"github.com/google/uuid"
)

// walletFor returns a deterministic wallet address for player idx
func walletFor(idx int) string {
	return fmt.Sprintf("0x%040x", idx+1)
}

// rewardFor draws a payout the size a finished game would earn
func rewardFor(rate float64) float64 {
	return domain.RewardFor(int64(rand.Intn(400)+1), rate)
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "flappy-payouts", "Kafka topic")
	totalPlayers := flag.Int("players", 100, "Number of distinct wallets to pay")
	payoutsPerSecond := flag.Int("rate", 50, "Payouts per second")
	ratePerPoint := flag.Float64("reward-rate", 0.0005, "Reward per score point")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *totalPlayers <= 0 || *payoutsPerSecond <= 0 {
		log.Fatal("players and rate must be positive")
	}
	brokerList := strings.Split(*brokers, ",")

	fmt.Println("Flappy Rocket payout producer")
	fmt.Printf("  Brokers:      %s\n", *brokers)
	fmt.Printf("  Topic:        %s\n", *topic)
	fmt.Printf("  Wallets:      %d\n", *totalPlayers)
	fmt.Printf("  Payouts/sec:  %d\n", *payoutsPerSecond)
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	finish := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*payoutsPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	var sent int64
	for {
		select {
		case <-sigChan:
			finish("Interrupted")
			return

		case <-deadline:
			finish("Duration reached")
			return

		case <-ticker.C:
			payout := domain.PayoutEvent{
				Wallet:          walletFor(rand.Intn(*totalPlayers)),
				Amount:          rewardFor(*ratePerPoint),
				TransactionHash: "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				Timestamp:       time.Now().UTC(),
			}
			data, err := json.Marshal(payout)
			if err != nil {
				log.Printf("Failed to marshal payout: %v", err)
				continue
			}
			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(payout.Wallet),
				Value: sarama.ByteEncoder(data),
			}
			sent++

		case <-statsTicker.C:
			fmt.Printf("[%s] Queued: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				sent,
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}

// Package publish forwards committed escrow transitions to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"marketescrow/native/escrow"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter implements escrow.Emitter. Emit never blocks the engine:
// events are queued and written by a background loop, and dropped when the
// queue is full.
type KafkaEmitter struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	wg     sync.WaitGroup
}

// NewKafkaWriter builds a writer partitioned by message key.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}, nil
}

// NewKafkaEmitter starts the background writer loop.
func NewKafkaEmitter(writer MessageWriter, topic string, logger *slog.Logger) *KafkaEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &KafkaEmitter{
		writer:  writer,
		topic:   topic,
		timeout: 10 * time.Second,
		logger:  logger,
		queue:   make(chan kafka.Message, 256),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

// Emit implements escrow.Emitter.
func (e *KafkaEmitter) Emit(evt escrow.Event) {
	msg, ok := e.encode(evt)
	if !ok {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- msg:
	default:
		e.logger.Warn("escrow event dropped", slog.String("component", "publish"), slog.String("type", evt.EventType()))
	}
}

func (e *KafkaEmitter) encode(evt escrow.Event) (kafka.Message, bool) {
	transition, ok := evt.(escrow.TransitionEvent)
	if !ok {
		return kafka.Message{}, false
	}
	attrs := transition.Attributes()
	attrs["type"] = evt.EventType()
	payload, err := json.Marshal(attrs)
	if err != nil {
		return kafka.Message{}, false
	}
	return kafka.Message{
		Topic: e.topic,
		Key:   []byte(strconv.FormatUint(uint64(transition.EscrowID), 10)),
		Value: payload,
		Time:  transition.At.UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType())},
		},
	}, true
}

func (e *KafkaEmitter) loop() {
	defer e.wg.Done()
	for msg := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.writer.WriteMessages(ctx, msg); err != nil {
			e.logger.Error("escrow event publish failed",
				slog.String("component", "publish"),
				slog.String("escrow_id", string(msg.Key)),
				slog.Any("error", err))
		}
		cancel()
	}
}

// Close drains queued events and closes the writer.
func (e *KafkaEmitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	e.wg.Wait()
	return e.writer.Close()
}

// Package queue bridges document intake over AMQP. The API publishes a
// document-accepted event after an upload clears validation; a consumer
// on the same durable queue feeds the sequencer, which lets ingest and
// processing scale independently.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"krai.services/engine/common"
	"krai.services/engine/config"
)

// DocumentAccepted is the ingest event carried on the bridge.
type DocumentAccepted struct {
	DocumentID string    `json:"document_id"`
	FileHash   string    `json:"file_hash"`
	Filename   string    `json:"filename"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// IngestPublisher is the producer side of the bridge.
type IngestPublisher interface {
	PublishAccepted(event DocumentAccepted) error
	Close() error
}

// IngestBridge connects to the broker and declares the durable ingest
// queue. It serves both the publishing and the consuming side.
type IngestBridge struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
	logger     *logrus.Entry
}

// NewIngestBridge dials the broker from configuration.
func NewIngestBridge(cfg config.AMQPConfig) (*IngestBridge, error) {
	return NewIngestBridgeWithDialer(cfg, &RealAMQPDialer{})
}

// NewIngestBridgeWithDialer injects the dialer; tests pass a mock.
func NewIngestBridgeWithDialer(cfg config.AMQPConfig, dialer AMQPDialer) (*IngestBridge, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	queueName := cfg.Queue
	if queueName == "" {
		queueName = "krai.documents.accepted"
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &IngestBridge{
		connection: conn,
		channel:    ch,
		queueName:  queueName,
		logger:     common.ComponentLogger("queue"),
	}, nil
}

// PublishAccepted publishes one ingest event to the durable queue.
func (b *IngestBridge) PublishAccepted(event DocumentAccepted) error {
	if event.AcceptedAt.IsZero() {
		event.AcceptedAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal ingest event: %w", err)
	}
	err = b.channel.Publish("", b.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish ingest event: %w", err)
	}
	b.logger.WithField("document_id", event.DocumentID).Info("Published ingest event")
	return nil
}

// Consume delivers ingest events to handler until the context ends.
// Events are acknowledged after the handler returns; a handler error
// requeues the delivery once.
func (b *IngestBridge) Consume(ctx context.Context, handler func(context.Context, DocumentAccepted) error) error {
	deliveries, err := b.channel.Consume(b.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			var event DocumentAccepted
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				b.logger.WithError(err).Warn("Dropping undecodable ingest event")
				delivery.Nack(false, false)
				continue
			}
			if err := handler(ctx, event); err != nil {
				b.logger.WithError(err).WithField("document_id", event.DocumentID).Warn("Ingest handler failed")
				delivery.Nack(false, !delivery.Redelivered)
				continue
			}
			delivery.Ack(false)
		}
	}
}

// Depth returns the broker-side queue depth for queue metrics.
func (b *IngestBridge) Depth() (int, error) {
	info, err := b.channel.QueueInspect(b.queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return info.Messages, nil
}

// Close releases the channel and connection.
func (b *IngestBridge) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}

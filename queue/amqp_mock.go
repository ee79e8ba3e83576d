package queue

import (
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is an AMQPConnection stub for tests.
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error

	ChannelCalled bool
	CloseCalled   bool
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel records publishes and serves scripted deliveries.
type MockAMQPChannel struct {
	PublishedMessages []amqp.Publishing
	PublishedKeys     []string

	// Deliveries feeds Consume; close it to end the consumer loop.
	Deliveries chan amqp.Delivery

	QueueDeclareErr error
	PublishErr      error
	ConsumeErr      error
	CloseErr        error

	LastQueueName string
	LastExchange  string
	LastKey       string
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	if m.Deliveries == nil {
		m.Deliveries = make(chan amqp.Delivery)
	}
	return m.Deliveries, nil
}

func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	return amqp.Queue{Name: name, Messages: len(m.PublishedMessages)}, nil
}

func (m *MockAMQPChannel) Close() error {
	return m.CloseErr
}

// MockAcknowledger records ack/nack decisions on mock deliveries.
// Safe for concurrent use; tests poll it while the consumer loop runs.
type MockAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue bool
}

func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	m.acked = append(m.acked, tag)
	m.mu.Unlock()
	return nil
}

func (m *MockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	m.mu.Lock()
	m.nacked = append(m.nacked, tag)
	m.requeue = requeue
	m.mu.Unlock()
	return nil
}

func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Nack(tag, false, requeue)
}

func (m *MockAcknowledger) Acked() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.acked...)
}

func (m *MockAcknowledger) Nacked() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.nacked...)
}

func (m *MockAcknowledger) LastRequeue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeue
}

// MockAMQPDialer is an AMQPDialer stub for tests.
type MockAMQPDialer struct {
	MockConnection AMQPConnection
	DialErr        error
	LastURL        string
}

func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// NewMockAMQPDialer builds a dialer wired to a recording channel.
func NewMockAMQPDialer() (*MockAMQPDialer, *MockAMQPChannel) {
	channel := &MockAMQPChannel{
		Deliveries: make(chan amqp.Delivery, 8),
	}
	conn := &MockAMQPConnection{MockChannel: channel}
	return &MockAMQPDialer{MockConnection: conn}, channel
}

// Package realtime fans pipeline, queue, hardware, stage, and alert
// events out to websocket subscribers. Admission requires a verified
// monitoring:read permission; every frame is gated by the subscriber's
// permissions again before delivery.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/monitor"
)

// PermissionMonitoringRead gates every monitoring frame.
const PermissionMonitoringRead = "monitoring:read"

// hardwareEvery is the tick multiple on which hardware updates go out.
const hardwareEvery = 5

// Frame is the wire format pushed to subscribers.
type Frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Frame types.
const (
	FrameInitialData    = "initial_data"
	FramePipelineUpdate = "pipeline_update"
	FrameQueueUpdate    = "queue_update"
	FrameHardwareUpdate = "hardware_update"
	FrameHeartbeat      = "heartbeat"
	FramePong           = "pong"
)

// MetricsProvider supplies the periodic snapshots; the monitor service
// implements it.
type MetricsProvider interface {
	GetPipelineMetrics(ctx context.Context) *monitor.PipelineMetrics
	GetQueueMetrics(ctx context.Context) *monitor.QueueMetrics
	GetHardwareMetrics(ctx context.Context) *monitor.HardwareMetrics
}

// Hub owns the subscriber set and the periodic broadcast loop.
type Hub struct {
	metrics  MetricsProvider
	interval time.Duration

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}

	logger *logrus.Entry
	now    func() time.Time
}

// NewHub wires a hub. interval defaults to one second.
func NewHub(metrics MetricsProvider, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = time.Second
	}
	return &Hub{
		metrics:  metrics,
		interval: interval,
		subs:     make(map[*Subscriber]struct{}),
		logger:   common.ComponentLogger("realtime"),
		now:      time.Now,
	}
}

// Run drives the periodic push loop until the context ends. Every tick
// pushes pipeline and queue updates; every fifth tick adds hardware.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			tick++
			if h.SubscriberCount() == 0 {
				continue
			}
			h.Broadcast(FramePipelineUpdate, h.metrics.GetPipelineMetrics(ctx))
			h.Broadcast(FrameQueueUpdate, h.metrics.GetQueueMetrics(ctx))
			if tick%hardwareEvery == 0 {
				h.Broadcast(FrameHardwareUpdate, h.metrics.GetHardwareMetrics(ctx))
			}
		}
	}
}

// Broadcast pushes one frame to every subscriber holding the
// monitoring permission. Slow subscribers are disconnected rather than
// allowed to stall the loop.
func (h *Hub) Broadcast(frameType string, data interface{}) {
	frame := Frame{Type: frameType, Data: data, Timestamp: h.now().UTC()}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.HasPermission(PermissionMonitoringRead) {
			continue
		}
		if !sub.enqueue(frame) {
			h.logger.WithField("user_id", sub.UserID).Warn("Dropping slow subscriber")
			h.Unsubscribe(sub)
		}
	}
}

// BroadcastStageEvent is the tracker callback adapter.
func (h *Hub) BroadcastStageEvent(eventType string, payload interface{}) {
	h.Broadcast(eventType, payload)
}

// Subscribe admits a connection, sends the initial snapshot, and
// starts its read and write pumps.
func (h *Hub) Subscribe(ctx context.Context, conn Conn, userID string, permissions []string) *Subscriber {
	sub := newSubscriber(h, conn, userID, permissions)

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	sub.enqueue(Frame{
		Type: FrameInitialData,
		Data: map[string]interface{}{
			"pipeline": h.metrics.GetPipelineMetrics(ctx),
			"queue":    h.metrics.GetQueueMetrics(ctx),
			"hardware": h.metrics.GetHardwareMetrics(ctx),
		},
		Timestamp: h.now().UTC(),
	})

	go sub.writePump()
	go sub.readPump()

	h.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"subscribers": h.SubscriberCount(),
	}).Info("Subscriber connected")
	return sub
}

// Unsubscribe removes and closes a subscriber; safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if present {
		sub.close()
		h.logger.WithField("user_id", sub.UserID).Info("Subscriber disconnected")
	}
}

// SubscriberCount returns the live subscriber count.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

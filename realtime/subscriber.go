package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// heartbeatIdle is the quiet period after which a heartbeat goes out.
	heartbeatIdle = 30 * time.Second

	// readTimeout bounds how long a subscriber may stay silent; pongs
	// and client frames both reset it.
	readTimeout = 90 * time.Second

	writeTimeout = 10 * time.Second

	// sendBuffer is the per-subscriber frame queue; a full queue marks
	// the subscriber as slow.
	sendBuffer = 32
)

// Conn is the subset of *websocket.Conn the hub uses; tests substitute
// a recording implementation.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Subscriber is one connected monitoring client.
type Subscriber struct {
	UserID      string
	Permissions []string
	ConnectedAt time.Time

	hub  *Hub
	conn Conn
	send chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

func newSubscriber(hub *Hub, conn Conn, userID string, permissions []string) *Subscriber {
	return &Subscriber{
		UserID:      userID,
		Permissions: permissions,
		ConnectedAt: time.Now().UTC(),
		hub:         hub,
		conn:        conn,
		send:        make(chan Frame, sendBuffer),
		done:        make(chan struct{}),
	}
}

// HasPermission reports whether the subscriber holds the permission.
func (s *Subscriber) HasPermission(permission string) bool {
	for _, p := range s.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// enqueue queues a frame without blocking; false means the queue is
// full and the subscriber is too slow.
func (s *Subscriber) enqueue(frame Frame) bool {
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

// writePump drains the frame queue and emits heartbeats when idle.
func (s *Subscriber) writePump() {
	idle := time.NewTimer(heartbeatIdle)
	defer idle.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				s.hub.Unsubscribe(s)
				return
			}
			resetTimer(idle, heartbeatIdle)
		case <-idle.C:
			if err := s.write(Frame{Type: FrameHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
				s.hub.Unsubscribe(s)
				return
			}
			resetTimer(idle, heartbeatIdle)
		}
	}
}

// readPump consumes client frames, answering ping with pong. Any read
// error removes the subscriber.
func (s *Subscriber) readPump() {
	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.hub.Unsubscribe(s)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			s.enqueue(Frame{Type: FramePong, Timestamp: time.Now().UTC()})
		}
	}
}

func (s *Subscriber) write(frame Frame) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame)
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

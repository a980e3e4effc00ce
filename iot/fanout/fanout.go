/*Package fanout broadcasts real-time events to dashboard subscribers.

The hub holds a set of subscribers. Broadcast serializes an envelope once and
sends it to every member. There is no queuing and no backpressure: a
subscriber whose send fails, or which is not open anymore, is evicted.
*/
package fanout

import (
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/telemetry/core/logger"
)

// envelope types
const (
	TypeSensorData         = "sensor_data"
	TypeAlert              = "alert"
	TypeLog                = "log"
	TypeClientConnected    = "client_connected"
	TypeClientDisconnected = "client_disconnected"
)

// Envelope is a real-time event
type Envelope struct {
	Type      string      `json:"type"`
	DeviceID  string      `json:"deviceId"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// SensorData is the compact data of a sensor_data envelope
type SensorData struct {
	DeviceID    string      `json:"deviceId"`
	Temperature *float64    `json:"temperature,omitempty"`
	Humidity    *float64    `json:"humidity,omitempty"`
	Timestamp   interface{} `json:"timestamp"`
}

// Subscriber is a member of the hub
type Subscriber interface {
	// Send delivers a serialized envelope. It must not block.
	Send(message []byte) error
	IsOpen() bool
	Close() error
}

// Hub is the set of real-time subscribers. It is safe for concurrent use.
type Hub struct {
	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subscribers: make(map[Subscriber]struct{})}
}

// Add adds a subscriber
func (h *Hub) Add(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[s] = struct{}{}
}

// Remove removes a subscriber. It does not close it.
func (h *Hub) Remove(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, s)
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Broadcast sends the envelope to all subscribers and evicts those which
// failed. It returns the number of subscribers the envelope was delivered to.
func (h *Hub) Broadcast(e Envelope) int {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	message, err := json.Marshal(e)
	if err != nil {
		logger.Default().WithError(err).Errorf("fanout: cannot marshal %s envelope", e.Type)
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for s := range h.subscribers {
		if s.IsOpen() {
			if err = s.Send(message); err == nil {
				delivered++
				continue
			}
			logger.Default().WithError(err).Debugln("fanout: evicting subscriber")
		}
		delete(h.subscribers, s)
		s.Close()
	}
	return delivered
}

// Close closes and removes all subscribers
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		s.Close()
		delete(h.subscribers, s)
	}
}

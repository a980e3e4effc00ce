/*Package registry holds the live session state of connected devices.

The registry is the in-memory side of the gateway: it knows which device
clients are connected right now, how many messages each one has published
and the most recent messages per device. The durable catalog of all devices
ever seen lives in the store, the registry only ever holds live sessions.

Mutations never fail. Persistence errors elsewhere never roll back registry
state.
*/
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/telemetry/iot/topic"
)

// DefaultBufferSize is the number of messages kept per device
const DefaultBufferSize = 100

// Session is the live state of a connected device client
type Session struct {
	ClientID     string    `json:"clientId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastSeen     time.Time `json:"lastSeen"`
	MessageCount int64     `json:"messageCount"`
	Online       bool      `json:"online"`
}

// Message is an entry of the per-device message buffer
type Message struct {
	DeviceID  string          `json:"deviceId"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Size      int             `json:"size"`
}

// Registry is the live device registry. It is safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	buffers    map[string][]Message
	bufferSize int
}

// New creates an empty registry with per-device buffers of DefaultBufferSize
func New() *Registry {
	return NewWithBufferSize(DefaultBufferSize)
}

// NewWithBufferSize creates an empty registry with the given per-device buffer capacity
func NewWithBufferSize(size int) *Registry {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		buffers:    make(map[string][]Message),
		bufferSize: size,
	}
}

// OnConnect registers a live session if the client is a device. A reconnect
// resets the session. It returns whether the client counts as a device.
func (r *Registry) OnConnect(clientID string, now time.Time) bool {
	if !topic.IsDeviceClient(clientID) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = &Session{
		ClientID:    clientID,
		ConnectedAt: now,
		LastSeen:    now,
		Online:      true,
	}
	return true
}

// OnDisconnect removes the live session of the client and returns its final
// state, marked offline. Unknown clients return false and change nothing.
func (r *Registry) OnDisconnect(clientID string, now time.Time) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, clientID)
	s.Online = false
	s.LastSeen = now
	return *s, true
}

// OnMessage counts a published message of the client and refreshes its
// lastSeen. Unknown clients return false.
func (r *Registry) OnMessage(clientID string, now time.Time) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return Session{}, false
	}
	s.MessageCount++
	s.LastSeen = now
	s.Online = true
	return *s, true
}

// Expire flags all online sessions not seen since before as offline and
// returns them. Expired sessions stay in the registry until the client
// disconnects or publishes again.
func (r *Registry) Expire(before time.Time) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []Session
	for _, s := range r.sessions {
		if s.Online && s.LastSeen.Before(before) {
			s.Online = false
			expired = append(expired, *s)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ClientID < expired[j].ClientID })
	return expired
}

// Append adds a message to the device's buffer, evicting the oldest message
// when the buffer is full.
func (r *Registry) Append(deviceID string, m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buffer := r.buffers[deviceID]
	if len(buffer) >= r.bufferSize {
		// copy instead of reslicing so the backing array does not grow forever
		n := copy(buffer, buffer[len(buffer)-r.bufferSize+1:])
		buffer = buffer[:n]
	}
	r.buffers[deviceID] = append(buffer, m)
}

// Recent returns up to limit of the device's most recent messages, oldest
// first. A limit <= 0 returns the whole buffer.
func (r *Registry) Recent(deviceID string, limit int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	buffer := r.buffers[deviceID]
	if limit <= 0 || limit > len(buffer) {
		limit = len(buffer)
	}
	result := make([]Message, limit)
	copy(result, buffer[len(buffer)-limit:])
	return result
}

// Get returns the live session of the client
func (r *Registry) Get(clientID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Snapshot returns copies of all live sessions ordered by client ID
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ClientID < sessions[j].ClientID })
	return sessions
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Forget drops the message buffer of a device
func (r *Registry) Forget(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, deviceID)
}

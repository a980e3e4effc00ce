/*Package router dispatches broker events to the gateway components.

The router itself is stateless. For every event it first runs the
synchronous part (registry mutation, topic classification, payload decoding,
buffer update) and then hands all persistence calls to a sharded pipeline.
Calls for the same device are issued in order, calls for different devices
may complete out of order. Persistence is best effort: failures are logged
and never roll back the registry.
*/
package router

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/alert"
	"github.com/relabs-tech/telemetry/iot/export"
	"github.com/relabs-tech/telemetry/iot/fanout"
	"github.com/relabs-tech/telemetry/iot/payload"
	"github.com/relabs-tech/telemetry/iot/pipeline"
	"github.com/relabs-tech/telemetry/iot/registry"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/topic"
)

// system topics of log entries
const (
	TopicConnection    = "system/connection"
	TopicDisconnection = "system/disconnection"
	TopicError         = "system/error"
	TopicTimeout       = "system/timeout"
)

// device IDs of log entries which are not attributable to a device
const (
	UnknownDevice = "unknown"
	BrokerDevice  = "broker"
)

// EventType is the type of a broker event
type EventType string

// all event types
const (
	ClientConnected    EventType = "client-connected"
	ClientDisconnected EventType = "client-disconnected"
	MessagePublished   EventType = "message-published"
	Subscribed         EventType = "subscribe"
	Unsubscribed       EventType = "unsubscribe"
	BrokerError        EventType = "broker-error"
)

// Subscription is a single topic filter of a subscribe event
type Subscription struct {
	Topic string
	QoS   int
}

// Event is a normalized broker notification. ClientID is empty for messages
// published without client context.
type Event struct {
	Type          EventType
	ClientID      string
	Topic         string
	Payload       []byte
	QoS           int
	Retain        bool
	Subscriptions []Subscription
	Topics        []string
	Err           error
}

// Builder is the configuration of a Router
type Builder struct {
	Registry *registry.Registry
	Store    store.Store
	Pipeline *pipeline.Pipeline
	// optional
	Evaluator *alert.Evaluator
	Hub       *fanout.Hub
	Exporter  export.Exporter
	// Now returns the current time, defaults to time.Now
	Now func() time.Time
}

// Router is the telemetry router
type Router struct {
	registry  *registry.Registry
	store     store.Store
	pipeline  *pipeline.Pipeline
	evaluator *alert.Evaluator
	hub       *fanout.Hub
	exporter  export.Exporter
	now       func() time.Time
}

// New creates a router
func New(b *Builder) *Router {
	r := &Router{
		registry:  b.Registry,
		store:     b.Store,
		pipeline:  b.Pipeline,
		evaluator: b.Evaluator,
		hub:       b.Hub,
		exporter:  b.Exporter,
		now:       b.Now,
	}
	if r.registry == nil {
		r.registry = registry.New()
	}
	if r.pipeline == nil {
		r.pipeline = pipeline.New(8, 1024)
	}
	if r.evaluator == nil {
		r.evaluator = alert.NewEvaluator()
	}
	if r.hub == nil {
		r.hub = fanout.NewHub()
	}
	if r.exporter == nil {
		r.exporter = export.Nop{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Registry returns the live device registry
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Hub returns the real-time fan-out hub
func (r *Router) Hub() *fanout.Hub {
	return r.hub
}

// Flush waits until all queued persistence calls are done
func (r *Router) Flush() {
	r.pipeline.Flush()
}

// Handle dispatches an event
func (r *Router) Handle(ctx context.Context, e Event) {
	switch e.Type {
	case ClientConnected:
		r.OnClientConnected(ctx, e.ClientID)
	case ClientDisconnected:
		r.OnClientDisconnected(ctx, e.ClientID)
	case MessagePublished:
		r.OnMessagePublished(ctx, e.ClientID, e.Topic, e.Payload, e.QoS, e.Retain)
	case Subscribed:
		r.OnSubscribed(ctx, e.ClientID, e.Subscriptions)
	case Unsubscribed:
		r.OnUnsubscribed(ctx, e.ClientID, e.Topics)
	case BrokerError:
		r.OnBrokerError(ctx, e.Err)
	default:
		logger.FromContext(ctx).Warnf("router: unknown event type %q", e.Type)
	}
}

// persist queues a store call under key. Calls fail silently while the store is unavailable.
func (r *Router) persist(ctx context.Context, key, name string, fn func(ctx context.Context) error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.pipeline.Submit(context.WithoutCancel(ctx), key, name, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, store.ErrUnavailable) {
			logger.FromContext(ctx).Debugf("router: %s skipped, store is not available", name)
			return nil
		}
		return err
	})
}

func mustJSON(v interface{}) json.RawMessage {
	body, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return body
}

// storeLog queues a log entry and broadcasts it
func (r *Router) storeLog(ctx context.Context, entry store.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	key := entry.DeviceID
	r.persist(ctx, key, "storeLog", func(ctx context.Context) error {
		return r.store.StoreLog(ctx, entry)
	})
	r.hub.Broadcast(fanout.Envelope{Type: fanout.TypeLog, DeviceID: entry.DeviceID, Data: entry, Timestamp: entry.Timestamp})
}

// OnClientConnected registers device clients and records the connection
func (r *Router) OnClientConnected(ctx context.Context, clientID string) {
	rlog := logger.FromContext(ctx)
	now := r.now().UTC()
	isDevice := r.registry.OnConnect(clientID, now)
	rlog.Infof("client connected: %s", clientID)

	r.storeLog(ctx, store.LogEntry{
		DeviceID:  clientID,
		Level:     store.LevelInfo,
		Message:   "Client connected: " + clientID,
		Topic:     TopicConnection,
		Data:      mustJSON(map[string]interface{}{"clientId": clientID, "timestamp": now}),
		Timestamp: now,
	})

	if isDevice {
		rlog.Infof("IoT device registered: %s", clientID)
		device := store.Device{
			DeviceID:     clientID,
			Status:       store.StatusOnline,
			RegisteredAt: now,
			LastSeen:     now,
		}
		r.persist(ctx, clientID, "storeDevice", func(ctx context.Context) error {
			return r.store.StoreDevice(ctx, device)
		})
	}
	r.hub.Broadcast(fanout.Envelope{
		Type:      fanout.TypeClientConnected,
		DeviceID:  clientID,
		Data:      map[string]interface{}{"clientId": clientID, "device": isDevice},
		Timestamp: now,
	})
}

// OnClientDisconnected ends the live session of the client. The durable
// device record stays, only its status flips to offline.
func (r *Router) OnClientDisconnected(ctx context.Context, clientID string) {
	rlog := logger.FromContext(ctx)
	now := r.now().UTC()
	session, wasDevice := r.registry.OnDisconnect(clientID, now)
	rlog.Infof("client disconnected: %s", clientID)

	r.storeLog(ctx, store.LogEntry{
		DeviceID:  clientID,
		Level:     store.LevelInfo,
		Message:   "Client disconnected: " + clientID,
		Topic:     TopicDisconnection,
		Data:      mustJSON(map[string]interface{}{"clientId": clientID, "timestamp": now}),
		Timestamp: now,
	})

	if wasDevice {
		rlog.Infof("IoT device disconnected: %s (messages: %d)", clientID, session.MessageCount)
		r.persist(ctx, clientID, "updateDeviceStatus", func(ctx context.Context) error {
			return r.store.UpdateDeviceStatus(ctx, clientID, store.StatusOffline, now)
		})
	}
	r.persist(ctx, clientID, "removeClientSubscriptions", func(ctx context.Context) error {
		return r.store.RemoveClientSubscriptions(ctx, clientID)
	})
	r.hub.Broadcast(fanout.Envelope{
		Type:      fanout.TypeClientDisconnected,
		DeviceID:  clientID,
		Data:      map[string]interface{}{"clientId": clientID, "device": wasDevice, "messageCount": session.MessageCount},
		Timestamp: now,
	})
}

// OnMessagePublished routes a published message
func (r *Router) OnMessagePublished(ctx context.Context, clientID, t string, raw []byte, qos int, retain bool) {
	rlog := logger.FromContext(ctx)
	now := r.now().UTC()

	if clientID == "" {
		rlog.Warnf("message published without client context to topic %s", t)
		r.storeLog(ctx, store.LogEntry{
			DeviceID:  UnknownDevice,
			Level:     store.LevelWarn,
			Message:   "Message published without client context to topic: " + t,
			Topic:     t,
			Data:      mustJSON(map[string]string{"payload": string(raw)}),
			Timestamp: now,
		})
		return
	}

	if !topic.IsDeviceTopic(t) {
		rlog.Debugf("message from %s to topic %q: %s", clientID, t, string(raw))
		return
	}

	kind := topic.Classify(t)
	p := payload.Decode(kind, raw)
	deviceID, hasDevice := topic.ExtractDeviceID(t)
	switch kind {
	case topic.KindRegister, topic.KindStatus, topic.KindHeartbeat:
		// the exact device topics carry the device in the payload
		if id := p.DeviceID(); id != "" {
			deviceID, hasDevice = id, true
		}
	}

	if _, ok := r.registry.OnMessage(clientID, now); ok {
		r.persist(ctx, clientID, "incrementDeviceMessageCount", func(ctx context.Context) error {
			return r.store.IncrementDeviceMessageCount(ctx, clientID)
		})
		r.persist(ctx, clientID, "updateDeviceStatus", func(ctx context.Context) error {
			return r.store.UpdateDeviceStatus(ctx, clientID, store.StatusOnline, now)
		})
	}

	data := p.JSON()
	if hasDevice {
		r.registry.Append(deviceID, registry.Message{
			DeviceID:  deviceID,
			Topic:     t,
			Timestamp: now,
			Data:      data,
			Size:      len(raw),
		})
		r.storeLog(ctx, store.LogEntry{
			DeviceID:  deviceID,
			Level:     store.LevelInfo,
			Message:   "Message published to " + t,
			Topic:     t,
			Data:      data,
			Timestamp: now,
		})
	}

	r.persist(ctx, t, "recordTopicMessage", func(ctx context.Context) error {
		return r.store.RecordTopicMessage(ctx, t, now)
	})

	rlog.WithField("topic", t).
		WithField("deviceId", deviceID).
		WithField("qos", qos).
		WithField("retain", retain).
		WithField("size", len(raw)).
		Debugf("IoT device data (%s)", kind)

	switch kind {
	case topic.KindRegister:
		r.onRegistration(ctx, p.Registration, now)
	case topic.KindStatus:
		r.onStatus(ctx, p.Status, now)
	case topic.KindHeartbeat:
		r.onHeartbeat(ctx, p.Heartbeat, now)
	case topic.KindSensorData, topic.KindSensor:
		if !hasDevice && p.Sensor != nil {
			deviceID = p.Sensor.DeviceID
		}
		r.onSensorData(ctx, deviceID, p, now)
	case topic.KindSensorControl:
		rlog.Infof("forwarding sensor control to device %s", deviceID)
	case topic.KindSensorControlResponse:
		rlog.Infof("sensor control response from device %s", deviceID)
	case topic.KindActuator:
		rlog.Infoln("actuator control")
	default:
		rlog.Debugln("IoT device data")
	}
}

func (r *Router) onRegistration(ctx context.Context, reg *payload.Registration, now time.Time) {
	if reg == nil {
		logger.FromContext(ctx).Warnln("registration without deviceId ignored")
		return
	}
	device := store.Device{
		DeviceID:     reg.DeviceID,
		DeviceType:   reg.DeviceType,
		Location:     reg.Location,
		Firmware:     reg.Firmware,
		Capabilities: reg.Capabilities,
		Status:       reg.Status,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if device.Status == "" {
		device.Status = store.StatusOnline
	}
	r.persist(ctx, reg.DeviceID, "storeDevice", func(ctx context.Context) error {
		return r.store.StoreDevice(ctx, device)
	})
}

func (r *Router) onStatus(ctx context.Context, status *payload.Status, now time.Time) {
	if status == nil {
		logger.FromContext(ctx).Warnln("status update without deviceId ignored")
		return
	}
	r.persist(ctx, status.DeviceID, "updateDeviceStatus", func(ctx context.Context) error {
		return r.store.UpdateDeviceStatus(ctx, status.DeviceID, status.Status, now)
	})
}

func (r *Router) onHeartbeat(ctx context.Context, hb *payload.Heartbeat, now time.Time) {
	if hb == nil {
		logger.FromContext(ctx).Warnln("heartbeat without deviceId ignored")
		return
	}
	heartbeat := store.Heartbeat{
		Status:   store.StatusOnline,
		LastSeen: now,
		Uptime:   hb.UptimeSeconds(),
		Memory:   hb.Memory,
	}
	r.persist(ctx, hb.DeviceID, "updateHeartbeat", func(ctx context.Context) error {
		return r.store.UpdateHeartbeat(ctx, hb.DeviceID, heartbeat)
	})
}

func (r *Router) onSensorData(ctx context.Context, topicDeviceID string, p payload.Payload, now time.Time) {
	rlog := logger.FromContext(ctx)
	if p.Sensor == nil {
		rlog.Debugln("sensor message without sensor data")
		return
	}
	data := *p.Sensor
	if data.DeviceID == "" {
		data.DeviceID = topicDeviceID
	}
	if data.DeviceID == "" {
		rlog.Warnln("sensor data without device ignored")
		return
	}
	deviceID := data.DeviceID

	reading := store.SensorReading{
		DeviceID:  deviceID,
		Timestamp: now,
		Sensors:   data.Sensors,
		Data:      p.JSON(),
	}
	r.persist(ctx, deviceID, "storeSensorData", func(ctx context.Context) error {
		return r.store.StoreSensorData(ctx, reading)
	})
	r.persist(ctx, deviceID, "updateLastSensorData", func(ctx context.Context) error {
		return r.store.UpdateLastSensorData(ctx, deviceID, reading.Data)
	})
	r.persist(ctx, deviceID, "exportReading", func(ctx context.Context) error {
		return r.exporter.ExportReading(ctx, reading)
	})

	temperature, hasTemperature := data.Value("temperature")
	humidity, hasHumidity := data.Value("humidity")
	if hasTemperature || hasHumidity {
		compact := fanout.SensorData{DeviceID: deviceID, Timestamp: data.Timestamp}
		if hasTemperature {
			compact.Temperature = &temperature
		}
		if hasHumidity {
			compact.Humidity = &humidity
		}
		if compact.Timestamp == nil {
			compact.Timestamp = now.UnixMilli()
		}
		r.hub.Broadcast(fanout.Envelope{Type: fanout.TypeSensorData, DeviceID: deviceID, Data: compact, Timestamp: now})
	}

	for _, a := range r.evaluator.Evaluate(&data, now) {
		a := a
		rlog.Warnf("ALERT: %s (device: %s)", a.Message, a.DeviceID)
		r.persist(ctx, deviceID, "storeAlert", func(ctx context.Context) error {
			return r.store.StoreAlert(ctx, a)
		})
		r.persist(ctx, deviceID, "exportAlert", func(ctx context.Context) error {
			return r.exporter.ExportAlert(ctx, a)
		})
		r.hub.Broadcast(fanout.Envelope{Type: fanout.TypeAlert, DeviceID: deviceID, Data: a, Timestamp: now})
	}
}

// OnSubscribed stores the subscriptions of a client
func (r *Router) OnSubscribed(ctx context.Context, clientID string, subs []Subscription) {
	rlog := logger.FromContext(ctx)
	now := r.now().UTC()
	var topics, iotTopics []string
	for _, s := range subs {
		sub := store.Subscription{ClientID: clientID, Topic: s.Topic, QoS: s.QoS, SubscribedAt: now}
		r.persist(ctx, clientID, "storeSubscription", func(ctx context.Context) error {
			return r.store.StoreSubscription(ctx, sub)
		})
		topics = append(topics, s.Topic)
		if topic.IsDeviceTopic(s.Topic) {
			iotTopics = append(iotTopics, s.Topic)
		}
	}
	rlog.Infof("client %s subscribed to topics: %v", clientID, topics)
	if len(iotTopics) > 0 {
		rlog.Infof("IoT device %s subscribed to IoT topics: %v", clientID, iotTopics)
	}
}

// OnUnsubscribed removes subscriptions of a client
func (r *Router) OnUnsubscribed(ctx context.Context, clientID string, topics []string) {
	for _, t := range topics {
		t := t
		r.persist(ctx, clientID, "removeSubscription", func(ctx context.Context) error {
			return r.store.RemoveSubscription(ctx, clientID, t)
		})
	}
	logger.FromContext(ctx).Infof("client %s unsubscribed from topics: %v", clientID, topics)
}

// OnBrokerError records an error of the broker engine
func (r *Router) OnBrokerError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	logger.FromContext(ctx).WithError(err).Errorln("broker error")
	r.storeLog(ctx, store.LogEntry{
		DeviceID: BrokerDevice,
		Level:    store.LevelError,
		Message:  "Broker error: " + err.Error(),
		Topic:    TopicError,
		Data:     mustJSON(map[string]string{"error": err.Error()}),
	})
}

// OnCommandSent records a command published on behalf of the web interface
func (r *Router) OnCommandSent(ctx context.Context, deviceID, t, body string, qos int, retain bool) {
	logger.FromContext(ctx).Infof("command sent to %s on %s", deviceID, t)
	r.storeLog(ctx, store.LogEntry{
		DeviceID: deviceID,
		Level:    store.LevelInfo,
		Message:  "Command sent via web interface",
		Topic:    t,
		Data: mustJSON(map[string]interface{}{
			"command": "web_send",
			"payload": body,
			"qos":     qos,
			"retain":  retain,
			"sentBy":  "web-server",
		}),
	})
}

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot"
	"github.com/relabs-tech/telemetry/iot/payload"
	"github.com/relabs-tech/telemetry/iot/registry"
	"github.com/relabs-tech/telemetry/iot/router"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/topic"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Info describes the running gateway in status responses
type Info struct {
	MQTTPort int
	WebPort  int
	BrokerID string
}

// Builder is a builder helper for the Service
type Builder struct {
	// Router is the mux router to add the routes to. This is mandatory.
	Router *mux.Router
	// Store is the persistence gateway. This is mandatory.
	Store store.Store
	// Gateway is the telemetry router. This is mandatory.
	Gateway *router.Router
	// Publisher sends commands to devices. Without publisher commands are rejected.
	Publisher iot.MessagePublisher
	// RealtimePath is the path of the websocket endpoint, default /realtime
	RealtimePath string
	Info         Info
}

// Service is the REST interface of the telemetry gateway
type Service struct {
	store     store.Store
	gateway   *router.Router
	publisher iot.MessagePublisher
	info      Info
	started   time.Time
}

// New creates the service and adds its routes to the passed router
func New(b *Builder) *Service {
	s := &Service{
		store:     b.Store,
		gateway:   b.Gateway,
		publisher: b.Publisher,
		info:      b.Info,
		started:   time.Now(),
	}
	realtimePath := b.RealtimePath
	if realtimePath == "" {
		realtimePath = "/realtime"
	}
	s.handleRoutes(b.Router, realtimePath)
	return s
}

func (s *Service) handleRoutes(r *mux.Router, realtimePath string) {
	rlog := logger.Default()
	logger.AddRequestID(r)

	r.Handle(realtimePath, s.gateway.Hub()).Methods(http.MethodGet)
	rlog.Debugln("  handle realtime route:", realtimePath, "GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(func(h http.Handler) http.Handler {
		return handlers.CompressHandler(h)
	})

	routes := []struct {
		path    string
		method  string
		handler http.HandlerFunc
	}{
		{"/status", http.MethodGet, s.status},
		{"/health", http.MethodGet, s.health},
		{"/devices", http.MethodGet, s.listDevices},
		{"/devices/{device_id}", http.MethodGet, s.readDevice},
		{"/devices/{device_id}", http.MethodDelete, s.deleteDevice},
		{"/devices/{device_id}/config", http.MethodPut, s.updateConfig},
		{"/devices/{device_id}/command", http.MethodPost, s.sendCommand},
		{"/sensor-data/{device_id}", http.MethodGet, s.sensorData},
		{"/alerts", http.MethodGet, s.alerts},
		{"/logs", http.MethodGet, s.logs},
		{"/topics", http.MethodGet, s.topics},
		{"/topics/{topic:.+}/subscribers", http.MethodGet, s.subscribers},
		{"/live/{device_id}", http.MethodGet, s.live},
	}
	for _, route := range routes {
		rlog.Debugln("  handle route: /api"+route.path, route.method)
		api.HandleFunc(route.path, route.handler).Methods(route.method)
	}
}

type response map[string]interface{}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body response) {
	body["timestamp"] = time.Now().UTC()
	if _, ok := body["success"]; !ok {
		body["success"] = status < http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 5001: cannot encode response")
	}
}

// writeError logs the numbered error and answers with its message. Store
// unavailability yields 503 together with the empty result.
func writeError(w http.ResponseWriter, r *http.Request, err error, msg string, empty response) {
	rlog := logger.FromContext(r.Context())
	if empty == nil {
		empty = response{}
	}
	switch {
	case errors.Is(err, store.ErrUnavailable):
		rlog.Warnln(msg, "store is not available")
		empty["error"] = "Redis service is not available"
		writeJSON(w, r, http.StatusServiceUnavailable, empty)
	default:
		rlog.WithError(err).Errorln(msg)
		empty["error"] = msg
		writeJSON(w, r, http.StatusInternalServerError, empty)
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	logger.FromContext(r.Context()).Infoln(msg)
	writeJSON(w, r, http.StatusBadRequest, response{"error": msg})
}

func notFound(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, r, http.StatusNotFound, response{"error": msg})
}

// limitFrom parses the limit query parameter
func limitFrom(r *http.Request) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit < 1 || limit > maxLimit {
		return 0, errors.New("Error 4001: limit must be between 1 and " + strconv.Itoa(maxLimit))
	}
	return limit, nil
}

func (s *Service) storeHealth(ctx context.Context) (connected, healthy bool) {
	connected = s.store.Connected()
	if connected {
		healthy = s.store.Ping(ctx) == nil
	}
	return connected, healthy
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	connected, healthy := s.storeHealth(r.Context())
	writeJSON(w, r, http.StatusOK, response{
		"broker": response{
			"mqttPort": s.info.MQTTPort,
			"status":   "running",
		},
		"server": response{
			"port":   s.info.WebPort,
			"status": "running",
			"uptime": time.Since(s.started).Seconds(),
		},
		"redis": response{
			"connected": connected,
			"healthy":   healthy,
			"degraded":  s.store.Degraded(),
		},
		"mqtt": response{
			"connected":        true,
			"brokerId":         s.info.BrokerID,
			"connectedDevices": s.gateway.Registry().Len(),
		},
		"realtime": response{
			"subscribers": s.gateway.Hub().Len(),
		},
	})
}

// health answers 503 while the store is degraded or unreachable
func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	connected, healthy := s.storeHealth(r.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, response{
		"status": status,
		"uptime": time.Since(s.started).Seconds(),
		"redis": response{
			"connected": connected,
			"healthy":   healthy,
		},
	})
}

func (s *Service) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.GetAllDevices(r.Context())
	if err != nil {
		writeError(w, r, err, "Error 5002: failed to load devices", response{"devices": []store.Device{}, "count": 0})
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, r, http.StatusOK, response{"devices": devices, "count": len(devices)})
}

func (s *Service) readDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	device, err := s.store.GetDevice(r.Context(), deviceID)
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, r, "Device not found")
		return
	}
	if err != nil {
		writeError(w, r, err, "Error 5003: failed to get device", response{"device": nil})
		return
	}
	body := response{"device": device}
	if session, ok := s.gateway.Registry().Get(deviceID); ok {
		body["session"] = session
	}
	writeJSON(w, r, http.StatusOK, body)
}

func (s *Service) deleteDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := mux.Vars(r)["device_id"]
	_, err := s.store.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, r, "Device not found")
		return
	}
	if err == nil {
		err = s.store.DeleteDevice(ctx, deviceID)
	}
	if err != nil {
		writeError(w, r, err, "Error 5004: failed to delete device", nil)
		return
	}
	s.gateway.Registry().Forget(deviceID)
	logger.FromContext(ctx).Infof("device %s deleted", deviceID)
	writeJSON(w, r, http.StatusOK, response{"deviceId": deviceID})
}

func (s *Service) updateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := mux.Vars(r)["device_id"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, r, "Error 4002: cannot read body")
		return
	}
	var config map[string]interface{}
	if err := json.Unmarshal(body, &config); err != nil || config == nil {
		badRequest(w, r, "Error 4003: config must be a JSON object")
		return
	}
	err = s.store.UpdateDeviceConfig(ctx, deviceID, body)
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, r, "Device not found")
		return
	}
	if err != nil {
		writeError(w, r, err, "Error 5005: failed to update config", nil)
		return
	}
	writeJSON(w, r, http.StatusOK, response{"deviceId": deviceID, "config": json.RawMessage(body)})
}

type commandRequest struct {
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data"`
	QoS    int             `json:"qos"`
	Retain bool            `json:"retain"`
}

// commandPayload returns strings as they are and everything else as JSON
func commandPayload(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return str
	}
	return string(data)
}

func (s *Service) sendCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := mux.Vars(r)["device_id"]
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "Error 4004: invalid command body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		badRequest(w, r, "Topic is required")
		return
	}
	if req.QoS < 0 || req.QoS > 2 {
		badRequest(w, r, "Error 4005: qos must be 0, 1 or 2")
		return
	}
	if s.publisher == nil {
		writeJSON(w, r, http.StatusServiceUnavailable, response{"error": "broker is not available"})
		return
	}

	body := commandPayload(req.Data)
	if err := s.publisher.Publish(ctx, req.Topic, []byte(body), uint8(req.QoS), req.Retain); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5006: failed to publish message")
		writeJSON(w, r, http.StatusServiceUnavailable, response{"error": "Failed to publish message", "details": err.Error()})
		return
	}
	s.gateway.OnCommandSent(ctx, deviceID, req.Topic, body, req.QoS, req.Retain)
	writeJSON(w, r, http.StatusOK, response{
		"deviceId": deviceID,
		"topic":    req.Topic,
		"payload":  body,
		"qos":      req.QoS,
		"retain":   req.Retain,
	})
}

// sensorData returns the latest reading of a device, in a compact form and
// as stored, together with the most recent history
func (s *Service) sensorData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := mux.Vars(r)["device_id"]
	limit, err := limitFrom(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	latest, err := s.store.GetLatestSensorData(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, r, "Sensor data not found for device")
		return
	}
	if err != nil {
		writeError(w, r, err, "Error 5007: failed to get sensor data", response{"data": nil, "history": []store.SensorReading{}})
		return
	}
	history, err := s.store.GetSensorDataHistory(ctx, deviceID, limit)
	if err != nil {
		writeError(w, r, err, "Error 5008: failed to get sensor history", response{"data": nil, "history": []store.SensorReading{}})
		return
	}
	if history == nil {
		history = []store.SensorReading{}
	}

	compact := response{"deviceId": deviceID, "timestamp": latest.Timestamp}
	if p := payload.Decode(topic.KindSensorData, latest.Data); p.Sensor != nil {
		if p.Sensor.DeviceID != "" {
			compact["deviceId"] = p.Sensor.DeviceID
		}
		if v, ok := p.Sensor.Value("temperature"); ok {
			compact["temperature"] = v
		}
		if v, ok := p.Sensor.Value("humidity"); ok {
			compact["humidity"] = v
		}
		if p.Sensor.Timestamp != nil {
			compact["timestamp"] = p.Sensor.Timestamp
		}
	}
	writeJSON(w, r, http.StatusOK, response{
		"data":    compact,
		"latest":  latest,
		"history": history,
		"count":   len(history),
	})
}

func (s *Service) alerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := limitFrom(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	deviceID := r.URL.Query().Get("deviceId")
	var alerts interface{}
	var count int
	if deviceID != "" {
		list, e := s.store.GetDeviceAlerts(ctx, deviceID, limit)
		alerts, count, err = list, len(list), e
	} else {
		list, e := s.store.GetAllAlerts(ctx, limit)
		alerts, count, err = list, len(list), e
	}
	if err != nil {
		writeError(w, r, err, "Error 5009: failed to load alerts", response{"alerts": []interface{}{}, "count": 0})
		return
	}
	if count == 0 {
		alerts = []interface{}{}
	}
	writeJSON(w, r, http.StatusOK, response{"alerts": alerts, "count": count})
}

func (s *Service) logs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := limitFrom(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	query := r.URL.Query()
	deviceID, level := query.Get("deviceId"), query.Get("level")

	var logs []store.LogEntry
	if deviceID != "" {
		logs, err = s.store.GetDeviceLogs(ctx, deviceID, limit)
	} else {
		logs, err = s.store.GetAllLogs(ctx, limit)
	}
	if err != nil {
		writeError(w, r, err, "Error 5010: failed to load logs", response{"logs": []store.LogEntry{}, "count": 0})
		return
	}
	filtered := []store.LogEntry{}
	for _, entry := range logs {
		if level == "" || entry.Level == level {
			filtered = append(filtered, entry)
		}
	}
	writeJSON(w, r, http.StatusOK, response{
		"logs":    filtered,
		"count":   len(filtered),
		"filters": response{"deviceId": deviceID, "level": level, "limit": limit},
	})
}

func (s *Service) topics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.store.GetTopics(r.Context())
	if err != nil {
		writeError(w, r, err, "Error 5011: failed to load topics", response{"topics": []store.TopicStat{}, "count": 0})
		return
	}
	if topics == nil {
		topics = []store.TopicStat{}
	}
	writeJSON(w, r, http.StatusOK, response{"topics": topics, "count": len(topics)})
}

func (s *Service) subscribers(w http.ResponseWriter, r *http.Request) {
	t := mux.Vars(r)["topic"]
	subscribers, err := s.store.GetTopicSubscribers(r.Context(), t)
	if err != nil {
		writeError(w, r, err, "Error 5012: failed to get subscribers", response{"topic": t, "subscribers": []string{}, "count": 0})
		return
	}
	if subscribers == nil {
		subscribers = []string{}
	}
	writeJSON(w, r, http.StatusOK, response{"topic": t, "subscribers": subscribers, "count": len(subscribers)})
}

// live returns the in-memory message buffer of a device. It works without the store.
func (s *Service) live(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	limit, err := limitFrom(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	live := s.gateway.Registry()
	messages := live.Recent(deviceID, limit)
	if messages == nil {
		messages = []registry.Message{}
	}
	body := response{"deviceId": deviceID, "messages": messages, "count": len(messages)}
	if session, ok := live.Get(deviceID); ok {
		body["session"] = session
	}
	writeJSON(w, r, http.StatusOK, body)
}

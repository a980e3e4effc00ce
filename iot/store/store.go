// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package store is the persistence gateway of the telemetry gateway.

It projects device state, sensor readings, alerts, logs, subscriptions and
topic statistics into a key-value store with per-key TTLs and bounded lists.
The store is best effort: while it is not connected, every operation is a
no-op that returns ErrUnavailable. Nothing in this package panics on store
failures, callers log and carry on.
*/
package store

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/telemetry/iot/alert"
	"github.com/relabs-tech/telemetry/iot/payload"
)

// ErrUnavailable is returned by every operation while the store is disconnected or degraded
var ErrUnavailable = errors.New("store is not available")

// ErrNotFound is returned when a requested record does not exist or has expired
var ErrNotFound = errors.New("not found")

// device status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// log levels
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelDebug = "debug"
)

// Device is the durable catalog entry of a device
type Device struct {
	DeviceID        string          `json:"deviceId"`
	DeviceType      string          `json:"deviceType"`
	Location        string          `json:"location"`
	Firmware        string          `json:"firmware"`
	Capabilities    []string        `json:"capabilities"`
	Status          string          `json:"status"`
	RegisteredAt    time.Time       `json:"registeredAt"`
	LastSeen        time.Time       `json:"lastSeen"`
	MessageCount    int64           `json:"messageCount"`
	Uptime          float64         `json:"uptime"`
	Memory          json.RawMessage `json:"memory"`
	LastSensorData  json.RawMessage `json:"lastSensorData"`
	Config          json.RawMessage `json:"config,omitempty"`
	ConfigUpdatedAt *time.Time      `json:"configUpdatedAt,omitempty"`
}

// Heartbeat is the partial device update of a heartbeat message
type Heartbeat struct {
	Status   string
	LastSeen time.Time
	Uptime   float64
	Memory   json.RawMessage
}

// SensorReading is a single sensor data message of a device
type SensorReading struct {
	DeviceID  string                    `json:"deviceId"`
	Timestamp time.Time                 `json:"timestamp"`
	Sensors   map[string]payload.Sensor `json:"sensors,omitempty"`
	// Data is the payload as published by the device
	Data json.RawMessage `json:"data"`
}

// LogEntry is an entry of the gateway's event log
type LogEntry struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"deviceId"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Subscription is a topic subscription of an MQTT client
type Subscription struct {
	ClientID     string    `json:"clientId"`
	Topic        string    `json:"topic"`
	QoS          int       `json:"qos"`
	SubscribedAt time.Time `json:"subscribedAt"`
}

// TopicStat are the statistics of a topic
type TopicStat struct {
	Topic        string     `json:"name"`
	Type         string     `json:"type"`
	MessageCount int64      `json:"messageCount"`
	Subscribers  int64      `json:"subscribers"`
	LastMessage  *time.Time `json:"lastMessage"`
}

// Store is the persistence gateway. All methods return ErrUnavailable while
// the store is not connected.
type Store interface {
	StoreDevice(ctx context.Context, device Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	GetAllDevices(ctx context.Context) ([]Device, error)
	UpdateDeviceStatus(ctx context.Context, deviceID, status string, lastSeen time.Time) error
	UpdateHeartbeat(ctx context.Context, deviceID string, heartbeat Heartbeat) error
	IncrementDeviceMessageCount(ctx context.Context, deviceID string) error
	UpdateLastSensorData(ctx context.Context, deviceID string, data json.RawMessage) error
	UpdateDeviceConfig(ctx context.Context, deviceID string, config json.RawMessage) error
	DeleteDevice(ctx context.Context, deviceID string) error

	StoreSensorData(ctx context.Context, reading SensorReading) error
	GetLatestSensorData(ctx context.Context, deviceID string) (*SensorReading, error)
	GetSensorDataHistory(ctx context.Context, deviceID string, limit int) ([]SensorReading, error)

	StoreAlert(ctx context.Context, a alert.Alert) error
	GetDeviceAlerts(ctx context.Context, deviceID string, limit int) ([]alert.Alert, error)
	GetAllAlerts(ctx context.Context, limit int) ([]alert.Alert, error)

	StoreLog(ctx context.Context, entry LogEntry) error
	GetAllLogs(ctx context.Context, limit int) ([]LogEntry, error)
	GetDeviceLogs(ctx context.Context, deviceID string, limit int) ([]LogEntry, error)

	StoreSubscription(ctx context.Context, sub Subscription) error
	RemoveSubscription(ctx context.Context, clientID, topic string) error
	RemoveClientSubscriptions(ctx context.Context, clientID string) error
	GetActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	GetTopicSubscribers(ctx context.Context, topic string) ([]string, error)
	GetClientSubscriptions(ctx context.Context, clientID string) ([]string, error)

	RecordTopicMessage(ctx context.Context, topic string, at time.Time) error
	GetTopics(ctx context.Context) ([]TopicStat, error)

	DeviceCount(ctx context.Context) (int64, error)
	AlertCount(ctx context.Context) (int64, error)
	LogCount(ctx context.Context) (int64, error)
	CleanAll(ctx context.Context) error

	Ping(ctx context.Context) error
	Connected() bool
	Degraded() bool
}

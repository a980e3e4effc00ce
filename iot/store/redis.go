package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/alert"
	"github.com/relabs-tech/telemetry/iot/payload"
	"github.com/relabs-tech/telemetry/iot/topic"
)

// retention
const (
	deviceTTL       = 7 * 24 * time.Hour
	sensorTTL       = 30 * 24 * time.Hour
	alertTTL        = 7 * 24 * time.Hour
	logTTL          = 30 * 24 * time.Hour
	subscriptionTTL = 7 * 24 * time.Hour
	topicTTL        = 7 * 24 * time.Hour

	maxTimeseries = 1000
	maxAlerts     = 50
	maxGlobalLogs = 10000
	maxDeviceLogs = 1000

	defaultLimit = 100
)

// index keys
const (
	devicesIndex       = "devices:index"
	topicsIndex        = "topics:index"
	globalLogs         = "logs:global"
	globalSubscription = "subscriptions:global"
)

func deviceKey(id string) string             { return "device:" + id }
func sensorKey(id string) string             { return "sensor_data:" + id }
func timeseriesKey(id string) string         { return "sensor_timeseries:" + id }
func alertsKey(id string) string             { return "alerts:" + id }
func deviceLogsKey(id string) string         { return "logs:device:" + id }
func subscriptionKey(c, t string) string     { return "sub:" + c + ":" + t }
func clientSubscriptionsKey(c string) string { return "client:" + c + ":subscriptions" }
func topicSubscribersKey(t string) string    { return "topic:" + t + ":subscribers" }
func topicKey(t string) string               { return "topic:" + t }

// RedisConfig configures the Redis store and its reconnect policy
type RedisConfig struct {
	URL string
	// MaxRetries is the number of reconnect attempts before the store degrades
	MaxRetries int
	// InitialInterval and MaxInterval bound the exponential reconnect backoff
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MonitorInterval is the period of the connectivity check
	MonitorInterval time.Duration
}

func (c *RedisConfig) setDefaults() {
	if c.URL == "" {
		c.URL = "redis://localhost:6379"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 3 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
}

// Redis is the Redis implementation of Store
type Redis struct {
	client    *redis.Client
	config    RedisConfig
	connected atomic.Bool
	degraded  atomic.Bool
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis store. The store is not connected before Connect() succeeded.
func NewRedis(config RedisConfig) (*Redis, error) {
	config.setDefaults()
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opt), config: config}, nil
}

func (r *Redis) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.config.MaxRetries)), ctx)
}

// Connect pings the server with capped exponential backoff. When all
// attempts fail, the store is degraded for good and ErrUnavailable is returned.
func (r *Redis) Connect(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := r.client.Ping(ctx).Err()
		if err != nil {
			rlog.WithError(err).Warnf("redis: ping attempt %d failed", attempt)
		}
		return err
	}, r.backOff(ctx))
	if err != nil {
		r.connected.Store(false)
		if ctx.Err() == nil {
			r.degraded.Store(true)
			rlog.WithError(err).Errorf("redis: too many reconnection attempts, store is degraded")
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.connected.Store(true)
	rlog.Infoln("redis: connected")
	return nil
}

// Monitor checks connectivity every MonitorInterval and reconnects after a
// failed ping. It returns when ctx is done or the store degraded.
func (r *Redis) Monitor(ctx context.Context) {
	rlog := logger.FromContext(ctx)
	ticker := time.NewTicker(r.config.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if r.degraded.Load() {
			return
		}
		err := r.client.Ping(ctx).Err()
		if err == nil {
			r.connected.Store(true)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		rlog.WithError(err).Warnln("redis: connection lost")
		r.connected.Store(false)
		if err := r.Connect(ctx); err != nil && r.degraded.Load() {
			return
		}
	}
}

// Close closes the client
func (r *Redis) Close() error {
	r.connected.Store(false)
	return r.client.Close()
}

// Connected returns true while the store accepts operations
func (r *Redis) Connected() bool {
	return r.connected.Load() && !r.degraded.Load()
}

// Degraded returns true after reconnect attempts were exhausted
func (r *Redis) Degraded() bool {
	return r.degraded.Load()
}

func (r *Redis) check() error {
	if !r.Connected() {
		return ErrUnavailable
	}
	return nil
}

// Ping checks the server
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func limitOrDefault(limit int) int64 {
	if limit <= 0 {
		return defaultLimit
	}
	return int64(limit)
}

// StoreDevice creates or replaces the device record and adds it to the device index
func (r *Redis) StoreDevice(ctx context.Context, device Device) error {
	if err := r.check(); err != nil {
		return err
	}
	if device.DeviceID == "" {
		return errors.New("device has no deviceId")
	}
	capabilities := device.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("cannot marshal capabilities: %w", err)
	}
	fields := map[string]interface{}{
		"deviceId":       device.DeviceID,
		"deviceType":     orDefault(device.DeviceType, "unknown"),
		"location":       orDefault(device.Location, "unknown"),
		"firmware":       orDefault(device.Firmware, "unknown"),
		"capabilities":   string(caps),
		"status":         orDefault(device.Status, StatusOffline),
		"registeredAt":   formatTime(device.RegisteredAt),
		"lastSeen":       formatTime(device.LastSeen),
		"messageCount":   device.MessageCount,
		"uptime":         device.Uptime,
		"memory":         rawOrEmpty(device.Memory),
		"lastSensorData": rawOrEmpty(device.LastSensorData),
	}
	key := deviceKey(device.DeviceID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.SAdd(ctx, devicesIndex, device.DeviceID)
		pipe.Expire(ctx, key, deviceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot store device %s: %w", device.DeviceID, err)
	}
	return nil
}

// updateDevice applies a partial update to a device record. The device is
// added to the index, so that devices first seen through an update are
// visible in the catalog.
func (r *Redis) updateDevice(ctx context.Context, deviceID string, fn func(pipe redis.Pipeliner, key string)) error {
	if err := r.check(); err != nil {
		return err
	}
	key := deviceKey(deviceID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(pipe, key)
		pipe.HSetNX(ctx, key, "deviceId", deviceID)
		pipe.SAdd(ctx, devicesIndex, deviceID)
		pipe.Expire(ctx, key, deviceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot update device %s: %w", deviceID, err)
	}
	return nil
}

// UpdateDeviceStatus sets status and lastSeen of a device
func (r *Redis) UpdateDeviceStatus(ctx context.Context, deviceID, status string, lastSeen time.Time) error {
	return r.updateDevice(ctx, deviceID, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key, "status", status, "lastSeen", formatTime(lastSeen))
	})
}

// UpdateHeartbeat applies a heartbeat. The message count is left untouched.
func (r *Redis) UpdateHeartbeat(ctx context.Context, deviceID string, heartbeat Heartbeat) error {
	return r.updateDevice(ctx, deviceID, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key,
			"status", orDefault(heartbeat.Status, StatusOnline),
			"lastSeen", formatTime(heartbeat.LastSeen),
			"uptime", heartbeat.Uptime,
			"memory", rawOrEmpty(heartbeat.Memory),
		)
	})
}

// IncrementDeviceMessageCount atomically increments the message counter of a device
func (r *Redis) IncrementDeviceMessageCount(ctx context.Context, deviceID string) error {
	return r.updateDevice(ctx, deviceID, func(pipe redis.Pipeliner, key string) {
		pipe.HIncrBy(ctx, key, "messageCount", 1)
	})
}

// UpdateLastSensorData stores the most recent sensor payload with the device
func (r *Redis) UpdateLastSensorData(ctx context.Context, deviceID string, data json.RawMessage) error {
	return r.updateDevice(ctx, deviceID, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key, "lastSensorData", rawOrEmpty(data))
	})
}

// UpdateDeviceConfig stores a configuration document with the device
func (r *Redis) UpdateDeviceConfig(ctx context.Context, deviceID string, config json.RawMessage) error {
	if err := r.check(); err != nil {
		return err
	}
	exists, err := r.client.Exists(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		return fmt.Errorf("cannot update config of device %s: %w", deviceID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return r.updateDevice(ctx, deviceID, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key, "config", rawOrEmpty(config), "configUpdatedAt", formatTime(time.Now()))
	})
}

func parseDevice(deviceID string, m map[string]string) *Device {
	d := &Device{
		DeviceID:       orDefault(m["deviceId"], deviceID),
		DeviceType:     orDefault(m["deviceType"], "unknown"),
		Location:       orDefault(m["location"], "unknown"),
		Firmware:       orDefault(m["firmware"], "unknown"),
		Capabilities:   []string{},
		Status:         orDefault(m["status"], StatusOffline),
		RegisteredAt:   parseTime(m["registeredAt"]),
		LastSeen:       parseTime(m["lastSeen"]),
		Memory:         json.RawMessage(orDefault(m["memory"], "{}")),
		LastSensorData: json.RawMessage(orDefault(m["lastSensorData"], "{}")),
	}
	if s := m["capabilities"]; s != "" {
		var caps []string
		if err := json.Unmarshal([]byte(s), &caps); err == nil && caps != nil {
			d.Capabilities = caps
		}
	}
	d.MessageCount, _ = strconv.ParseInt(m["messageCount"], 10, 64)
	d.Uptime, _ = strconv.ParseFloat(m["uptime"], 64)
	if s := m["config"]; s != "" {
		d.Config = json.RawMessage(s)
	}
	if s := m["configUpdatedAt"]; s != "" {
		t := parseTime(s)
		d.ConfigUpdatedAt = &t
	}
	return d
}

// GetDevice returns the device record, or ErrNotFound
func (r *Redis) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	m, err := r.client.HGetAll(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get device %s: %w", deviceID, err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return parseDevice(deviceID, m), nil
}

// GetAllDevices returns all devices of the index ordered by device ID. Expired devices are skipped.
func (r *Redis) GetAllDevices(ctx context.Context) ([]Device, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, devicesIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get device index: %w", err)
	}
	sort.Strings(ids)
	devices := []Device{}
	for _, id := range ids {
		d, err := r.GetDevice(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, nil
}

// DeleteDevice removes the device with its sensor data, alerts and logs
func (r *Redis) DeleteDevice(ctx context.Context, deviceID string) error {
	if err := r.check(); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			deviceKey(deviceID),
			sensorKey(deviceID),
			timeseriesKey(deviceID),
			alertsKey(deviceID),
			deviceLogsKey(deviceID),
		)
		pipe.SRem(ctx, devicesIndex, deviceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot delete device %s: %w", deviceID, err)
	}
	return nil
}

// timeseriesEntry is a member of the sorted time series. The ID keeps equal
// readings of the same millisecond apart.
type timeseriesEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// StoreSensorData stores the reading as latest value of the device and appends
// it to the device's time series, which is trimmed to the most recent entries.
func (r *Redis) StoreSensorData(ctx context.Context, reading SensorReading) error {
	if err := r.check(); err != nil {
		return err
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now()
	}
	data := json.RawMessage(rawOrEmpty(reading.Data))
	member, err := json.Marshal(timeseriesEntry{ID: uuid.New().String(), Timestamp: reading.Timestamp.UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("cannot marshal sensor data: %w", err)
	}
	latest, series := sensorKey(reading.DeviceID), timeseriesKey(reading.DeviceID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, latest, "timestamp", formatTime(reading.Timestamp), "data", string(data))
		pipe.ZAdd(ctx, series, redis.Z{Score: float64(reading.Timestamp.UnixMilli()), Member: string(member)})
		pipe.ZRemRangeByRank(ctx, series, 0, -(maxTimeseries + 1))
		pipe.Expire(ctx, latest, sensorTTL)
		pipe.Expire(ctx, series, sensorTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot store sensor data of %s: %w", reading.DeviceID, err)
	}
	return nil
}

func newReading(deviceID string, timestamp time.Time, data json.RawMessage) SensorReading {
	reading := SensorReading{DeviceID: deviceID, Timestamp: timestamp, Data: data}
	if sensorData := payload.ParseSensorData(data); sensorData != nil {
		reading.Sensors = sensorData.Sensors
	}
	return reading
}

// GetLatestSensorData returns the latest reading of the device, or ErrNotFound
func (r *Redis) GetLatestSensorData(ctx context.Context, deviceID string) (*SensorReading, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	m, err := r.client.HGetAll(ctx, sensorKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get sensor data of %s: %w", deviceID, err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	reading := newReading(deviceID, parseTime(m["timestamp"]), json.RawMessage(orDefault(m["data"], "{}")))
	return &reading, nil
}

// GetSensorDataHistory returns up to limit readings of the device, newest first
func (r *Redis) GetSensorDataHistory(ctx context.Context, deviceID string, limit int) ([]SensorReading, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	members, err := r.client.ZRevRange(ctx, timeseriesKey(deviceID), 0, limitOrDefault(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get sensor history of %s: %w", deviceID, err)
	}
	readings := make([]SensorReading, 0, len(members))
	for _, member := range members {
		var entry timeseriesEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		readings = append(readings, newReading(deviceID, entry.Timestamp, entry.Data))
	}
	return readings, nil
}

// StoreAlert stores the alert and prepends it to the device's alert list
func (r *Redis) StoreAlert(ctx context.Context, a alert.Alert) error {
	if err := r.check(); err != nil {
		return err
	}
	id := "alert:" + uuid.New().String()
	list := alertsKey(a.DeviceID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, id,
			"deviceId", a.DeviceID,
			"type", a.Type,
			"message", a.Message,
			"value", a.Value,
			"threshold", a.Threshold,
			"timestamp", formatTime(a.Timestamp),
		)
		pipe.LPush(ctx, list, id)
		pipe.LTrim(ctx, list, 0, maxAlerts-1)
		pipe.Expire(ctx, id, alertTTL)
		pipe.Expire(ctx, list, alertTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot store alert of %s: %w", a.DeviceID, err)
	}
	return nil
}

func (r *Redis) alerts(ctx context.Context, list string, limit int64) ([]alert.Alert, error) {
	ids, err := r.client.LRange(ctx, list, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", list, err)
	}
	alerts := []alert.Alert{}
	for _, id := range ids {
		m, err := r.client.HGetAll(ctx, id).Result()
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", id, err)
		}
		if len(m) == 0 {
			continue
		}
		a := alert.Alert{
			DeviceID:  m["deviceId"],
			Type:      m["type"],
			Message:   m["message"],
			Timestamp: parseTime(m["timestamp"]),
		}
		a.Value, _ = strconv.ParseFloat(m["value"], 64)
		a.Threshold, _ = strconv.ParseFloat(m["threshold"], 64)
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// GetDeviceAlerts returns up to limit alerts of the device, newest first
func (r *Redis) GetDeviceAlerts(ctx context.Context, deviceID string, limit int) ([]alert.Alert, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.alerts(ctx, alertsKey(deviceID), limitOrDefault(limit))
}

// GetAllAlerts merges the alert lists of all devices and returns the newest limit alerts
func (r *Redis) GetAllAlerts(ctx context.Context, limit int) ([]alert.Alert, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	n := limitOrDefault(limit)
	lists, err := r.scan(ctx, "alerts:*")
	if err != nil {
		return nil, err
	}
	all := []alert.Alert{}
	for _, list := range lists {
		alerts, err := r.alerts(ctx, list, n)
		if err != nil {
			return nil, err
		}
		all = append(all, alerts...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if int64(len(all)) > n {
		all = all[:n]
	}
	return all, nil
}

// StoreLog stores a log entry in the global log and, if the entry has a device, in the device log
func (r *Redis) StoreLog(ctx context.Context, entry LogEntry) error {
	if err := r.check(); err != nil {
		return err
	}
	id := entry.ID
	if id == "" {
		id = "log:" + uuid.New().String()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, id,
			"deviceId", entry.DeviceID,
			"level", orDefault(entry.Level, LevelInfo),
			"message", entry.Message,
			"timestamp", formatTime(entry.Timestamp),
			"topic", entry.Topic,
			"data", rawOrEmpty(entry.Data),
		)
		pipe.LPush(ctx, globalLogs, id)
		if entry.DeviceID != "" {
			pipe.LPush(ctx, deviceLogsKey(entry.DeviceID), id)
			pipe.LTrim(ctx, deviceLogsKey(entry.DeviceID), 0, maxDeviceLogs-1)
		}
		pipe.LTrim(ctx, globalLogs, 0, maxGlobalLogs-1)
		pipe.Expire(ctx, id, logTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot store log: %w", err)
	}
	return nil
}

func (r *Redis) logs(ctx context.Context, list string, limit int64) ([]LogEntry, error) {
	ids, err := r.client.LRange(ctx, list, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", list, err)
	}
	logs := []LogEntry{}
	for _, id := range ids {
		m, err := r.client.HGetAll(ctx, id).Result()
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", id, err)
		}
		if len(m) == 0 {
			continue
		}
		logs = append(logs, LogEntry{
			ID:        id,
			DeviceID:  m["deviceId"],
			Level:     m["level"],
			Message:   m["message"],
			Topic:     m["topic"],
			Data:      json.RawMessage(orDefault(m["data"], "{}")),
			Timestamp: parseTime(m["timestamp"]),
		})
	}
	return logs, nil
}

// GetAllLogs returns up to limit entries of the global log, newest first
func (r *Redis) GetAllLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.logs(ctx, globalLogs, limitOrDefault(limit))
}

// GetDeviceLogs returns up to limit log entries of the device, newest first
func (r *Redis) GetDeviceLogs(ctx context.Context, deviceID string, limit int) ([]LogEntry, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.logs(ctx, deviceLogsKey(deviceID), limitOrDefault(limit))
}

// StoreSubscription stores a subscription. A re-subscription overwrites the previous one.
func (r *Redis) StoreSubscription(ctx context.Context, sub Subscription) error {
	if err := r.check(); err != nil {
		return err
	}
	id := subscriptionKey(sub.ClientID, sub.Topic)
	now := formatTime(sub.SubscribedAt)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, id,
			"clientId", sub.ClientID,
			"topic", sub.Topic,
			"qos", sub.QoS,
			"subscribedAt", now,
			"lastActivity", now,
		)
		pipe.SAdd(ctx, clientSubscriptionsKey(sub.ClientID), sub.Topic)
		pipe.SAdd(ctx, topicSubscribersKey(sub.Topic), sub.ClientID)
		pipe.SAdd(ctx, globalSubscription, id)
		pipe.Expire(ctx, id, subscriptionTTL)
		pipe.Expire(ctx, clientSubscriptionsKey(sub.ClientID), subscriptionTTL)
		pipe.Expire(ctx, topicSubscribersKey(sub.Topic), subscriptionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot store subscription of %s to %s: %w", sub.ClientID, sub.Topic, err)
	}
	return nil
}

// RemoveSubscription removes the client's subscription of a topic
func (r *Redis) RemoveSubscription(ctx context.Context, clientID, topic string) error {
	if err := r.check(); err != nil {
		return err
	}
	id := subscriptionKey(clientID, topic)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, id)
		pipe.SRem(ctx, clientSubscriptionsKey(clientID), topic)
		pipe.SRem(ctx, topicSubscribersKey(topic), clientID)
		pipe.SRem(ctx, globalSubscription, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot remove subscription of %s to %s: %w", clientID, topic, err)
	}
	return nil
}

// RemoveClientSubscriptions removes all subscriptions of a client
func (r *Redis) RemoveClientSubscriptions(ctx context.Context, clientID string) error {
	topics, err := r.GetClientSubscriptions(ctx, clientID)
	if err != nil {
		return err
	}
	for _, t := range topics {
		if err := r.RemoveSubscription(ctx, clientID, t); err != nil {
			return err
		}
	}
	if err := r.client.Del(ctx, clientSubscriptionsKey(clientID)).Err(); err != nil {
		return fmt.Errorf("cannot remove subscriptions of %s: %w", clientID, err)
	}
	return nil
}

// GetActiveSubscriptions returns all subscriptions which have not expired
func (r *Redis) GetActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, globalSubscription).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get subscriptions: %w", err)
	}
	sort.Strings(ids)
	subs := []Subscription{}
	for _, id := range ids {
		m, err := r.client.HGetAll(ctx, id).Result()
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", id, err)
		}
		if len(m) == 0 {
			continue
		}
		qos, _ := strconv.Atoi(m["qos"])
		subs = append(subs, Subscription{
			ClientID:     m["clientId"],
			Topic:        m["topic"],
			QoS:          qos,
			SubscribedAt: parseTime(m["subscribedAt"]),
		})
	}
	return subs, nil
}

func (r *Redis) members(ctx context.Context, key string) ([]string, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}

// GetTopicSubscribers returns the client IDs subscribed to a topic
func (r *Redis) GetTopicSubscribers(ctx context.Context, topic string) ([]string, error) {
	return r.members(ctx, topicSubscribersKey(topic))
}

// GetClientSubscriptions returns the topics a client is subscribed to
func (r *Redis) GetClientSubscriptions(ctx context.Context, clientID string) ([]string, error) {
	return r.members(ctx, clientSubscriptionsKey(clientID))
}

// RecordTopicMessage counts a message published to a topic
func (r *Redis) RecordTopicMessage(ctx context.Context, topic string, at time.Time) error {
	if err := r.check(); err != nil {
		return err
	}
	key := topicKey(topic)
	now := formatTime(at)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "messageCount", 1)
		pipe.HSet(ctx, key, "name", topic, "lastMessage", now, "lastUpdated", now)
		pipe.SAdd(ctx, topicsIndex, topic)
		pipe.Expire(ctx, key, topicTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot record message on %s: %w", topic, err)
	}
	return nil
}

// GetTopics returns statistics of all published and all subscribed topics, ordered by topic
func (r *Redis) GetTopics(ctx context.Context) ([]TopicStat, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	names, err := r.client.SMembers(ctx, topicsIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get topic index: %w", err)
	}
	subs, err := r.GetActiveSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, n := range names {
		seen[n] = true
	}
	for _, s := range subs {
		if !seen[s.Topic] {
			seen[s.Topic] = true
			names = append(names, s.Topic)
		}
	}
	sort.Strings(names)

	stats := []TopicStat{}
	for _, name := range names {
		m, err := r.client.HGetAll(ctx, topicKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("cannot read topic %s: %w", name, err)
		}
		subscribers, err := r.client.SCard(ctx, topicSubscribersKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("cannot read subscribers of %s: %w", name, err)
		}
		if len(m) == 0 && subscribers == 0 {
			continue
		}
		stat := TopicStat{Topic: name, Type: topic.Type(name), Subscribers: subscribers}
		stat.MessageCount, _ = strconv.ParseInt(m["messageCount"], 10, 64)
		if s := m["lastMessage"]; s != "" {
			t := parseTime(s)
			stat.LastMessage = &t
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// DeviceCount returns the number of devices in the index
func (r *Redis) DeviceCount(ctx context.Context) (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	return r.client.SCard(ctx, devicesIndex).Result()
}

// AlertCount returns the number of alerts in all device alert lists
func (r *Redis) AlertCount(ctx context.Context) (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	lists, err := r.scan(ctx, "alerts:*")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, list := range lists {
		n, err := r.client.LLen(ctx, list).Result()
		if err != nil {
			return 0, fmt.Errorf("cannot read %s: %w", list, err)
		}
		total += n
	}
	return total, nil
}

// LogCount returns the length of the global log
func (r *Redis) LogCount(ctx context.Context) (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	return r.client.LLen(ctx, globalLogs).Result()
}

// gatewayKeys are the patterns of all keys written by the store
var gatewayKeys = []string{
	"device:*", "sensor_data:*", "sensor_timeseries:*",
	"alert:*", "alerts:*", "log:*", "logs:*",
	"sub:*", "client:*", "topic:*",
}

// CleanAll deletes all data written by the store
func (r *Redis) CleanAll(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	rlog := logger.FromContext(ctx)
	keys := []string{devicesIndex, topicsIndex, globalSubscription}
	for _, pattern := range gatewayKeys {
		found, err := r.scan(ctx, pattern)
		if err != nil {
			return err
		}
		keys = append(keys, found...)
	}
	const batch = 500
	for start := 0; start < len(keys); start += batch {
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("cannot delete keys: %w", err)
		}
	}
	rlog.Infof("redis: cleaned %d keys", len(keys))
	return nil
}

func (r *Redis) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", pattern, err)
	}
	sort.Strings(keys)
	return keys, nil
}

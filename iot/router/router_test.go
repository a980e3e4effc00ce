package router_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/telemetry/iot/fanout"
	"github.com/relabs-tech/telemetry/iot/pipeline"
	"github.com/relabs-tech/telemetry/iot/registry"
	"github.com/relabs-tech/telemetry/iot/router"
	"github.com/relabs-tech/telemetry/iot/store"
)

type envelope struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"deviceId"`
	Data     json.RawMessage `json:"data"`
}

// recorder is a fan-out subscriber which records all envelopes
type recorder struct {
	mu        sync.Mutex
	envelopes []envelope
}

func (r *recorder) Send(message []byte) error {
	var e envelope
	if err := json.Unmarshal(message, &e); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, e)
	return nil
}

func (r *recorder) IsOpen() bool { return true }
func (r *recorder) Close() error { return nil }

func (r *recorder) ofType(t string) []envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []envelope
	for _, e := range r.envelopes {
		if e.Type == t {
			result = append(result, e)
		}
	}
	return result
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	router   *router.Router
	store    *store.Redis
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	recorder *recorder
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := miniredis.RunT(t)
	s, err := store.NewRedis(store.RedisConfig{URL: "redis://" + m.Addr()})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return newFixtureWithStore(t, s)
}

func newFixtureWithStore(t *testing.T, s *store.Redis) *fixture {
	f := &fixture{
		store:    s,
		registry: registry.New(),
		pipeline: pipeline.New(4, 10000),
		recorder: &recorder{},
		clock:    &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	t.Cleanup(f.pipeline.Close)
	hub := fanout.NewHub()
	hub.Add(f.recorder)
	f.router = router.New(&router.Builder{
		Registry: f.registry,
		Store:    s,
		Pipeline: f.pipeline,
		Hub:      hub,
		Now:      f.clock.Now,
	})
	return f
}

func (f *fixture) publish(clientID, topic, body string) {
	f.router.Handle(context.Background(), router.Event{
		Type:     router.MessagePublished,
		ClientID: clientID,
		Topic:    topic,
		Payload:  []byte(body),
	})
}

func (f *fixture) connect(clientID string) {
	f.router.Handle(context.Background(), router.Event{Type: router.ClientConnected, ClientID: clientID})
}

func (f *fixture) disconnect(clientID string) {
	f.router.Handle(context.Background(), router.Event{Type: router.ClientDisconnected, ClientID: clientID})
}

func TestSensorDataScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.connect("iot-d1")
	f.publish("iot-d1", "iot/sensor/data/d1", `{"deviceId":"d1","sensors":{"temperature":{"value":"35.5"}}}`)
	f.router.Flush()

	history, err := f.store.GetSensorDataHistory(ctx, "d1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "35.5", history[0].Sensors["temperature"].Value)

	alerts, err := f.store.GetDeviceAlerts(ctx, "d1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "temperature_high", alerts[0].Type)
	assert.Equal(t, 35.5, alerts[0].Value)
	assert.Equal(t, 30.0, alerts[0].Threshold)

	sensorData := f.recorder.ofType(fanout.TypeSensorData)
	require.Len(t, sensorData, 1)
	assert.Equal(t, "d1", sensorData[0].DeviceID)
	var compact map[string]interface{}
	require.NoError(t, json.Unmarshal(sensorData[0].Data, &compact))
	assert.Equal(t, 35.5, compact["temperature"])
	assert.Equal(t, "d1", compact["deviceId"])
	assert.NotContains(t, compact, "humidity")

	assert.Len(t, f.recorder.ofType(fanout.TypeAlert), 1)

	// the device record carries the latest sensor payload
	device, err := f.store.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"deviceId":"d1","sensors":{"temperature":{"value":"35.5"}}}`, string(device.LastSensorData))

	recent := f.registry.Recent("d1", 0)
	require.Len(t, recent, 1)
	assert.Equal(t, "iot/sensor/data/d1", recent[0].Topic)
}

func TestSensorDataWithoutDeviceInPayloadUsesTopic(t *testing.T) {
	f := newFixture(t)
	f.publish("iot-x", "iot/sensor/data/d5", `{"temperature":21,"humidity":"55"}`)
	f.router.Flush()

	latest, err := f.store.GetLatestSensorData(context.Background(), "d5")
	require.NoError(t, err)
	assert.JSONEq(t, `{"temperature":21,"humidity":"55"}`, string(latest.Data))

	sensorData := f.recorder.ofType(fanout.TypeSensorData)
	require.Len(t, sensorData, 1)
	assert.JSONEq(t, `{"deviceId":"d5","temperature":21,"humidity":55,"timestamp":1709294400000}`, string(sensorData[0].Data))
	assert.Empty(t, f.recorder.ofType(fanout.TypeAlert))
}

func TestMessageCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	devices := []string{"iot-a", "iot-b", "iot-c"}
	for _, d := range devices {
		f.connect(d)
	}
	f.router.Flush()

	const n = 40
	var wg sync.WaitGroup
	for _, d := range devices {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(d string, i int) {
				defer wg.Done()
				f.publish(d, "iot/device/"+d+"/response", fmt.Sprintf(`{"seq":%d}`, i))
			}(d, i)
		}
	}
	wg.Wait()
	f.router.Flush()

	for _, d := range devices {
		s, ok := f.registry.Get(d)
		require.True(t, ok)
		assert.Equal(t, int64(n), s.MessageCount, d)

		device, err := f.store.GetDevice(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, int64(n), device.MessageCount, d)
		assert.Equal(t, store.StatusOnline, device.Status)
	}

	topics, err := f.store.GetTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 3)
	assert.Equal(t, int64(n), topics[0].MessageCount)
}

func TestDisconnectOfUnknownClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.disconnect("ghost")
	f.router.Flush()

	assert.Equal(t, 0, f.registry.Len())
	_, err := f.store.GetDevice(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	logs, err := f.store.GetAllLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Client disconnected: ghost", logs[0].Message)
	assert.Equal(t, router.TopicDisconnection, logs[0].Topic)
	assert.Equal(t, "ghost", logs[0].DeviceID)
}

func TestConnectAndDisconnectDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.connect("iot-d1")
	f.router.Handle(ctx, router.Event{
		Type:          router.Subscribed,
		ClientID:      "iot-d1",
		Subscriptions: []router.Subscription{{Topic: "iot/device/iot-d1/command", QoS: 1}, {Topic: "news", QoS: 0}},
	})
	f.router.Flush()

	device, err := f.store.GetDevice(ctx, "iot-d1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, device.Status)
	subs, err := f.store.GetClientSubscriptions(ctx, "iot-d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"iot/device/iot-d1/command", "news"}, subs)

	f.clock.Advance(time.Minute)
	f.disconnect("iot-d1")
	f.router.Flush()

	assert.Equal(t, 0, f.registry.Len())
	device, err = f.store.GetDevice(ctx, "iot-d1")
	require.NoError(t, err, "the catalog keeps disconnected devices")
	assert.Equal(t, store.StatusOffline, device.Status)
	assert.True(t, f.clock.Now().Equal(device.LastSeen))

	subs, err = f.store.GetClientSubscriptions(ctx, "iot-d1")
	require.NoError(t, err)
	assert.Empty(t, subs)

	assert.Len(t, f.recorder.ofType(fanout.TypeClientConnected), 1)
	assert.Len(t, f.recorder.ofType(fanout.TypeClientDisconnected), 1)
}

func TestNonDeviceClientIsNotRegistered(t *testing.T) {
	f := newFixture(t)
	f.connect("dashboard")
	f.router.Flush()

	assert.Equal(t, 0, f.registry.Len())
	n, err := f.store.DeviceCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPublishWithoutClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish("", "iot/device/d1/command", `{"action":"reboot"}`)
	f.router.Flush()

	logs, err := f.store.GetAllLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.LevelWarn, logs[0].Level)
	assert.Equal(t, router.UnknownDevice, logs[0].DeviceID)
	assert.JSONEq(t, `{"payload":"{\"action\":\"reboot\"}"}`, string(logs[0].Data))

	topics, err := f.store.GetTopics(ctx)
	require.NoError(t, err)
	assert.Empty(t, topics)
	assert.Empty(t, f.registry.Recent("d1", 0))
}

func TestNonDeviceTopicIsOnlyLogged(t *testing.T) {
	f := newFixture(t)
	f.publish("someone", "home/kitchen", "on")
	f.router.Flush()

	n, err := f.store.LogCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRegistrationStatusAndHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish("gateway-1", "iot/device/register", `{"deviceId":"d7","deviceType":"thermo","location":"lab","firmware":"2.0","capabilities":["temperature"]}`)
	f.router.Flush()

	device, err := f.store.GetDevice(ctx, "d7")
	require.NoError(t, err)
	assert.Equal(t, "thermo", device.DeviceType)
	assert.Equal(t, "lab", device.Location)
	assert.Equal(t, []string{"temperature"}, device.Capabilities)
	assert.Equal(t, store.StatusOnline, device.Status)

	// messages on the exact topics are attributed to the payload's device
	assert.Len(t, f.registry.Recent("d7", 0), 1)
	logs, err := f.store.GetDeviceLogs(ctx, "d7", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	require.NoError(t, f.store.IncrementDeviceMessageCount(ctx, "d7"))
	f.publish("gateway-1", "iot/device/heartbeat", `{"deviceId":"d7","uptime":3600,"memory":{"free":100}}`)
	f.router.Flush()
	device, err = f.store.GetDevice(ctx, "d7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), device.MessageCount, "heartbeats keep the message count")
	assert.Equal(t, 3600.0, device.Uptime)
	assert.Equal(t, "thermo", device.DeviceType)

	f.publish("gateway-1", "iot/device/status", `{"deviceId":"d7","status":"offline"}`)
	f.router.Flush()
	device, err = f.store.GetDevice(ctx, "d7")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOffline, device.Status)
}

func TestMalformedPayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish("iot-d1", "iot/sensor/data/d1", `not json`)
	f.publish("iot-d1", "iot/device/register", `{"deviceType":"no id"}`)
	f.router.Flush()

	_, err := f.store.GetLatestSensorData(ctx, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	recent := f.registry.Recent("d1", 0)
	require.Len(t, recent, 1)
	assert.Equal(t, `"not json"`, string(recent[0].Data))

	n, err := f.store.DeviceCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSensorControlResponseIsNotSensorData(t *testing.T) {
	f := newFixture(t)
	f.publish("iot-d1", "iot/sensor/data/d1/response", `{"deviceId":"d1","sensors":{"temperature":{"value":99}}}`)
	f.publish("iot-d1", "iot/sensor/ctl/d1", `{"command":"calibrate"}`)
	f.router.Flush()

	_, err := f.store.GetLatestSensorData(context.Background(), "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.recorder.ofType(fanout.TypeAlert))
	assert.Len(t, f.registry.Recent("d1", 0), 2)
}

func TestGenericSensorTopic(t *testing.T) {
	f := newFixture(t)
	f.publish("iot-d1", "iot/sensor/room/d3", `{"humidity":{"value":10}}`)
	f.publish("iot-d1", "iot/sensor/room/d3", `{"deviceId":"d3","sensors":{"humidity":{"value":10}}}`)
	f.router.Flush()

	alerts, err := f.store.GetDeviceAlerts(context.Background(), "d3", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "humidity_low", alerts[0].Type)
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, router.Event{Type: router.Subscribed, ClientID: "c1", Subscriptions: []router.Subscription{{Topic: "a"}, {Topic: "b"}}})
	f.router.Handle(ctx, router.Event{Type: router.Unsubscribed, ClientID: "c1", Topics: []string{"a"}})
	f.router.Flush()

	subs, err := f.store.GetClientSubscriptions(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, subs)
}

func TestBrokerError(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(context.Background(), router.Event{Type: router.BrokerError, Err: errors.New("listener closed")})
	f.router.Flush()

	logs, err := f.store.GetDeviceLogs(context.Background(), router.BrokerDevice, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.LevelError, logs[0].Level)
	assert.Equal(t, router.TopicError, logs[0].Topic)
	assert.Equal(t, "Broker error: listener closed", logs[0].Message)
}

func TestSweepMarksSilentDevicesOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.connect("iot-quiet")
	f.connect("iot-busy")
	f.clock.Advance(4 * time.Minute)
	f.publish("iot-busy", "iot/device/iot-busy/response", `{}`)
	f.clock.Advance(2 * time.Minute)
	f.router.Flush()

	expired := f.router.Sweep(ctx, 5*time.Minute)
	assert.Equal(t, []string{"iot-quiet"}, expired)
	f.router.Flush()

	device, err := f.store.GetDevice(ctx, "iot-quiet")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOffline, device.Status)
	device, err = f.store.GetDevice(ctx, "iot-busy")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, device.Status)

	s, ok := f.registry.Get("iot-quiet")
	require.True(t, ok)
	assert.False(t, s.Online)

	assert.Empty(t, f.router.Sweep(ctx, 0))
}

func TestStoreUnavailable(t *testing.T) {
	s, err := store.NewRedis(store.RedisConfig{URL: "redis://localhost:1"})
	require.NoError(t, err)
	defer s.Close()
	f := newFixtureWithStore(t, s)

	f.connect("iot-d1")
	f.publish("iot-d1", "iot/sensor/data/d1", `{"deviceId":"d1","sensors":{"temperature":{"value":40}}}`)
	f.disconnect("iot-d1")
	f.router.Flush()

	// live state and fan-out work without the store
	assert.Len(t, f.registry.Recent("d1", 0), 1)
	assert.Len(t, f.recorder.ofType(fanout.TypeAlert), 1)
	assert.Len(t, f.recorder.ofType(fanout.TypeSensorData), 1)
	assert.Equal(t, int64(0), f.pipeline.Failed())
}

func TestSensorEntriesAreEvaluatedIndependently(t *testing.T) {
	testCases := []struct {
		name     string
		deviceID string
		body     string
		alerts   []string
	}{
		{
			name:     "bare value next to a valid sensor",
			deviceID: "d1",
			body:     `{"deviceId":"d1","sensors":{"temperature":35.5,"humidity":{"value":90}}}`,
			alerts:   []string{"humidity_high"},
		},
		{
			name:     "null unit",
			deviceID: "d2",
			body:     `{"deviceId":"d2","sensors":{"temperature":{"value":35.5,"unit":null}}}`,
			alerts:   []string{"temperature_high"},
		},
		{
			name:     "numeric device ID",
			deviceID: "3",
			body:     `{"deviceId":3,"sensors":{"temperature":{"value":35.5,"status":1}}}`,
			alerts:   []string{"temperature_high"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			f.publish("iot-"+tc.deviceID, "iot/sensor/data/"+tc.deviceID, tc.body)
			f.router.Flush()

			history, err := f.store.GetSensorDataHistory(ctx, tc.deviceID, 10)
			require.NoError(t, err)
			assert.Len(t, history, 1)

			alerts, err := f.store.GetDeviceAlerts(ctx, tc.deviceID, 10)
			require.NoError(t, err)
			var types []string
			for _, a := range alerts {
				types = append(types, a.Type)
			}
			assert.Equal(t, tc.alerts, types)

			envelopes := f.recorder.ofType(fanout.TypeSensorData)
			require.Len(t, envelopes, 1)
			assert.Equal(t, tc.deviceID, envelopes[0].DeviceID)
		})
	}
}

func TestMistypedDeviceFieldsAreCoerced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish("gateway-1", "iot/device/register", `{"deviceId":"r1","deviceType":"thermo","firmware":1.2,"capabilities":["temperature",2]}`)
	f.publish("gateway-1", "iot/device/heartbeat", `{"deviceId":42,"uptime":"60","status":true}`)
	f.router.Flush()

	device, err := f.store.GetDevice(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "1.2", device.Firmware)
	assert.Equal(t, "thermo", device.DeviceType)
	assert.Equal(t, []string{"temperature", "2"}, device.Capabilities)

	device, err = f.store.GetDevice(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 60.0, device.Uptime)
	assert.Equal(t, store.StatusOnline, device.Status)
}

func TestHeartbeatOnlyRefreshesTheSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.connect("iot-a")
	f.connect("iot-b")
	f.clock.Advance(10 * time.Minute)
	assert.ElementsMatch(t, []string{"iot-a", "iot-b"}, f.router.Sweep(ctx, 5*time.Minute))
	silent, ok := f.registry.Get("iot-a")
	require.True(t, ok)

	f.publish("iot-b", "iot/device/heartbeat", `{"deviceId":"iot-a","uptime":1}`)
	f.router.Flush()

	s, ok := f.registry.Get("iot-a")
	require.True(t, ok)
	assert.False(t, s.Online)
	assert.True(t, silent.LastSeen.Equal(s.LastSeen))

	s, ok = f.registry.Get("iot-b")
	require.True(t, ok)
	assert.True(t, s.Online)
	assert.True(t, f.clock.Now().Equal(s.LastSeen))
}

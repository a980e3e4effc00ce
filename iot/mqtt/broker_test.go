package mqtt

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/telemetry/iot/pipeline"
	"github.com/relabs-tech/telemetry/iot/registry"
	"github.com/relabs-tech/telemetry/iot/router"
	"github.com/relabs-tech/telemetry/iot/store"
)

func hash(t *testing.T, password string) []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

func TestParseUsers(t *testing.T) {
	h1, h2 := hash(t, "one"), hash(t, "two")
	users, err := ParseUsers(" sensor:" + string(h1) + "; dashboard:" + string(h2) + ";")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"sensor": h1, "dashboard": h2}, users)

	users, err = ParseUsers("")
	require.NoError(t, err)
	assert.Empty(t, users)

	for _, invalid := range []string{"sensor", ":" + string(h1), "sensor:", "sensor:plaintext"} {
		_, err = ParseUsers(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestAuthenticate(t *testing.T) {
	p := &plugin{requireAuth: true, users: map[string][]byte{"sensor": hash(t, "secret")}}
	assert.True(t, p.authenticate("sensor", "secret"))
	assert.False(t, p.authenticate("sensor", "wrong"))
	assert.False(t, p.authenticate("nobody", "secret"))
	assert.False(t, p.authenticate("", ""))

	p = &plugin{}
	assert.True(t, p.authenticate("", ""))
}

func TestNewBrokerValidation(t *testing.T) {
	_, err := NewBroker(&Builder{})
	assert.Error(t, err)
	_, err = NewBroker(&Builder{Router: router.New(&router.Builder{}), RequireAuth: true})
	assert.Error(t, err)
}

// minimal MQTT 3.1.1 client packets, all with a remaining length below 128

func encodeString(s string) []byte {
	return append([]byte{byte(len(s) >> 8), byte(len(s))}, s...)
}

func packet(header byte, body []byte) []byte {
	return append([]byte{header, byte(len(body))}, body...)
}

func connectPacket(clientID, user, password string) []byte {
	flags := byte(0x02) // clean session
	if user != "" {
		flags |= 0x80 | 0x40
	}
	body := append(encodeString("MQTT"), 0x04, flags, 0x00, 0x3c)
	body = append(body, encodeString(clientID)...)
	if user != "" {
		body = append(body, encodeString(user)...)
		body = append(body, encodeString(password)...)
	}
	return packet(0x10, body)
}

func publishPacket(topic, payload string) []byte {
	return packet(0x30, append(encodeString(topic), payload...))
}

func subscribePacket(id byte, topic string) []byte {
	body := append([]byte{0x00, id}, encodeString(topic)...)
	return packet(0x82, append(body, 0x01))
}

func dialAndConnect(t *testing.T, addr, clientID, user, password string) (net.Conn, byte) {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	_, err = conn.Write(connectPacket(clientID, user, password))
	require.NoError(t, err)
	connack := make([]byte, 4)
	_, err = io.ReadFull(conn, connack)
	require.NoError(t, err)
	require.Equal(t, byte(0x20), connack[0])
	return conn, connack[3]
}

func TestBroker(t *testing.T) {
	m := miniredis.RunT(t)
	s, err := store.NewRedis(store.RedisConfig{URL: "redis://" + m.Addr()})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	reg := registry.New()
	p := pipeline.New(2, 1000)
	defer p.Close()
	r := router.New(&router.Builder{Registry: reg, Store: s, Pipeline: p})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b, err := NewBroker(&Builder{
		Router:      r,
		Listener:    ln,
		RequireAuth: true,
		Users:       map[string][]byte{"sensor": hash(t, "secret")},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	addr := b.Addr().String()

	_, code := dialAndConnect(t, addr, "iot-intruder", "sensor", "wrong")
	assert.Equal(t, byte(0x05), code, "not authorized")

	conn, code := dialAndConnect(t, addr, "iot-d1", "sensor", "secret")
	require.Equal(t, byte(0x00), code)
	assert.Eventually(t, func() bool {
		_, ok := reg.Get("iot-d1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	_, err = conn.Write(subscribePacket(1, "iot/device/iot-d1/command"))
	require.NoError(t, err)
	suback := make([]byte, 5)
	_, err = io.ReadFull(conn, suback)
	require.NoError(t, err)
	assert.Equal(t, byte(0x90), suback[0])

	_, err = conn.Write(publishPacket("iot/sensor/data/iot-d1", `{"sensors":{"temperature":{"value":31}}}`))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		session, ok := reg.Get("iot-d1")
		return ok && session.MessageCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	// commands published by the gateway reach the subscribed device
	assert.Eventually(t, func() bool {
		return b.Publish(ctx, "iot/device/iot-d1/command", []byte(`{"action":"reboot"}`), 0, false) == nil
	}, 5*time.Second, 10*time.Millisecond)
	header := make([]byte, 2)
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)
	assert.Equal(t, byte(0x30), header[0]&0xf0)
	body := make([]byte, header[1])
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `{"action":"reboot"}`)

	_, err = conn.Write([]byte{0xe0, 0x00})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := reg.Get("iot-d1")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	r.Flush()

	bg := context.Background()
	device, err := s.GetDevice(bg, "iot-d1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOffline, device.Status)

	alerts, err := s.GetDeviceAlerts(bg, "iot-d1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "temperature_high", alerts[0].Type)

	logs, err := s.GetDeviceLogs(bg, router.UnknownDevice, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.LevelWarn, logs[0].Level)

	subs, err := s.GetClientSubscriptions(bg, "iot-d1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPublishBeforeRun(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	b, err := NewBroker(&Builder{Router: router.New(&router.Builder{}), Listener: ln})
	require.NoError(t, err)
	assert.ErrorIs(t, b.Publish(context.Background(), "a", nil, 0, false), ErrNotRunning)
	assert.Error(t, b.Publish(context.Background(), "a", nil, 3, false))
}

package topic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/telemetry/iot/topic"
)

func TestExtractDeviceID(t *testing.T) {
	testCases := []struct {
		topic string
		id    string
		ok    bool
	}{
		{"iot/device/d1/command", "d1", true},
		{"iot/device/d1/response", "d1", true},
		{"iot/device/d1", "d1", true},
		{"iot/sensor/data/d1", "d1", true},
		{"iot/sensor/data/d1/response", "d1", true},
		{"iot/sensor/ctl/d1", "d1", true},
		{"iot/sensor/ctl/d1/extra/deep", "d1", true},
		{"iot/sensor/data", "", false},
		{"iot/actuator/control", "", false},
		{"iot/device", "", false},
		{"iot/device//command", "", false},
		{"iot", "", false},
		{"", "", false},
		{"/iot/device/d1", "", false},
		{"home/device/d1", "", false},
		{"iot/other/thing/d1", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.topic, func(t *testing.T) {
			id, ok := topic.ExtractDeviceID(tc.topic)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.id, id)
		})
	}
}

func TestIsDeviceTopic(t *testing.T) {
	assert.True(t, topic.IsDeviceTopic("iot/device/register"))
	assert.True(t, topic.IsDeviceTopic("iot/"))
	assert.False(t, topic.IsDeviceTopic("iot"))
	assert.False(t, topic.IsDeviceTopic("system/iot/x"))
	assert.False(t, topic.IsDeviceTopic(""))
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		topic string
		kind  topic.Kind
	}{
		{"iot/device/register", topic.KindRegister},
		{"iot/device/status", topic.KindStatus},
		{"iot/device/heartbeat", topic.KindHeartbeat},
		{"iot/sensor/data/d1", topic.KindSensorData},
		{"iot/sensor/data/d1/response", topic.KindSensorControlResponse},
		{"iot/sensor/ctl/d1", topic.KindSensorControl},
		{"iot/sensor/ctl/d1/response", topic.KindSensorControl},
		{"iot/room/sensor/data/response", topic.KindSensorControlResponse},
		{"iot/sensor/temperature", topic.KindSensor},
		{"iot/actuator/control", topic.KindActuator},
		{"iot/device/d1/command", topic.KindOther},
		{"iot/device/registered", topic.KindOther},
		{"home/sensor/data/d1", topic.KindNone},
	}
	for _, tc := range testCases {
		t.Run(tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.kind, topic.Classify(tc.topic))
		})
	}
}

func TestType(t *testing.T) {
	assert.Equal(t, "device", topic.Type("iot/device/status"))
	assert.Equal(t, "sensor", topic.Type("iot/sensor/data/d1"))
	assert.Equal(t, "actuator", topic.Type("iot/actuator/control"))
	assert.Equal(t, "system", topic.Type("system/connection"))
	assert.Equal(t, "general", topic.Type("chat/room"))
}

func TestIsDeviceClient(t *testing.T) {
	assert.True(t, topic.IsDeviceClient("iot-thermo-1"))
	assert.True(t, topic.IsDeviceClient("my-device-7"))
	assert.False(t, topic.IsDeviceClient("dashboard"))
	assert.False(t, topic.IsDeviceClient("x-iot-1"))
}

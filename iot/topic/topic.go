/*Package topic implements the MQTT topic grammar of the gateway.

All device traffic lives below the reserved namespace "iot/":

	iot/device/register
	iot/device/status
	iot/device/heartbeat
	iot/device/{device_id}/command
	iot/device/{device_id}/response
	iot/sensor/data/{device_id}
	iot/sensor/data/{device_id}/response
	iot/sensor/ctl/{device_id}
	iot/actuator/control

The functions in this package are pure and never fail. A topic which does
not follow the grammar simply has no device ID.
*/
package topic

import "strings"

// Prefix is the reserved namespace of all device topics
const Prefix = "iot/"

// well known topics
const (
	DeviceRegister   = "iot/device/register"
	DeviceStatus     = "iot/device/status"
	DeviceHeartbeat  = "iot/device/heartbeat"
	SensorData       = "iot/sensor/data"
	SensorControl    = "iot/sensor/ctl"
	ActuatorControl  = "iot/actuator/control"
	responseSuffix   = "/response"
	namespaceSegment = "iot"
)

// Kind is the routing category of a topic
type Kind string

// all topic kinds, see Classify()
const (
	KindNone                  Kind = ""
	KindRegister              Kind = "register"
	KindStatus                Kind = "status"
	KindHeartbeat             Kind = "heartbeat"
	KindSensorData            Kind = "sensor_data"
	KindSensorControl         Kind = "sensor_control"
	KindSensorControlResponse Kind = "sensor_control_response"
	KindSensor                Kind = "sensor"
	KindActuator              Kind = "actuator"
	KindOther                 Kind = "other"
)

// IsSensorData returns true for the kinds which carry sensor readings
func (k Kind) IsSensorData() bool {
	return k == KindSensorData || k == KindSensor
}

// IsDeviceTopic returns true if the topic belongs to the reserved device namespace
func IsDeviceTopic(topic string) bool {
	return strings.HasPrefix(topic, Prefix)
}

// ExtractDeviceID returns the device ID encoded in a topic.
//
// For iot/device/{id}/... the ID is the third segment, for
// iot/sensor/{data|ctl}/{id}/... it is the fourth. Any other topic
// yields false.
func ExtractDeviceID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != namespaceSegment {
		return "", false
	}
	var id string
	switch parts[1] {
	case "device":
		id = parts[2]
	case "sensor":
		if len(parts) < 4 {
			return "", false
		}
		id = parts[3]
	}
	return id, id != ""
}

// Classify returns the routing kind of a topic.
//
// Exact topics win over prefix matches, and the response form of a sensor
// data topic is recognized before plain sensor data. The order of the checks
// below must not be changed.
func Classify(topic string) Kind {
	if !IsDeviceTopic(topic) {
		return KindNone
	}
	switch topic {
	case DeviceRegister:
		return KindRegister
	case DeviceStatus:
		return KindStatus
	case DeviceHeartbeat:
		return KindHeartbeat
	}

	isResponse := strings.HasSuffix(topic, responseSuffix)
	switch {
	case strings.HasPrefix(topic, SensorData+"/") && isResponse:
		return KindSensorControlResponse
	case strings.HasPrefix(topic, SensorData+"/"):
		return KindSensorData
	case strings.HasPrefix(topic, SensorControl+"/"):
		return KindSensorControl
	case strings.Contains(topic, "sensor/data") && strings.Contains(topic, responseSuffix):
		return KindSensorControlResponse
	case strings.Contains(topic, "sensor"):
		return KindSensor
	case strings.Contains(topic, "actuator"):
		return KindActuator
	}
	return KindOther
}

// Type returns the dashboard category of a topic: device, sensor, actuator,
// system or general.
func Type(topic string) string {
	switch {
	case strings.Contains(topic, "device"):
		return "device"
	case strings.Contains(topic, "sensor"):
		return "sensor"
	case strings.Contains(topic, "actuator"):
		return "actuator"
	case strings.Contains(topic, "system"):
		return "system"
	}
	return "general"
}

// IsDeviceClient returns true if an MQTT client ID looks like a device,
// i.e. it starts with "iot-" or contains "device".
func IsDeviceClient(clientID string) bool {
	return strings.HasPrefix(clientID, "iot-") || strings.Contains(clientID, "device")
}

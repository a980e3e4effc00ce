/*Package payload decodes MQTT message payloads into typed variants.

Every topic category has its own payload type: registration, status,
heartbeat, sensor data and control. Decode never fails. A payload which is
not JSON becomes the raw variant with the payload string as data, and a JSON
payload which does not match the schema of its category stays untyped.
Mistyped fields of a valid payload are coerced one by one, so a single bad
sensor entry never hides its siblings.
*/
package payload

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/telemetry/iot/topic"
)

// Kind is the variant of a decoded payload
type Kind string

// all payload variants
const (
	KindRaw          Kind = "raw"
	KindJSON         Kind = "json"
	KindRegistration Kind = "registration"
	KindStatus       Kind = "status"
	KindHeartbeat    Kind = "heartbeat"
	KindSensor       Kind = "sensor"
	KindControl      Kind = "control"
)

// Registration is published by a device to iot/device/register
type Registration struct {
	DeviceID     string      `json:"deviceId"`
	DeviceType   string      `json:"deviceType,omitempty"`
	Location     string      `json:"location,omitempty"`
	Firmware     string      `json:"firmware,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       string      `json:"status,omitempty"`
	Timestamp    interface{} `json:"timestamp,omitempty"`
}

// Status is published by a device to iot/device/status
type Status struct {
	DeviceID  string      `json:"deviceId"`
	Status    string      `json:"status"`
	Timestamp interface{} `json:"timestamp,omitempty"`
}

// Heartbeat is published by a device to iot/device/heartbeat
type Heartbeat struct {
	DeviceID  string          `json:"deviceId"`
	Status    string          `json:"status,omitempty"`
	Uptime    interface{}     `json:"uptime,omitempty"`
	Memory    json.RawMessage `json:"memory,omitempty"`
	Timestamp interface{}     `json:"timestamp,omitempty"`
}

// UptimeSeconds returns the uptime as number, or 0
func (h *Heartbeat) UptimeSeconds() float64 {
	f, _ := Float(h.Uptime)
	return f
}

// Sensor is a single sensor value of a sensor data payload
type Sensor struct {
	Value  interface{} `json:"value"`
	Unit   string      `json:"unit,omitempty"`
	Status string      `json:"status,omitempty"`
}

// SensorData is published by a device to iot/sensor/data/{device_id}. Some
// devices send flat temperature and humidity values instead of a sensors map.
type SensorData struct {
	DeviceID    string            `json:"deviceId,omitempty"`
	Timestamp   interface{}       `json:"timestamp,omitempty"`
	Sensors     map[string]Sensor `json:"sensors,omitempty"`
	Temperature interface{}       `json:"temperature,omitempty"`
	Humidity    interface{}       `json:"humidity,omitempty"`
}

// Value returns the numeric value of the named sensor. Values in the sensors
// map take precedence over flat values. Non-numeric or missing values return false.
func (s *SensorData) Value(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	if sensor, ok := s.Sensors[name]; ok {
		return Float(sensor.Value)
	}
	switch name {
	case "temperature":
		return Float(s.Temperature)
	case "humidity":
		return Float(s.Humidity)
	}
	return 0, false
}

// Control is a sensor or actuator control command
type Control struct {
	DeviceID string          `json:"deviceId,omitempty"`
	Command  string          `json:"command,omitempty"`
	Action   string          `json:"action,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Payload is a decoded message payload. Exactly one of the typed fields is
// set for the typed kinds.
type Payload struct {
	Kind Kind
	// Raw is the payload as received
	Raw []byte
	// Data is the decoded JSON document, or the payload as string for KindRaw
	Data interface{}
	// Invalid holds the schema violation when a typed decoding was attempted but failed
	Invalid error

	Registration *Registration
	Status       *Status
	Heartbeat    *Heartbeat
	Sensor       *SensorData
	Control      *Control
}

var schemas = mustNewValidator()

func mustNewValidator() *validator {
	v, err := newValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// kindForTopic returns the typed variant expected on a topic kind
func kindForTopic(kind topic.Kind) Kind {
	switch kind {
	case topic.KindRegister:
		return KindRegistration
	case topic.KindStatus:
		return KindStatus
	case topic.KindHeartbeat:
		return KindHeartbeat
	case topic.KindSensorData, topic.KindSensor:
		return KindSensor
	case topic.KindSensorControl, topic.KindActuator:
		return KindControl
	}
	return KindJSON
}

// Decode decodes raw for the given topic kind. It never fails.
func Decode(kind topic.Kind, raw []byte) Payload {
	p := Payload{Kind: KindRaw, Raw: raw}

	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		p.Data = string(raw)
		return p
	}
	p.Data = data
	p.Kind = KindJSON

	want := kindForTopic(kind)
	if want == KindJSON {
		return p
	}
	if err := schemas.validate(want, raw); err != nil {
		p.Invalid = err
		return p
	}

	m, ok := data.(map[string]interface{})
	if !ok {
		p.Invalid = errors.New("the document is not an object")
		return p
	}
	switch want {
	case KindRegistration:
		p.Registration = decodeRegistration(m)
	case KindStatus:
		p.Status = &Status{
			DeviceID:  text(m["deviceId"]),
			Status:    text(m["status"]),
			Timestamp: m["timestamp"],
		}
	case KindHeartbeat:
		p.Heartbeat = &Heartbeat{
			DeviceID:  text(m["deviceId"]),
			Status:    text(m["status"]),
			Uptime:    m["uptime"],
			Memory:    rawJSON(m["memory"]),
			Timestamp: m["timestamp"],
		}
	case KindSensor:
		p.Sensor = decodeSensorData(m)
	case KindControl:
		p.Control = &Control{
			DeviceID: text(m["deviceId"]),
			Command:  text(m["command"]),
			Action:   text(m["action"]),
			Params:   rawJSON(m["params"]),
		}
	}
	p.Kind = want
	return p
}

// ParseSensorData decodes a sensor data document the way Decode does. It
// returns nil if raw is not a JSON object.
func ParseSensorData(raw []byte) *SensorData {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil
	}
	return decodeSensorData(m)
}

func decodeRegistration(m map[string]interface{}) *Registration {
	r := &Registration{
		DeviceID:   text(m["deviceId"]),
		DeviceType: text(m["deviceType"]),
		Location:   text(m["location"]),
		Firmware:   text(m["firmware"]),
		Status:     text(m["status"]),
		Timestamp:  m["timestamp"],
	}
	if list, ok := m["capabilities"].([]interface{}); ok {
		for _, c := range list {
			r.Capabilities = append(r.Capabilities, text(c))
		}
	}
	return r
}

func decodeSensorData(m map[string]interface{}) *SensorData {
	s := &SensorData{
		DeviceID:    text(m["deviceId"]),
		Timestamp:   m["timestamp"],
		Temperature: m["temperature"],
		Humidity:    m["humidity"],
	}
	if sensors, ok := m["sensors"].(map[string]interface{}); ok {
		s.Sensors = make(map[string]Sensor, len(sensors))
		for name, v := range sensors {
			s.Sensors[name] = decodeSensor(v)
		}
	}
	return s
}

// decodeSensor decodes one entry of the sensors map. Only object entries
// carry a value, anything else is kept as a sensor without value.
func decodeSensor(v interface{}) Sensor {
	entry, ok := v.(map[string]interface{})
	if !ok {
		return Sensor{}
	}
	return Sensor{
		Value:  entry["value"],
		Unit:   text(entry["unit"]),
		Status: text(entry["status"]),
	}
}

// text coerces a decoded JSON value to a string. Objects and arrays are
// encoded as JSON and null becomes the empty string.
func text(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	}
	body, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(body)
}

func rawJSON(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return body
}

// DeviceID returns the device ID carried inside the payload, if any
func (p *Payload) DeviceID() string {
	switch {
	case p.Registration != nil:
		return p.Registration.DeviceID
	case p.Status != nil:
		return p.Status.DeviceID
	case p.Heartbeat != nil:
		return p.Heartbeat.DeviceID
	case p.Sensor != nil:
		return p.Sensor.DeviceID
	case p.Control != nil:
		return p.Control.DeviceID
	}
	if m, ok := p.Data.(map[string]interface{}); ok {
		if id, ok := m["deviceId"].(string); ok {
			return id
		}
	}
	return ""
}

// JSON returns the payload data as JSON document. Raw payloads are encoded as JSON string.
func (p *Payload) JSON() json.RawMessage {
	if p.Kind != KindRaw {
		return json.RawMessage(p.Raw)
	}
	body, err := json.Marshal(p.Data)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return body
}

// Float coerces a decoded JSON value to float64. Numbers and numeric strings
// are accepted, everything else returns false.
func Float(v interface{}) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

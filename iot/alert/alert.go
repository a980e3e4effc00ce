// Package alert evaluates threshold rules over sensor data
package alert

import (
	"fmt"
	"time"

	"github.com/relabs-tech/telemetry/iot/payload"
)

// Alert is a threshold violation. Alerts are immutable once created.
type Alert struct {
	DeviceID  string    `json:"deviceId"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Rule is a threshold rule on a single sensor. A reading strictly above Max
// raises "{sensor}_high", a reading strictly below Min raises "{sensor}_low".
type Rule struct {
	Sensor string
	Unit   string
	Min    float64
	Max    float64
}

// DefaultRules are the thresholds for temperature and humidity
var DefaultRules = []Rule{
	{Sensor: "temperature", Unit: "°C", Min: -10, Max: 30},
	{Sensor: "humidity", Unit: "%", Min: 20, Max: 80},
}

// Evaluator evaluates a fixed set of rules. It has no state, the same
// reading always produces the same alerts.
type Evaluator struct {
	rules []Rule
}

// NewEvaluator returns an evaluator for the given rules. Without rules the
// DefaultRules are used.
func NewEvaluator(rules ...Rule) *Evaluator {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Evaluator{rules: rules}
}

// Evaluate returns all alerts triggered by data. Rules are independent of
// each other. A missing or non-numeric sensor value skips its rule.
func (e *Evaluator) Evaluate(data *payload.SensorData, now time.Time) []Alert {
	if data == nil {
		return nil
	}
	var alerts []Alert
	for _, rule := range e.rules {
		value, ok := data.Value(rule.Sensor)
		if !ok {
			continue
		}
		if value > rule.Max {
			alerts = append(alerts, Alert{
				DeviceID:  data.DeviceID,
				Type:      rule.Sensor + "_high",
				Message:   fmt.Sprintf("High %s alert: %v%s", rule.Sensor, value, rule.Unit),
				Value:     value,
				Threshold: rule.Max,
				Timestamp: now,
			})
		}
		if value < rule.Min {
			alerts = append(alerts, Alert{
				DeviceID:  data.DeviceID,
				Type:      rule.Sensor + "_low",
				Message:   fmt.Sprintf("Low %s alert: %v%s", rule.Sensor, value, rule.Unit),
				Value:     value,
				Threshold: rule.Min,
				Timestamp: now,
			})
		}
	}
	return alerts
}

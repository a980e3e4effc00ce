// Package export forwards sensor readings and alerts to downstream consumers
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/telemetry/iot/alert"
	"github.com/relabs-tech/telemetry/iot/store"
)

// record kinds
const (
	KindSensorReading = "sensor_reading"
	KindAlert         = "alert"
)

// Record is the exported message. Records are keyed by device ID.
type Record struct {
	Kind      string      `json:"kind"`
	DeviceID  string      `json:"deviceId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Exporter exports telemetry
type Exporter interface {
	ExportReading(ctx context.Context, reading store.SensorReading) error
	ExportAlert(ctx context.Context, a alert.Alert) error
	Close() error
}

// Nop is an exporter which drops everything
type Nop struct{}

// ExportReading implements Exporter
func (Nop) ExportReading(context.Context, store.SensorReading) error { return nil }

// ExportAlert implements Exporter
func (Nop) ExportAlert(context.Context, alert.Alert) error { return nil }

// Close implements Exporter
func (Nop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka exports to a Kafka topic. Messages of one device go to the same partition.
type Kafka struct {
	writer messageWriter
}

// NewKafka creates a Kafka exporter for the given brokers and topic
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (k *Kafka) write(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("cannot marshal %s record: %w", r.Kind, err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.DeviceID),
		Value: body,
		Time:  r.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("cannot export %s of %s: %w", r.Kind, r.DeviceID, err)
	}
	return nil
}

// ExportReading implements Exporter
func (k *Kafka) ExportReading(ctx context.Context, reading store.SensorReading) error {
	return k.write(ctx, Record{
		Kind:      KindSensorReading,
		DeviceID:  reading.DeviceID,
		Timestamp: reading.Timestamp,
		Data:      reading,
	})
}

// ExportAlert implements Exporter
func (k *Kafka) ExportAlert(ctx context.Context, a alert.Alert) error {
	return k.write(ctx, Record{
		Kind:      KindAlert,
		DeviceID:  a.DeviceID,
		Timestamp: a.Timestamp,
		Data:      a,
	})
}

// Close flushes pending messages and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}

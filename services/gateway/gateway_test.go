package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServiceDefaults(t *testing.T) {
	service, err := loadService()
	require.NoError(t, err)
	assert.Equal(t, 1883, service.MQTTPort)
	assert.Equal(t, 3001, service.WebPort)
	assert.Equal(t, "/realtime", service.RealtimePath)
	assert.Equal(t, "redis://localhost:6379", service.RedisURL)
	assert.Equal(t, 10, service.RedisMaxRetries)
	assert.Equal(t, time.Minute, service.StatsInterval)
	assert.Equal(t, 5*time.Minute, service.OfflineTimeout)
	assert.False(t, service.RequireAuth)
	assert.Empty(t, service.kafkaBrokers())
}

func TestLoadService(t *testing.T) {
	t.Setenv("MQTT_PORT", "1884")
	t.Setenv("REQUIRE_AUTH", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("OFFLINE_TIMEOUT", "30s")

	service, err := loadService()
	require.NoError(t, err)
	assert.Equal(t, 1884, service.MQTTPort)
	assert.True(t, service.RequireAuth)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, service.kafkaBrokers())
	assert.Equal(t, 30*time.Second, service.OfflineTimeout)

	t.Setenv("PIPELINE_WORKERS", "0")
	_, err = loadService()
	assert.Error(t, err)
}

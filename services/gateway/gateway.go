package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/alert"
	"github.com/relabs-tech/telemetry/iot/api"
	"github.com/relabs-tech/telemetry/iot/export"
	"github.com/relabs-tech/telemetry/iot/mqtt"
	"github.com/relabs-tech/telemetry/iot/pipeline"
	"github.com/relabs-tech/telemetry/iot/registry"
	"github.com/relabs-tech/telemetry/iot/router"
	"github.com/relabs-tech/telemetry/iot/store"
)

// Service holds the configuration for this service
//
// use REDIS_URL="redis://localhost:6379" and optionally
// REQUIRE_AUTH=true BROKER_USERS="sensor:$2a$10$..."
type Service struct {
	MQTTPort        int           `env:"MQTT_PORT,default=1883" description:"the plain TCP port of the MQTT broker"`
	MQTTTLSPort     int           `env:"MQTT_TLS_PORT,default=8883" description:"the TLS port of the MQTT broker"`
	WebPort         int           `env:"WEB_PORT,default=3001" description:"the port of the HTTP API"`
	RealtimePath    string        `env:"REALTIME_PATH,default=/realtime" description:"the path of the websocket endpoint"`
	RedisURL        string        `env:"REDIS_URL,default=redis://localhost:6379" description:"the URL of the Redis server"`
	RedisMaxRetries int           `env:"REDIS_MAX_RETRIES,default=10" description:"connection attempts before the store is degraded"`
	LogLevel        string        `env:"LOG_LEVEL,default=info" description:"the log level"`
	RequireAuth     bool          `env:"REQUIRE_AUTH,default=false" description:"require username and password from MQTT clients"`
	BrokerUsers     string        `env:"BROKER_USERS" description:"MQTT users as user:bcrypt-hash;..."`
	KafkaBrokers    string        `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers, enables the telemetry export"`
	KafkaTopic      string        `env:"KAFKA_TOPIC,default=telemetry" description:"the Kafka topic of the telemetry export"`
	CleanOnStart    bool          `env:"CLEAN_ON_START,default=false" description:"delete all gateway data on start"`
	PipelineWorkers int           `env:"PIPELINE_WORKERS,default=8" description:"number of persistence workers"`
	PipelineQueue   int           `env:"PIPELINE_QUEUE,default=1024" description:"queued persistence calls per worker"`
	BufferSize      int           `env:"BUFFER_SIZE,default=100" description:"messages kept in memory per device"`
	StatsInterval   time.Duration `env:"STATS_INTERVAL,default=60s" description:"interval of statistics and offline checks"`
	OfflineTimeout  time.Duration `env:"OFFLINE_TIMEOUT,default=5m" description:"devices silent for this long are offline, 0 disables"`
	CertFile        string        `env:"TLS_CERT_FILE" description:"the X.509 certificate of the TLS listener"`
	KeyFile         string        `env:"TLS_KEY_FILE" description:"the X.509 private key of the TLS listener"`
	CACertFile      string        `env:"TLS_CA_CERT_FILE" description:"the CA certificate for client certificates"`
}

func loadService() (*Service, error) {
	service := &Service{}
	err := envdecode.Decode(service)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, err
	}
	if service.PipelineWorkers < 1 || service.PipelineQueue < 1 {
		return nil, fmt.Errorf("invalid pipeline size %d x %d", service.PipelineWorkers, service.PipelineQueue)
	}
	if service.BufferSize < 1 {
		return nil, fmt.Errorf("invalid buffer size %d", service.BufferSize)
	}
	return service, nil
}

func (s *Service) kafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(s.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func main() {
	service, err := loadService()
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redis, err := store.NewRedis(store.RedisConfig{URL: service.RedisURL, MaxRetries: service.RedisMaxRetries})
	if err != nil {
		panic(err)
	}
	defer redis.Close()
	if err := redis.Connect(ctx); err != nil {
		rlog.WithError(err).Errorln("running without persistence")
	} else {
		go redis.Monitor(ctx)
		if service.CleanOnStart {
			if err := redis.CleanAll(ctx); err != nil {
				rlog.WithError(err).Errorln("cannot clean store")
			}
		}
	}

	var exporter export.Exporter = export.Nop{}
	if brokers := service.kafkaBrokers(); len(brokers) > 0 {
		rlog.Infof("exporting telemetry to kafka topic %s", service.KafkaTopic)
		exporter = export.NewKafka(brokers, service.KafkaTopic)
	}
	defer exporter.Close()

	p := pipeline.New(service.PipelineWorkers, service.PipelineQueue)
	gateway := router.New(&router.Builder{
		Registry:  registry.NewWithBufferSize(service.BufferSize),
		Store:     redis,
		Pipeline:  p,
		Evaluator: alert.NewEvaluator(alert.DefaultRules...),
		Exporter:  exporter,
	})

	users, err := mqtt.ParseUsers(service.BrokerUsers)
	if err != nil {
		panic(err)
	}
	broker, err := mqtt.NewBroker(&mqtt.Builder{
		Router:      gateway,
		Port:        service.MQTTPort,
		TLSPort:     service.MQTTTLSPort,
		CertFile:    service.CertFile,
		KeyFile:     service.KeyFile,
		CACertFile:  service.CACertFile,
		RequireAuth: service.RequireAuth,
		Users:       users,
	})
	if err != nil {
		panic(err)
	}

	r := mux.NewRouter()
	api.New(&api.Builder{
		Router:       r,
		Store:        redis,
		Gateway:      gateway,
		Publisher:    broker,
		RealtimePath: service.RealtimePath,
		Info: api.Info{
			MQTTPort: service.MQTTPort,
			WebPort:  service.WebPort,
			BrokerID: uuid.New().String(),
		},
	})
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", service.WebPort),
		Handler: cors(r),
	}
	go func() {
		rlog.Infof("listen on port :%d", service.WebPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rlog.WithError(err).Errorln("HTTP server failed")
			stop()
		}
	}()

	go gateway.Maintain(ctx, service.StatsInterval, service.OfflineTimeout)

	broker.Run(ctx)

	rlog.Infoln("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rlog.WithError(err).Errorln("HTTP server shutdown")
	}
	gateway.Hub().Close()
	gateway.Flush()
	p.Close()
}

package test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/telemetry/iot/api"
	"github.com/relabs-tech/telemetry/iot/export"
	"github.com/relabs-tech/telemetry/iot/mqtt"
	"github.com/relabs-tech/telemetry/iot/pipeline"
	"github.com/relabs-tech/telemetry/iot/router"
	"github.com/relabs-tech/telemetry/iot/store"
)

// IntegrationTestSuite runs the complete gateway against Redis and Kafka containers
type IntegrationTestSuite struct {
	suite.Suite

	Store    *store.Redis
	Pipeline *pipeline.Pipeline
	Gateway  *router.Router
	Broker   *mqtt.Broker
	Exporter *export.Kafka
	srv      *httptest.Server
	cancel   context.CancelFunc
	stopped  chan struct{}

	network            testcontainers.Network
	redisContainer     testcontainers.Container
	zookeeperContainer testcontainers.Container
	kafkaContainer     testcontainers.Container
	kafkaConn          *kafka.Conn
	kafkaAddr          string
	redisURL           string
	exportTopic        string
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) deleteTopic(topic string) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.DeleteTopics(topic)
	if err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("integration tests need docker")
	}
	ctx := context.Background()

	// Create a shared Docker network for Kafka and Zookeeper
	networkName := "test-telemetry-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	redisReq := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		Networks:     []string{networkName},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: redisReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.redisContainer = redisC

	redisHost, err := redisC.Host(ctx)
	s.Require().NoError(err)
	redisPort, err := redisC.MappedPort(ctx, "6379")
	s.Require().NoError(err)
	s.redisURL = fmt.Sprintf("redis://%s:%s", redisHost, redisPort.Port())

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.zookeeperContainer = zooC

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_INTER_BROKER_LISTENER_NAME":       "EXTERNAL",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)

	s.exportTopic = "telemetry-" + uuid.New().String()
	err = s.createTopic(s.exportTopic, 3)
	s.Require().NoError(err, "Failed to create export topic")

	s.Store, err = store.NewRedis(store.RedisConfig{URL: s.redisURL})
	s.Require().NoError(err)
	s.Require().NoError(s.Store.Connect(ctx))

	s.Exporter = export.NewKafka([]string{s.kafkaAddr}, s.exportTopic)
	s.Pipeline = pipeline.New(4, 1024)
	s.Gateway = router.New(&router.Builder{
		Store:    s.Store,
		Pipeline: s.Pipeline,
		Exporter: s.Exporter,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.Broker, err = mqtt.NewBroker(&mqtt.Builder{Router: s.Gateway, Listener: ln})
	s.Require().NoError(err)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go func() {
		s.Broker.Run(runCtx)
		close(s.stopped)
	}()

	r := mux.NewRouter()
	api.New(&api.Builder{
		Router:    r,
		Store:     s.Store,
		Gateway:   s.Gateway,
		Publisher: s.Broker,
	})
	s.srv = httptest.NewServer(r)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		s.srv.Close()
	}
	if s.cancel != nil {
		s.cancel()
		<-s.stopped
	}
	if s.Gateway != nil {
		s.Gateway.Flush()
		s.Pipeline.Close()
	}
	if s.Exporter != nil {
		s.Require().NoError(s.Exporter.Close())
	}
	if s.Store != nil {
		s.Store.Close()
	}
	if s.kafkaConn != nil {
		s.deleteTopic(s.exportTopic)
		s.kafkaConn.Close()
	}

	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeperContainer, s.redisContainer} {
		if c != nil {
			err := c.Terminate(ctx)
			s.Require().NoError(err)
		}
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}

// SetupTest starts every test with an empty store
func (s *IntegrationTestSuite) SetupTest() {
	s.Require().NoError(s.Store.CleanAll(context.Background()))
}

// get calls the HTTP API
func (s *IntegrationTestSuite) get(path string) (int, []byte) {
	resp, err := http.Get(s.srv.URL + path)
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, body
}

// exportReader reads the export topic of the suite from the beginning
func (s *IntegrationTestSuite) exportReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{s.kafkaAddr},
		Topic:       s.exportTopic,
		GroupID:     "test-" + uuid.New().String(),
		StartOffset: kafka.FirstOffset,
		MaxWait:     500 * time.Millisecond,
	})
}

// mqttConnect connects a device with the minimal MQTT 3.1.1 client below
func (s *IntegrationTestSuite) mqttConnect(clientID string) net.Conn {
	conn, err := net.Dial("tcp", s.Broker.Addr().String())
	s.Require().NoError(err)
	s.Require().NoError(conn.SetDeadline(time.Now().Add(30 * time.Second)))

	body := append(mqttString("MQTT"), 0x04, 0x02, 0x00, 0x3c)
	body = append(body, mqttString(clientID)...)
	_, err = conn.Write(mqttPacket(0x10, body))
	s.Require().NoError(err)

	connack := make([]byte, 4)
	_, err = io.ReadFull(conn, connack)
	s.Require().NoError(err)
	s.Require().Equal([]byte{0x20, 0x02, 0x00, 0x00}, connack, "connection refused")
	return conn
}

func (s *IntegrationTestSuite) mqttPublish(conn net.Conn, topic, payload string) {
	_, err := conn.Write(mqttPacket(0x30, append(mqttString(topic), payload...)))
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) mqttDisconnect(conn net.Conn) {
	_, err := conn.Write([]byte{0xe0, 0x00})
	s.Require().NoError(err)
	conn.Close()
}

func mqttString(str string) []byte {
	return append([]byte{byte(len(str) >> 8), byte(len(str))}, str...)
}

// mqttPacket encodes a control packet with a variable length remaining length
func mqttPacket(header byte, body []byte) []byte {
	packet := []byte{header}
	n := len(body)
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		packet = append(packet, b)
		if n == 0 {
			break
		}
	}
	return append(packet, body...)
}

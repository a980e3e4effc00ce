package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot"
	"github.com/relabs-tech/telemetry/iot/router"
)

var _ iot.MessagePublisher = (*Broker)(nil)

// ErrNotRunning is returned by Publish before the broker runs
var ErrNotRunning = errors.New("broker is not running")

// Broker is the MQTT broker of the gateway. It forwards all client
// activity to the telemetry router.
type Broker struct {
	p         *plugin
	listeners []net.Listener
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Router receives the broker events. This is mandatory.
	Router *router.Router
	// Listener is the plain TCP listener. If nil, the broker listens on Port.
	Listener net.Listener
	// Port is the plain TCP port, default 1883
	Port int
	// TLSPort is the port of the optional TLS listener, default 8883
	TLSPort int
	// CertFile is the file path to the X.509 certificate file. The TLS listener
	// is only started when CertFile and KeyFile are set.
	CertFile string
	// KeyFile is the file path to the X.509 private key file
	KeyFile string
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// If set, TLS clients must present a certificate signed by it.
	CACertFile string
	// RequireAuth enables the username and password check
	RequireAuth bool
	// Users maps user names to bcrypt password hashes, see ParseUsers()
	Users map[string][]byte
}

// plugin is the plugin for GMQTT
type plugin struct {
	router      *router.Router
	requireAuth bool
	users       map[string][]byte

	mux     sync.RWMutex
	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) (*Broker, error) {
	if bb.Router == nil {
		return nil, errors.New("router is missing")
	}
	if bb.RequireAuth && len(bb.Users) == 0 {
		return nil, errors.New("authentication is required but there are no users")
	}

	b := &Broker{
		p: &plugin{
			router:      bb.Router,
			requireAuth: bb.RequireAuth,
			users:       bb.Users,
		},
	}

	ln := bb.Listener
	if ln == nil {
		port := bb.Port
		if port == 0 {
			port = 1883
		}
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, fmt.Errorf("cannot listen on port %d: %w", port, err)
		}
	}
	b.listeners = append(b.listeners, ln)

	if len(bb.CertFile) > 0 && len(bb.KeyFile) > 0 {
		tlsln, err := listenTLS(bb)
		if err != nil {
			ln.Close()
			return nil, err
		}
		b.listeners = append(b.listeners, tlsln)
	}
	return b, nil
}

func listenTLS(bb *Builder) (net.Listener, error) {
	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load key pair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
	}
	if len(bb.CACertFile) > 0 {
		caCert, err := os.ReadFile(bb.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca-cert file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", bb.CACertFile)
		}
		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	port := bb.TLSPort
	if port == 0 {
		port = 8883
	}
	tlsln, err := tls.Listen("tcp", fmt.Sprintf(":%d", port), tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on TLS port %d: %w", port, err)
	}
	return tlsln, nil
}

// Addr returns the address of the plain TCP listener
func (b *Broker) Addr() net.Addr {
	return b.listeners[0].Addr()
}

// Run is blocking and runs the server until the context is cancelled
func (b *Broker) Run(ctx context.Context) {
	rlog := logger.FromContext(ctx)
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.listeners...),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	for _, ln := range b.listeners {
		rlog.Infof("MQTT broker listening on %s", ln.Addr())
	}

	<-ctx.Done()
	s.Stop(context.Background())
	b.p.mux.Lock()
	b.p.service = nil
	b.p.mux.Unlock()
	rlog.Infoln("MQTT broker stopped")
}

// Publish publishes a message on behalf of the gateway itself. The message
// is also routed like a publish without client context.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, qos uint8, retain bool) error {
	if qos > packets.QOS_2 {
		return fmt.Errorf("invalid qos %d", qos)
	}
	b.p.mux.RLock()
	service := b.p.service
	b.p.mux.RUnlock()
	if service == nil {
		return ErrNotRunning
	}
	logger.FromContext(ctx).Debugf("publish on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, qos, gmqtt.Retained(retain))
	service.PublishService().Publish(msg)

	b.p.router.Handle(ctx, router.Event{
		Type:    router.MessagePublished,
		Topic:   topic,
		Payload: payload,
		QoS:     int(qos),
		Retain:  retain,
	})
	return nil
}

// ParseUsers parses broker credentials of the form "user1:hash1;user2:hash2"
// where each hash is a bcrypt hash of the user's password.
func ParseUsers(s string) (map[string][]byte, error) {
	users := map[string][]byte{}
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		i := strings.Index(entry, ":")
		if i <= 0 || i == len(entry)-1 {
			return nil, fmt.Errorf("invalid user entry %q, expected user:hash", entry)
		}
		name, hash := entry[:i], []byte(entry[i+1:])
		if _, err := bcrypt.Cost(hash); err != nil {
			return nil, fmt.Errorf("invalid password hash for user %s: %w", name, err)
		}
		users[name] = hash
	}
	return users, nil
}

// authenticate checks the credentials of a connecting client
func (p *plugin) authenticate(username, password string) bool {
	if !p.requireAuth {
		return true
	}
	hash, ok := p.users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "telemetry gateway" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:      p.OnConnectWrapper,
		OnConnectedWrapper:    p.OnConnectedWrapper,
		OnCloseWrapper:        p.OnCloseWrapper,
		OnSubscribedWrapper:   p.OnSubscribedWrapper,
		OnUnsubscribedWrapper: p.OnUnsubscribedWrapper,
		OnMsgArrivedWrapper:   p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper checks username and password
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		_, rlog := logger.ContextWithClient(ctx, options.ClientID())
		if !p.authenticate(options.Username(), options.Password()) {
			rlog.Warnf("connect denied, user %q not authorized", options.Username())
			return packets.CodeNotAuthorized
		}
		return connect(ctx, client)
	}
}

// OnConnectedWrapper routes new connections
func (p *plugin) OnConnectedWrapper(connected gmqtt.OnConnected) gmqtt.OnConnected {
	return func(ctx context.Context, client gmqtt.Client) {
		clientID := client.OptionsReader().ClientID()
		rctx, _ := logger.ContextWithClient(ctx, clientID)
		p.router.Handle(rctx, router.Event{Type: router.ClientConnected, ClientID: clientID})
		connected(ctx, client)
	}
}

// OnCloseWrapper routes closed connections. Connection errors other than a
// regular end of stream are recorded as broker errors.
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		clientID := client.OptionsReader().ClientID()
		rctx, _ := logger.ContextWithClient(ctx, clientID)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			p.router.Handle(rctx, router.Event{Type: router.BrokerError, Err: fmt.Errorf("client %s: %w", clientID, err)})
		}
		p.router.Handle(rctx, router.Event{Type: router.ClientDisconnected, ClientID: clientID})
		closed(ctx, client, err)
	}
}

// OnSubscribedWrapper routes subscriptions
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		clientID := client.OptionsReader().ClientID()
		rctx, _ := logger.ContextWithClient(ctx, clientID)
		p.router.Handle(rctx, router.Event{
			Type:          router.Subscribed,
			ClientID:      clientID,
			Subscriptions: []router.Subscription{{Topic: topic.Name, QoS: int(topic.Qos)}},
		})
		subscribed(ctx, client, topic)
	}
}

// OnUnsubscribedWrapper routes unsubscriptions
func (p *plugin) OnUnsubscribedWrapper(unsubscribed gmqtt.OnUnsubscribed) gmqtt.OnUnsubscribed {
	return func(ctx context.Context, client gmqtt.Client, topicName string) {
		clientID := client.OptionsReader().ClientID()
		rctx, _ := logger.ContextWithClient(ctx, clientID)
		p.router.Handle(rctx, router.Event{
			Type:     router.Unsubscribed,
			ClientID: clientID,
			Topics:   []string{topicName},
		})
		unsubscribed(ctx, client, topicName)
	}
}

// OnMsgArrivedWrapper routes published messages. Messages are never rejected.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		rctx, _ := logger.ContextWithClient(ctx, clientID)
		p.router.Handle(rctx, router.Event{
			Type:     router.MessagePublished,
			ClientID: clientID,
			Topic:    msg.Topic(),
			Payload:  msg.Payload(),
			QoS:      int(msg.Qos()),
			Retain:   msg.Retained(),
		})
		return arrived(ctx, client, msg)
	}
}

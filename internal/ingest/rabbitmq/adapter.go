package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"topologyd/internal/dispatch"
	"topologyd/internal/domain"
	"topologyd/internal/event"
	"topologyd/internal/hashroute"
	"topologyd/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const HeaderEventType = "event_type"

type Handler interface {
	Handle(context.Context, domain.EventEnvelope) dispatch.Result
}

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	ManualAck     bool
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
	// DialTimeout bounds how long Start keeps retrying the broker.
	DialTimeout time.Duration
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

// Adapter consumes topology events from a RabbitMQ queue. Deliveries for
// one service share a worker lane so they are applied in queue order.
type Adapter struct {
	cfg      Config
	handler  Handler
	log      *zap.Logger
	met      *metrics.Metrics
	dial     func(string, amqp091.Config) (*amqp091.Connection, error)
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	lanes    []chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
	env      domain.EventEnvelope
}

type envelopePayload struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	EventTime string          `json:"event_time_utc"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if len(c.endpoints()) == 0 {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoints() []string {
	var out []string
	if u := strings.TrimSpace(c.URL); u != "" {
		out = append(out, u)
	}
	for _, e := range c.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func NewAdapter(cfg Config, handler Handler, log *zap.Logger, met *metrics.Metrics) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "topologyd-rabbitmq"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		cfg:     cfg,
		handler: handler,
		log:     log.With(zap.String("adapter", "rabbitmq")),
		met:     met,
		dial:    amqp091.DialConfig,
		closed:  make(chan struct{}),
		lanes:   make([]chan deliveryTask, cfg.Workers),
	}
	for i := range a.lanes {
		a.lanes[i] = make(chan deliveryTask, cfg.DeliveryQueue)
	}
	return a, nil
}

// connect dials the configured endpoints in turn with exponential backoff
// until one answers or DialTimeout elapses.
func (a *Adapter) connect(ctx context.Context, dialCfg amqp091.Config) (*amqp091.Connection, error) {
	endpoints := a.cfg.endpoints()
	attempt := 0
	operation := func() (*amqp091.Connection, error) {
		url := endpoints[attempt%len(endpoints)]
		attempt++
		conn, err := a.dial(url, dialCfg)
		if err != nil {
			a.log.Warn("dial rabbitmq", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return conn, nil
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(a.cfg.DialTimeout))
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := a.connect(ctx, dialCfg)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries
	a.log.Info("consuming", zap.String("queue", a.cfg.Queue), zap.Strings("routing_keys", routingKeys))

	a.wg.Add(1)
	go a.readLoop(ctx)
	for _, lane := range a.lanes {
		a.wg.Add(1)
		go a.workerLoop(ctx, lane)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			a.met.IngestRecord("rabbitmq")
			env, err := a.parseDelivery(d)
			if err != nil {
				a.log.Warn("drop unparseable delivery", zap.Uint64("tag", d.DeliveryTag), zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			task := deliveryTask{ctx: ctx, delivery: d, env: env}
			select {
			case a.laneFor(env) <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) laneFor(env domain.EventEnvelope) chan deliveryTask {
	return a.lanes[hashroute.Shard(env.PartitionKey, len(a.lanes))]
}

func (a *Adapter) workerLoop(ctx context.Context, lane chan deliveryTask) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task := <-lane:
			a.settle(task.delivery, a.handler.Handle(task.ctx, task.env))
		}
	}
}

// settle acks final outcomes, dead-letters rejected events and requeues
// deliveries whose dispatch was cut short.
func (a *Adapter) settle(d amqp091.Delivery, res dispatch.Result) {
	switch {
	case errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded):
		_ = d.Nack(false, true)
	case res.Outcome == domain.OutcomeHandled:
		_ = d.Ack(false)
	case res.Outcome == domain.OutcomeUnknownType:
		a.log.Info("ack unroutable delivery", zap.String("kind", res.Kind), zap.Error(res.Err))
		_ = d.Ack(false)
	default:
		a.log.Warn("dead-letter rejected delivery", zap.String("kind", res.Kind), zap.Uint64("tag", d.DeliveryTag), zap.Error(res.Err))
		_ = d.Nack(false, false)
	}
}

// parseDelivery takes the discriminator from the event_type header or the
// AMQP type property, in which case the body is the raw payload. Otherwise
// the body must be a JSON envelope.
func (a *Adapter) parseDelivery(d amqp091.Delivery) (domain.EventEnvelope, error) {
	env := domain.EventEnvelope{
		EventID:       headerString(d.Headers, "event_id"),
		EventType:     headerString(d.Headers, HeaderEventType),
		Source:        "rabbitmq",
		SourceRef:     fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag),
		ReceivedAtUTC: time.Now().UTC(),
		Metadata:      map[string]string{},
	}
	if env.EventType == "" {
		env.EventType = d.Type
	}
	if env.EventID == "" {
		env.EventID = d.MessageId
	}
	for k, v := range d.Headers {
		env.Metadata[k] = fmt.Sprint(v)
	}

	rawTime := ""
	if env.EventType != "" {
		env.Payload = append([]byte(nil), d.Body...)
	} else {
		var msg envelopePayload
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return domain.EventEnvelope{}, fmt.Errorf("unmarshal delivery body: %w", err)
		}
		if msg.EventType == "" {
			return domain.EventEnvelope{}, fmt.Errorf("event_type is required")
		}
		env.EventType = msg.EventType
		if msg.EventID != "" {
			env.EventID = msg.EventID
		}
		env.Payload = append([]byte(nil), msg.Payload...)
		rawTime = msg.EventTime
		for k, v := range msg.Metadata {
			env.Metadata[k] = fmt.Sprint(v)
		}
	}
	if len(env.Payload) == 0 {
		return domain.EventEnvelope{}, fmt.Errorf("payload is required")
	}

	eventTimeNs, err := parseEventTime(rawTime, d.Headers)
	if err != nil {
		return domain.EventEnvelope{}, err
	}
	if eventTimeNs == 0 && !d.Timestamp.IsZero() {
		eventTimeNs = d.Timestamp.UTC().UnixNano()
	}
	env.EventTimeUTCNs = eventTimeNs
	env.PartitionKey = event.RoutingKey(env.Payload)
	return env, nil
}

func parseEventTime(raw string, headers amqp091.Table) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = headerString(headers, "event_time_utc")
	}
	if raw == "" {
		return 0, nil
	}
	if unixNs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return unixNs, nil
	}
	tm, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid event_time_utc: %w", err)
	}
	return tm.UnixNano(), nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

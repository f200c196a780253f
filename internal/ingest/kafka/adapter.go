package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"topologyd/internal/dispatch"
	"topologyd/internal/domain"
	"topologyd/internal/event"
	"topologyd/internal/hashroute"
	"topologyd/internal/metrics"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"
)

const (
	ParseModeJSON   = "json_envelope"
	ParseModeHeader = "header"
	ParseModeCustom = "custom_mapper"

	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
)

type Handler interface {
	Handle(context.Context, domain.EventEnvelope) dispatch.Result
}

type Mapper interface {
	MapKafkaRecord(*kgo.Record) (domain.EventEnvelope, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	ParseMode      string
	Auth           AuthConfig
	Fetch          FetchConfig

	CustomMapper Mapper
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled bool
	// Mechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type jsonEnvelope struct {
	EventID      string            `json:"event_id"`
	EventType    string            `json:"event_type"`
	EventTimeUTC string            `json:"event_time_utc"`
	Payload      json.RawMessage   `json:"payload"`
	Metadata     map[string]string `json:"metadata"`
}

// Adapter consumes topology events from Kafka. Records of one partition go
// to one lane and are dispatched and committed in offset order, so producers
// keying records by service name keep each service ordered.
type Adapter struct {
	cfg Config
	log *zap.Logger
	met *metrics.Metrics

	lanes     []chan *kgo.Record
	acks      chan recordAck
	stop      chan struct{}
	closeOnce sync.Once

	pauseMux sync.Mutex
	paused   bool

	handler        Handler
	poll           func(context.Context, int) kgo.Fetches
	allowRebalance func()
	closeClient    func()
	markCommit     func(*kgo.Record)
	commitMarked   func(context.Context) error
	pauseFetch     func(...string)
	resumeFetch    func(...string)
}

type recordAck struct {
	record *kgo.Record
	result dispatch.Result
}

func NewAdapter(cfg Config, handler Handler, log *zap.Logger, met *metrics.Metrics, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		mech, err := saslOpt(cfg.Auth.SASL)
		if err != nil {
			return nil, err
		}
		kopts = append(kopts, mech)
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, handler, log, met)
	a.poll = cl.PollRecords
	a.allowRebalance = cl.AllowRebalance
	a.closeClient = cl.Close
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, handler Handler, log *zap.Logger, met *metrics.Metrics) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(zap.String("adapter", "kafka")),
		met:     met,
		handler: handler,
		lanes:   make([]chan *kgo.Record, cfg.WorkerCount),
		acks:    make(chan recordAck, cfg.QueueCapacity),
		stop:    make(chan struct{}),
	}
	perLane := cfg.QueueCapacity / cfg.WorkerCount
	if perLane < 1 {
		perLane = 1
	}
	for i := range a.lanes {
		a.lanes[i] = make(chan *kgo.Record, perLane)
	}
	return a
}

func saslOpt(c SASLConfig) (kgo.Opt, error) {
	switch strings.ToUpper(c.Mechanism) {
	case "", "PLAIN":
		return kgo.SASL(plain.Auth{User: c.Username, Pass: c.Password}.AsMechanism()), nil
	case "SCRAM-SHA-256":
		return kgo.SASL(scram.Auth{User: c.Username, Pass: c.Password}.AsSha256Mechanism()), nil
	case "SCRAM-SHA-512":
		return kgo.SASL(scram.Auth{User: c.Username, Pass: c.Password}.AsSha512Mechanism()), nil
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", c.Mechanism)
	}
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	switch c.ParseMode {
	case ParseModeJSON, ParseModeHeader:
	case ParseModeCustom:
		if c.CustomMapper == nil {
			return errors.New("kafka custom mapper not configured")
		}
	default:
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

// Start consumes until ctx is cancelled or Close is called. On Close the
// records already queued are applied and committed before Start returns nil.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.closeClient()

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go func() {
		select {
		case <-a.stop:
			stopPolling()
		case <-pollCtx.Done():
		}
	}()

	var workers sync.WaitGroup
	for _, lane := range a.lanes {
		workers.Add(1)
		go func(lane chan *kgo.Record) {
			defer workers.Done()
			a.runWorker(ctx, lane)
		}(lane)
	}
	acksDone := make(chan struct{})
	go func() {
		defer close(acksDone)
		a.handleAcks(ctx)
	}()

	shutdown := func() {
		for _, lane := range a.lanes {
			close(lane)
		}
		workers.Wait()
		close(a.acks)
		<-acksDone
	}
	for {
		if pollCtx.Err() != nil {
			shutdown()
			return ctx.Err()
		}
		fetches := a.poll(pollCtx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if pollCtx.Err() != nil {
				continue
			}
			shutdown()
			return errs[0].Err
		}
		fetches.EachRecord(func(rec *kgo.Record) { a.enqueue(pollCtx, rec) })
		a.allowRebalance()
	}
}

// Close stops polling. Start drains the lanes and returns.
func (a *Adapter) Close() { a.closeOnce.Do(func() { close(a.stop) }) }

func (a *Adapter) laneFor(rec *kgo.Record) chan *kgo.Record {
	key := fmt.Sprintf("%s/%d", rec.Topic, rec.Partition)
	return a.lanes[hashroute.Shard(key, len(a.lanes))]
}

func (a *Adapter) enqueue(ctx context.Context, rec *kgo.Record) {
	a.met.IngestRecord("kafka")
	lane := a.laneFor(rec)
	for ctx.Err() == nil {
		select {
		case lane <- rec:
			a.maybeResume(lane)
			return
		default:
			a.maybePause(lane)
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) runWorker(ctx context.Context, lane chan *kgo.Record) {
	for rec := range lane {
		ack := recordAck{record: rec, result: a.process(ctx, rec)}
		select {
		case a.acks <- ack:
		case <-ctx.Done():
		}
	}
}

func (a *Adapter) process(ctx context.Context, rec *kgo.Record) dispatch.Result {
	env, err := a.normalizeRecord(rec)
	if err != nil {
		return dispatch.Result{Outcome: domain.OutcomeRejected, Kind: env.EventType, Err: fmt.Errorf("%w: %v", event.ErrMalformedPayload, err)}
	}
	return a.handler.Handle(ctx, env)
}

// handleAcks commits every record whose outcome is final. A record whose
// dispatch was cut short by shutdown stays uncommitted and is redelivered.
// It returns when ctx is done or acks is closed.
func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack, ok := <-a.acks:
			if !ok {
				return
			}
			if ack.record == nil {
				continue
			}
			res := ack.result
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				continue
			}
			if !res.Handled() {
				a.log.Warn("record not applied",
					zap.String("ref", recordRef(ack.record)),
					zap.String("kind", res.Kind),
					zap.String("outcome", res.Outcome.String()),
					zap.Error(res.Err))
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("commit offsets", zap.Error(err))
			}
		}
	}
}

func recordRef(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (domain.EventEnvelope, error) {
	var env domain.EventEnvelope
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		decoded, err := parseJSONEnvelope(rec.Value)
		if err != nil {
			return env, err
		}
		env = decoded
	case ParseModeHeader:
		env = parseHeaders(rec)
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return env, errors.New("custom mapper not configured")
		}
		decoded, err := a.cfg.CustomMapper.MapKafkaRecord(rec)
		if err != nil {
			return env, err
		}
		env = decoded
	default:
		return env, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	env.Source = "kafka"
	env.SourceRef = recordRef(rec)
	if env.ReceivedAtUTC.IsZero() {
		env.ReceivedAtUTC = time.Now().UTC()
	}
	if env.PartitionKey == "" {
		env.PartitionKey = event.RoutingKey(env.Payload)
	}
	return env, validateEnvelope(env)
}

func parseJSONEnvelope(payload []byte) (domain.EventEnvelope, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(payload, &in); err != nil {
		return domain.EventEnvelope{}, fmt.Errorf("parse json envelope: %w", err)
	}
	et := time.Now().UTC()
	if in.EventTimeUTC != "" {
		parsed, err := time.Parse(time.RFC3339Nano, in.EventTimeUTC)
		if err != nil {
			return domain.EventEnvelope{}, fmt.Errorf("parse event_time_utc: %w", err)
		}
		et = parsed.UTC()
	}
	return domain.EventEnvelope{
		EventID:        in.EventID,
		EventType:      in.EventType,
		EventTimeUTCNs: et.UnixNano(),
		Payload:        append([]byte(nil), in.Payload...),
		Metadata:       in.Metadata,
	}, nil
}

// parseHeaders reads the discriminator from record headers and takes the
// record value as the raw payload.
func parseHeaders(rec *kgo.Record) domain.EventEnvelope {
	env := domain.EventEnvelope{
		Payload:  append([]byte(nil), rec.Value...),
		Metadata: map[string]string{},
	}
	for _, h := range rec.Headers {
		switch h.Key {
		case HeaderEventType:
			env.EventType = string(h.Value)
		case HeaderEventID:
			env.EventID = string(h.Value)
		default:
			env.Metadata[h.Key] = string(h.Value)
		}
	}
	if !rec.Timestamp.IsZero() {
		env.EventTimeUTCNs = rec.Timestamp.UTC().UnixNano()
	}
	if len(rec.Key) > 0 {
		env.PartitionKey = string(rec.Key)
	}
	return env
}

func validateEnvelope(env domain.EventEnvelope) error {
	if strings.TrimSpace(env.EventType) == "" {
		return errors.New("event_type is required")
	}
	if len(env.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

func (a *Adapter) maybePause(lane chan *kgo.Record) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(lane) < cap(lane) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume(lane chan *kgo.Record) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(lane) > cap(lane)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}

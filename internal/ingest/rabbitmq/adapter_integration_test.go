package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"topologyd/internal/dispatch"
	"topologyd/internal/domain"
	"topologyd/internal/event"

	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type recordingHandler struct {
	mu      sync.Mutex
	applied []domain.EventEnvelope
	next    Handler
	gate    chan struct{}
}

func (r *recordingHandler) Handle(ctx context.Context, e domain.EventEnvelope) dispatch.Result {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.applied = append(r.applied, e)
	r.mu.Unlock()
	if r.next != nil {
		return r.next.Handle(ctx, e)
	}
	return dispatch.Result{Outcome: domain.OutcomeHandled}
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	cleanup := func() { _ = c.Terminate(ctx) }
	return url, cleanup
}

func publish(t *testing.T, ch *amqp091.Channel, exchange, key string, ev event.Event) {
	t.Helper()
	kind, body, err := event.Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	msg := amqp091.Publishing{ContentType: "application/json", Type: string(kind), Body: body}
	if err := ch.PublishWithContext(context.Background(), exchange, key, false, false, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func openChannel(t *testing.T, url string) (*amqp091.Connection, *amqp091.Channel) {
	t.Helper()
	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		t.Fatalf("channel: %v", err)
	}
	return conn, ch
}

func TestAdapterIntegration_AppliesAndDeadLettersRejected(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	d := dispatch.New(nil, nil)
	handler := &recordingHandler{next: d}
	cfg := Config{Enabled: true, URL: url, Exchange: "topology.events", Queue: "topologyd.ingest", RoutingKeys: []string{"topology.*"}, ConsumerTag: "topologyd-it", PrefetchCount: 4, ManualAck: true, Workers: 2, DeliveryQueue: 32}
	adapter, err := NewAdapter(cfg, handler, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	publish(t, ch, cfg.Exchange, "topology.service", &event.ServiceCreated{ServiceRef: event.ServiceRef{ServiceName: "S1"}})
	publish(t, ch, cfg.Exchange, "topology.cluster", &event.ClusterCreated{ClusterRef: event.ClusterRef{ServiceName: "S1", ClusterID: "C1"}})
	publish(t, ch, cfg.Exchange, "topology.member", &event.MemberStarted{MemberRef: event.MemberRef{ServiceName: "S1", ClusterID: "C1", MemberID: "M1"}})

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) && handler.count() < 3 {
		time.Sleep(50 * time.Millisecond)
	}
	if handler.count() < 3 {
		t.Fatalf("expected 3 deliveries, got %d", handler.count())
	}
	if _, ok := d.Snapshot().Topology.Cluster("S1", "C1"); !ok {
		t.Fatalf("cluster C1 not applied")
	}

	out, err := ch.Consume(cfg.Queue, "verify-empty", false, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume verify queue: %v", err)
	}
	select {
	case dl := <-out:
		_ = dl.Nack(false, true)
		t.Fatalf("expected rejected member-started to be dropped, not requeued")
	case <-time.After(700 * time.Millisecond):
	}
}

func TestAdapterIntegration_BackpressurePrefetchOne(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	handler := &recordingHandler{gate: make(chan struct{})}
	cfg := Config{Enabled: true, URL: url, Exchange: "topology.events2", Queue: "topologyd.prefetch", RoutingKeys: []string{"topology.prefetch"}, ConsumerTag: "topologyd-prefetch", PrefetchCount: 1, ManualAck: true, Workers: 1, DeliveryQueue: 1}
	adapter, err := NewAdapter(cfg, handler, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	publish(t, ch, cfg.Exchange, "topology.prefetch", &event.ServiceCreated{ServiceRef: event.ServiceRef{ServiceName: "one"}})
	publish(t, ch, cfg.Exchange, "topology.prefetch", &event.ServiceCreated{ServiceRef: event.ServiceRef{ServiceName: "two"}})

	time.Sleep(400 * time.Millisecond)
	if got := handler.count(); got != 0 {
		t.Fatalf("expected handler blocked, got %d", got)
	}
	handler.gate <- struct{}{}
	time.Sleep(200 * time.Millisecond)
	if got := handler.count(); got != 1 {
		t.Fatalf("expected one dispatched delivery with prefetch=1, got %d", got)
	}
	close(handler.gate)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if handler.count() >= 2 {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("expected second delivery after first ack, got %d", handler.count())
}

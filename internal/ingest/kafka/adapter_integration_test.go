package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"topologyd/internal/dispatch"
	"topologyd/internal/event"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestKafkaContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("topology"))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	script := []event.Event{
		&event.ServiceCreated{ServiceRef: event.ServiceRef{ServiceName: "S1"}, ServiceType: "php"},
		&event.ClusterCreated{ClusterRef: event.ClusterRef{ServiceName: "S1", ClusterID: "C1"}},
	}
	for i, ev := range script {
		kind, body, err := event.Encode(ev)
		if err != nil {
			t.Fatal(err)
		}
		rec := &kgo.Record{
			Topic: "topology",
			Key:   []byte("S1"),
			Value: body,
			Headers: []kgo.RecordHeader{
				{Key: HeaderEventType, Value: []byte(kind)},
				{Key: HeaderEventID, Value: []byte(fmt.Sprintf("e%d", i))},
			},
		}
		if err := producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}

	d := dispatch.New(nil, nil)
	adapter, err := NewAdapter(Config{Enabled: true, Brokers: []string{broker}, Topics: []string{"topology"}, GroupID: "topologyd-it", ParseMode: ParseModeHeader}, d, nil, nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	consumeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	go func() { _ = adapter.Start(consumeCtx) }()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-consumeCtx.Done():
			t.Fatalf("timed out waiting for consumed events")
		case <-ticker.C:
			if _, ok := d.Snapshot().Topology.Cluster("S1", "C1"); ok {
				return
			}
		}
	}
}

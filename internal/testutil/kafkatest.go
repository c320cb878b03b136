//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/redpanda"
)

// KafkaTest returns a seed broker address. KAFKA_BROKERS selects an existing
// cluster; otherwise a Redpanda container is started.
func KafkaTest(t *testing.T) string {
	t.Helper()

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		return brokers
	}

	ctx := context.Background()
	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.2.4")
	if err != nil {
		t.Fatalf("kafkatest: start redpanda container: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(ctx)
	})

	broker, err := container.KafkaSeedBroker(ctx)
	if err != nil {
		t.Fatalf("kafkatest: seed broker: %v", err)
	}
	return broker
}

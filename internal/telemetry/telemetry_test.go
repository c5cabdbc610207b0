package telemetry

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestResourceCarriesServiceAttributes(t *testing.T) {
	res := Resource("checkout", "1.2.3")

	found := map[string]string{}
	for _, kv := range res.Attributes() {
		found[string(kv.Key)] = kv.Value.AsString()
	}
	if found[string(semconv.ServiceNameKey)] != "checkout" {
		t.Fatalf("expected service name, got %v", found)
	}
	if found[string(semconv.ServiceVersionKey)] != "1.2.3" {
		t.Fatalf("expected service version, got %v", found)
	}
}

func TestInitMeterProviderRegistersOnRegistry(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	reg := prometheus.NewRegistry()
	shutdown, err := InitMeterProvider("checkout", "test", reg)
	if err != nil {
		t.Fatalf("init meter provider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := otel.Meter("telemetry_test").Int64Counter("checkout_probe")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "checkout_probe_total" {
			return
		}
	}
	t.Fatalf("expected checkout_probe_total among %d families", len(families))
}

func TestOpenDBWrapsDriver(t *testing.T) {
	mockDB, _, err := sqlmock.NewWithDSN("sqlmock_telemetry")
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })

	db, err := OpenDB("sqlmock", "sqlmock_telemetry")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMeterProvider bridges OTel instruments (otelhttp, otelsql, redisotel)
// into registerer so they are scraped alongside the service collectors.
func InitMeterProvider(serviceName, serviceVersion string, registerer prometheus.Registerer) (func(context.Context) error, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registerer))
	if err != nil {
		return nil, err
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(Resource(serviceName, serviceVersion)),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

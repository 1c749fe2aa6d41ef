package telemetry

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitTelemetry wires business metrics, Go runtime metrics and pool gauges
// onto the given meter provider.
func InitTelemetry(provider *metric.MeterProvider, pool *pgxpool.Pool) error {
	if err := InitBusinessMetrics(provider); err != nil {
		return err
	}

	if err := runtime.Start(
		runtime.WithMeterProvider(provider),
		runtime.WithMinimumReadMemStatsInterval(15 * time.Second),
	); err != nil {
		return err
	}

	meter := provider.Meter("db_pool")

	poolAcquired, err := meter.Int64ObservableGauge("db.pool.acquired_connections",
		api.WithDescription("Number of currently acquired pool connections"))
	if err != nil {
		return err
	}

	poolIdle, err := meter.Int64ObservableGauge("db.pool.idle_connections",
		api.WithDescription("Number of currently idle pool connections"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o api.Observer) error {
		stat := pool.Stat()
		o.ObserveInt64(poolAcquired, int64(stat.AcquiredConns()))
		o.ObserveInt64(poolIdle, int64(stat.IdleConns()))
		return nil
	}, poolAcquired, poolIdle)

	return err
}

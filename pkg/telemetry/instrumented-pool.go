package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// slowQueryThreshold flags queries worth a log line. Pipeline queries
// are expected to stay in single-digit milliseconds.
const slowQueryThreshold = 250 * time.Millisecond

// InstrumentedPool wraps the pgx pool so every bill, catalog, and shop
// query reports its duration. Begin is passed through untimed; the
// statements inside a transaction report individually.
type InstrumentedPool struct {
	*pgxpool.Pool
	queryDuration api.Float64Histogram
	txTotal       api.Int64Counter
}

func NewInstrumentedPool(provider *metric.MeterProvider, pool *pgxpool.Pool) (*InstrumentedPool, error) {
	meter := provider.Meter("db_queries")

	queryDuration, err := meter.Float64Histogram(
		"db.query_duration",
		api.WithDescription("Duration of database queries in milliseconds."),
	)
	if err != nil {
		slog.Error("Error creating query_duration histogram", slog.String("error", err.Error()))
		return nil, err
	}

	txTotal, err := meter.Int64Counter(
		"db.transactions_total",
		api.WithDescription("Number of transactions opened, finalization and promotion mostly."),
	)
	if err != nil {
		slog.Error("Error creating transactions_total counter", slog.String("error", err.Error()))
		return nil, err
	}

	return &InstrumentedPool{
		Pool:          pool,
		queryDuration: queryDuration,
		txTotal:       txTotal,
	}, nil
}

func (ip *InstrumentedPool) record(ctx context.Context, sql string, start time.Time) {
	elapsed := time.Since(start)
	ip.queryDuration.Record(ctx, float64(elapsed.Milliseconds()))
	if elapsed > slowQueryThreshold {
		slog.Warn("Slow query",
			slog.String("sql", sql),
			slog.Duration("elapsed", elapsed))
	}
}

func (ip *InstrumentedPool) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := ip.Pool.Exec(ctx, sql, args...)
	ip.record(ctx, sql, start)
	return tag, err
}

func (ip *InstrumentedPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := ip.Pool.Query(ctx, sql, args...)
	ip.record(ctx, sql, start)
	return rows, err
}

func (ip *InstrumentedPool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	row := ip.Pool.QueryRow(ctx, sql, args...)
	ip.record(ctx, sql, start)
	return row
}

func (ip *InstrumentedPool) Begin(ctx context.Context) (pgx.Tx, error) {
	ip.txTotal.Add(ctx, 1)
	return ip.Pool.Begin(ctx)
}

package telemetry

import (
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Business metrics for application-level monitoring
var (
	// Pipeline metrics
	BillsProcessedTotal   api.Int64Counter
	BillsInProcessing     api.Int64UpDownCounter
	PipelineDuration      api.Float64Histogram
	PipelineErrorsTotal   api.Int64Counter
	ItemConfidenceScores  api.Float64Histogram
	ValidationMismatches  api.Int64Counter
	DedupShortCircuits    api.Int64Counter
	StaleProcessingResets api.Int64Counter

	// Catalog metrics
	AliasExactHits        api.Int64Counter
	AliasFuzzyBinds       api.Int64Counter
	CandidateConfirmation api.Int64Counter
	CandidatePromotions   api.Int64Counter

	// Error tracking
	ApplicationErrorsTotal api.Int64Counter
	DatabaseErrorsTotal    api.Int64Counter
)

// InitBusinessMetrics initializes all business-level metrics
func InitBusinessMetrics(provider *metric.MeterProvider) error {
	meter := provider.Meter("business")

	var err error

	BillsProcessedTotal, err = meter.Int64Counter("pipeline.bills.processed.total",
		api.WithDescription("Total bills processed by terminal status"))
	if err != nil {
		return err
	}

	BillsInProcessing, err = meter.Int64UpDownCounter("pipeline.bills.in_processing",
		api.WithDescription("Number of bills currently in the processing state"))
	if err != nil {
		return err
	}

	PipelineDuration, err = meter.Float64Histogram("pipeline.duration_seconds",
		api.WithDescription("End-to-end duration of one pipeline run"))
	if err != nil {
		return err
	}

	PipelineErrorsTotal, err = meter.Int64Counter("pipeline.errors.total",
		api.WithDescription("Total pipeline runs ending in the error state by cause"))
	if err != nil {
		return err
	}

	ItemConfidenceScores, err = meter.Float64Histogram("pipeline.item.confidence",
		api.WithDescription("Per-item confidence scores after product resolution"))
	if err != nil {
		return err
	}

	ValidationMismatches, err = meter.Int64Counter("pipeline.validation.mismatches.total",
		api.WithDescription("Total bills whose item sum deviated from the declared total"))
	if err != nil {
		return err
	}

	DedupShortCircuits, err = meter.Int64Counter("pipeline.dedup.short_circuits.total",
		api.WithDescription("Total process calls answered from a prior completed bill"))
	if err != nil {
		return err
	}

	StaleProcessingResets, err = meter.Int64Counter("pipeline.stale.resets.total",
		api.WithDescription("Total bills reset out of a stuck processing state"))
	if err != nil {
		return err
	}

	AliasExactHits, err = meter.Int64Counter("catalog.alias.exact_hits.total",
		api.WithDescription("Total exact alias matches during product resolution"))
	if err != nil {
		return err
	}

	AliasFuzzyBinds, err = meter.Int64Counter("catalog.alias.fuzzy_binds.total",
		api.WithDescription("Total new aliases created from fuzzy matches"))
	if err != nil {
		return err
	}

	CandidateConfirmation, err = meter.Int64Counter("catalog.candidate.confirmations.total",
		api.WithDescription("Total candidate confirmation increments"))
	if err != nil {
		return err
	}

	CandidatePromotions, err = meter.Int64Counter("catalog.candidate.promotions.total",
		api.WithDescription("Total candidates promoted into the product index"))
	if err != nil {
		return err
	}

	ApplicationErrorsTotal, err = meter.Int64Counter("application.errors.total",
		api.WithDescription("Total application errors by component"))
	if err != nil {
		return err
	}

	DatabaseErrorsTotal, err = meter.Int64Counter("database.errors.total",
		api.WithDescription("Total database errors by operation"))
	if err != nil {
		return err
	}

	return nil
}

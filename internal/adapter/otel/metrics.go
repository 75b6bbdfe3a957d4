package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mendforge"

// Metrics holds all MendForge metric instruments.
type Metrics struct {
	RunsStarted       metric.Int64Counter
	RunsCompleted     metric.Int64Counter
	RunsFailed        metric.Int64Counter
	RunsHealed        metric.Int64Counter
	ProposalsCreated  metric.Int64Counter
	ProposalsApplied  metric.Int64Counter
	ProposalsRejected metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	RunDuration       metric.Float64Histogram
	ResolveDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("mendforge.runs.started",
		metric.WithDescription("Number of test runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("mendforge.runs.completed",
		metric.WithDescription("Number of test runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("mendforge.runs.failed",
		metric.WithDescription("Number of test runs failed"))
	if err != nil {
		return nil, err
	}

	m.RunsHealed, err = meter.Int64Counter("mendforge.runs.healed",
		metric.WithDescription("Number of runs recovered through healing"))
	if err != nil {
		return nil, err
	}

	m.ProposalsCreated, err = meter.Int64Counter("mendforge.proposals.created",
		metric.WithDescription("Number of healing proposals created"))
	if err != nil {
		return nil, err
	}

	m.ProposalsApplied, err = meter.Int64Counter("mendforge.proposals.applied",
		metric.WithDescription("Number of healing proposals applied"))
	if err != nil {
		return nil, err
	}

	m.ProposalsRejected, err = meter.Int64Counter("mendforge.proposals.rejected",
		metric.WithDescription("Number of healing proposals rejected"))
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("mendforge.queue.depth",
		metric.WithDescription("Current scheduler queue depth"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("mendforge.run.duration_seconds",
		metric.WithDescription("Test run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ResolveDuration, err = meter.Float64Histogram("mendforge.resolve.duration_seconds",
		metric.WithDescription("Locator resolution duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

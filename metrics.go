package testserver

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/kurakura967/go-elasticsearch-testserver"

// instruments records what the supervisor and the control-plane client do.
type instruments struct {
	startupDuration metric.Float64Histogram
	outputLines     metric.Int64Counter
	requests        metric.Int64Counter
	bulkDocuments   metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	meter := mp.Meter(instrumentationName)

	var (
		in  instruments
		err error
	)
	if in.startupDuration, err = meter.Float64Histogram(
		"testserver.startup.duration",
		metric.WithDescription("Time from process launch until the server reported it started"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if in.outputLines, err = meter.Int64Counter(
		"testserver.output.lines",
		metric.WithDescription("Lines read from the server's combined output"),
	); err != nil {
		return nil, err
	}
	if in.requests, err = meter.Int64Counter(
		"testserver.requests",
		metric.WithDescription("Control-plane requests sent to the server"),
	); err != nil {
		return nil, err
	}
	if in.bulkDocuments, err = meter.Int64Counter(
		"testserver.bulk.documents",
		metric.WithDescription("Documents sent through the Bulk API"),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *instruments) recordStartup(ctx context.Context, seconds float64, outcome string) {
	in.startupDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (in *instruments) recordRequest(ctx context.Context, op string, status int) {
	in.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Int("status", status),
	))
}

package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all broker metrics instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	TaskCreateDuration   metric.Float64Histogram
	QueueClaimDuration   metric.Float64Histogram
	QueueDepth           metric.Int64UpDownCounter
	LeaseExpired         metric.Int64Counter
	StreamAppendDuration metric.Float64Histogram
	SSESubscribers       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskbroker.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskCreateDuration, err = meter.Float64Histogram("taskbroker.task.create.duration",
		metric.WithDescription("CreateTask end-to-end duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueClaimDuration, err = meter.Float64Histogram("taskbroker.queue.claim.duration",
		metric.WithDescription("Claim long-poll round duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("taskbroker.queue.depth",
		metric.WithDescription("Current number of pending entries in the FIFO queue"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseExpired, err = meter.Int64Counter("taskbroker.lease.expired",
		metric.WithDescription("Total leases reclaimed after expiry"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamAppendDuration, err = meter.Float64Histogram("taskbroker.stream.append.duration",
		metric.WithDescription("AppendEvent duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SSESubscribers, err = meter.Int64UpDownCounter("taskbroker.sse.subscribers",
		metric.WithDescription("Number of currently connected SSE subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all NanoClaw metric instruments.
type Metrics struct {
	MessagesStored    metric.Int64Counter
	RepliesSent       metric.Int64Counter
	SendErrors        metric.Int64Counter
	TransportErrors   metric.Int64Counter
	TransportRestarts metric.Int64Counter
	PollCycleDuration metric.Float64Histogram
	ProcessDuration   metric.Float64Histogram
	TaskRunDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesStored, err = meter.Int64Counter("nanoclaw.messages.stored",
		metric.WithDescription("Messages written to the conversation ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.RepliesSent, err = meter.Int64Counter("nanoclaw.replies.sent",
		metric.WithDescription("Replies delivered to chat platforms"),
	)
	if err != nil {
		return nil, err
	}

	m.SendErrors, err = meter.Int64Counter("nanoclaw.send.errors",
		metric.WithDescription("Outbound delivery failures"),
	)
	if err != nil {
		return nil, err
	}

	m.TransportErrors, err = meter.Int64Counter("nanoclaw.transport.errors",
		metric.WithDescription("Network-level errors observed on platform connections"),
	)
	if err != nil {
		return nil, err
	}

	m.TransportRestarts, err = meter.Int64Counter("nanoclaw.transport.restarts",
		metric.WithDescription("Platform connection restarts triggered by the resilience guard"),
	)
	if err != nil {
		return nil, err
	}

	m.PollCycleDuration, err = meter.Float64Histogram("nanoclaw.poll.duration",
		metric.WithDescription("Ledger poll cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessDuration, err = meter.Float64Histogram("nanoclaw.process.duration",
		metric.WithDescription("Per-message processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunDuration, err = meter.Float64Histogram("nanoclaw.task.duration",
		metric.WithDescription("Scheduled task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

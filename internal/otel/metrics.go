package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all daemon metric instruments.
type Metrics struct {
	DispatchDuration metric.Float64Histogram
	DispatchesTotal  metric.Int64Counter
	QueueCorrupt     metric.Int64Counter
	QueueRecovered   metric.Int64Counter
	HeartbeatsSent   metric.Int64Counter
	SchedulerFired   metric.Int64Counter
	SchedulerErrors  metric.Int64Counter
	InboundMessages  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("dispatchd.dispatch.duration",
		metric.WithDescription("Message dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchesTotal, err = meter.Int64Counter("dispatchd.dispatch.count",
		metric.WithDescription("Settled dispatches by status"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueCorrupt, err = meter.Int64Counter("dispatchd.queue.corrupt",
		metric.WithDescription("Incoming entries moved to the errors partition"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRecovered, err = meter.Int64Counter("dispatchd.queue.recovered",
		metric.WithDescription("Claimed entries recovered at startup"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatsSent, err = meter.Int64Counter("dispatchd.heartbeat.sent",
		metric.WithDescription("Heartbeat messages synthesized"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerFired, err = meter.Int64Counter("dispatchd.scheduler.fired",
		metric.WithDescription("Scheduled tasks enqueued"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerErrors, err = meter.Int64Counter("dispatchd.scheduler.errors",
		metric.WithDescription("Scheduler tick errors"),
	)
	if err != nil {
		return nil, err
	}

	m.InboundMessages, err = meter.Int64Counter("dispatchd.channel.inbound",
		metric.WithDescription("External messages accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

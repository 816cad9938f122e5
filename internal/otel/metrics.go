package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the coordinator's metric instruments.
type Metrics struct {
	TickDuration     metric.Float64Histogram
	AgentsProcessed  metric.Int64Counter
	AgentsSkipped    metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	TasksExecuted    metric.Int64Counter
	ExchangeFailures metric.Int64Counter
	QueueClaims      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("agentpulse.tick.duration",
		metric.WithDescription("Scheduler tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsProcessed, err = meter.Int64Counter("agentpulse.agents.processed",
		metric.WithDescription("Agents fully processed per tick"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsSkipped, err = meter.Int64Counter("agentpulse.agents.skipped",
		metric.WithDescription("Agents skipped due to credential or exchange failures"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentpulse.task.duration",
		metric.WithDescription("Scheduled task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksExecuted, err = meter.Int64Counter("agentpulse.tasks.executed",
		metric.WithDescription("Scheduled task executions"),
	)
	if err != nil {
		return nil, err
	}

	m.ExchangeFailures, err = meter.Int64Counter("agentpulse.exchange.failures",
		metric.WithDescription("Token exchange failures by step"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueClaims, err = meter.Int64Counter("agentpulse.queue.claims",
		metric.WithDescription("Handoff queue entries claimed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

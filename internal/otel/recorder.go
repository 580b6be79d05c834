package otel

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/dispatchd/internal/bus"
)

// recorderPrefixes are the bus topic prefixes the recorder consumes.
var recorderPrefixes = []string{"dispatch.", "queue.", "heartbeat.", "scheduler.", "channel."}

// Recorder folds bus events into metric instruments so the dispatch
// path never touches telemetry directly.
type Recorder struct {
	metrics *Metrics
	events  *bus.Bus
	logger  *slog.Logger

	subs []*bus.Subscription
	wg   sync.WaitGroup
}

func NewRecorder(m *Metrics, events *bus.Bus, logger *slog.Logger) *Recorder {
	return &Recorder{
		metrics: m,
		events:  events,
		logger:  logger.With("component", "metrics"),
	}
}

// Start subscribes to the instrumented topics and consumes events until
// ctx is canceled or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	for _, prefix := range recorderPrefixes {
		sub := r.events.Subscribe(prefix)
		r.subs = append(r.subs, sub)
		r.wg.Add(1)
		go r.consume(ctx, sub)
	}
	r.logger.Debug("metrics recorder started", "topics", len(r.subs))
}

// Stop unsubscribes and waits for the consumers to drain.
func (r *Recorder) Stop() {
	for _, sub := range r.subs {
		r.events.Unsubscribe(sub)
	}
	r.wg.Wait()
}

func (r *Recorder) consume(ctx context.Context, sub *bus.Subscription) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev bus.Event) {
	ctx := context.Background()
	switch ev.Topic {
	case bus.TopicDispatchCompleted, bus.TopicDispatchFailed, bus.TopicDispatchSuppressed, bus.TopicDispatchDropped:
		payload, ok := ev.Payload.(bus.DispatchEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(
			AttrAgentID.String(payload.AgentID),
			AttrStatus.String(strings.TrimPrefix(ev.Topic, "dispatch.")),
		)
		r.metrics.DispatchesTotal.Add(ctx, 1, attrs)
		// Dropped messages never ran; their zero duration would skew the
		// histogram.
		if ev.Topic != bus.TopicDispatchDropped {
			r.metrics.DispatchDuration.Record(ctx, payload.Duration.Seconds(), attrs)
		}

	case bus.TopicQueueCorrupt:
		r.metrics.QueueCorrupt.Add(ctx, 1)

	case bus.TopicQueueRecovered:
		if payload, ok := ev.Payload.(bus.QueueRecoveredEvent); ok {
			r.metrics.QueueRecovered.Add(ctx, int64(payload.Count))
		}

	case bus.TopicHeartbeatSent:
		if payload, ok := ev.Payload.(bus.HeartbeatEvent); ok {
			r.metrics.HeartbeatsSent.Add(ctx, 1,
				metric.WithAttributes(AttrAgentID.String(payload.AgentID)))
		}

	case bus.TopicSchedulerRun:
		if payload, ok := ev.Payload.(bus.SchedulerRunEvent); ok {
			r.metrics.SchedulerFired.Add(ctx, int64(payload.Executed))
			r.metrics.SchedulerErrors.Add(ctx, int64(payload.Errors))
		}

	case bus.TopicChannelInbound:
		if payload, ok := ev.Payload.(bus.ChannelInboundEvent); ok {
			r.metrics.InboundMessages.Add(ctx, 1,
				metric.WithAttributes(AttrAgentID.String(payload.AgentID)))
		}
	}
}

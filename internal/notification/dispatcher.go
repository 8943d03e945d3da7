package notification

import (
	"context"

	"go.uber.org/zap"
)

// Dispatcher publishes events without blocking the caller on delivery.
// Implementations never return errors and never retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt Event)
}

type NoOpDispatcher struct{}

func (NoOpDispatcher) Dispatch(context.Context, Event) {}

// LogDispatcher writes events to the log. It is used when no brokers are
// configured.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.Named("notification.log")}
}

func (d *LogDispatcher) Dispatch(_ context.Context, evt Event) {
	d.log.Info("event dispatched",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("tenant_id", evt.TenantID),
		zap.String("subject_id", evt.SubjectID),
		zap.String("correlation_id", evt.CorrelationID),
	)
}

// Recorder keeps dispatched events in memory for tests.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Dispatch(_ context.Context, evt Event) {
	select {
	case r.ch <- evt:
	default:
	}
}

// Events drains what has been recorded so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case evt := <-r.ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

// Types drains the recorder and returns the event types in dispatch order.
func (r *Recorder) Types() []string {
	events := r.Events()
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

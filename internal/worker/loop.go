package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"annotation-service/internal/bus"
	"annotation-service/internal/telemetry"
)

// ErrRetryLater signals an expected not-yet-ready condition: the message is
// left for redelivery without being counted or logged as a failure.
var ErrRetryLater = errors.New("retry later")

// Handler processes one message. Return nil to acknowledge it, ErrRetryLater
// to requeue quietly, any other error to requeue with a failure log. Handlers
// must assume the same message may be processed twice, concurrently or in
// sequence.
type Handler func(ctx context.Context, msg bus.Message) error

// Loop is a long-running single-purpose consumer: it long-polls one queue and
// feeds each message to one handler, isolating per-message failures so a bad
// message never stops the poll. Multiple instances of the same loop are safe
// without coordination; redelivery and conditional metadata writes carry the
// correctness.
type Loop struct {
	source  Source
	handler Handler
	batch   int
	wait    time.Duration
}

// NewLoop builds a consumer loop with the given batch size and long-poll
// wait.
func NewLoop(source Source, handler Handler, batch int, wait time.Duration) *Loop {
	if batch <= 0 {
		batch = 10
	}
	if wait <= 0 {
		wait = 20 * time.Second
	}
	return &Loop{source: source, handler: handler, batch: batch, wait: wait}
}

// Run polls until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	queue := l.source.Name()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := l.source.Receive(ctx, l.batch, l.wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("queue %s: receive: %v", queue, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if d, ok := l.source.(interface {
			Depth(context.Context) (int64, error)
		}); ok {
			if depth, err := d.Depth(ctx); err == nil {
				telemetry.QueueDepthGauge.WithLabelValues(queue).Set(float64(depth))
			}
		}

		for _, msg := range msgs {
			err := l.handler(ctx, msg)
			switch {
			case err == nil:
				if err := l.source.Ack(ctx, msg); err != nil {
					// The message will come back; the handler must be
					// idempotent anyway.
					log.Printf("queue %s: ack %s: %v", queue, msg.ID, err)
				}
			case errors.Is(err, ErrRetryLater):
				log.Printf("queue %s: message %s not ready, leaving for redelivery", queue, msg.ID)
			default:
				telemetry.HandlerFailures.WithLabelValues(queue).Inc()
				log.Printf("queue %s: message %s failed, leaving for redelivery: %v", queue, msg.ID, err)
			}
		}
	}
}

package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 5 * time.Second

type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Dispatcher hands events to every sink in the background. A failing or slow
// sink is logged and never reaches the caller.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var active []Sink
	for _, sink := range sinks {
		if sink != nil {
			active = append(active, sink)
		}
	}
	return &Dispatcher{sinks: active, timeout: timeout}
}

func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	base := context.WithoutCancel(ctx)
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Sink) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("sink", sink.Name()).Msg("notification sink panicked")
				}
			}()
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := sink.Send(sendCtx, event); err != nil {
				log.Warn().
					Err(err).
					Str("sink", sink.Name()).
					Str("event", event.Type).
					Str("subject_id", event.SubjectID).
					Msg("notification delivery failed")
			}
		}(sink)
	}
}

// Wait blocks until every queued delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

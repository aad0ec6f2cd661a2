package store

import (
	"context"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// Async queues writes to a Store and applies them in order on one goroutine.
// Failures are logged and never reach the caller. A nil *Async is a no-op.
type Async struct {
	store Store
	queue chan func(context.Context) error
}

func NewAsync(s Store, buffer int) *Async {
	if s == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Async{store: s, queue: make(chan func(context.Context) error, buffer)}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (a *Async) Run(ctx context.Context) {
	if a == nil {
		return
	}
	for {
		select {
		case job := <-a.queue:
			a.apply(job)
		case <-ctx.Done():
			for {
				select {
				case job := <-a.queue:
					a.apply(job)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) apply(job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := job(ctx); err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("write failed")
	}
}

func (a *Async) enqueue(job func(context.Context) error) {
	if a == nil {
		return
	}
	select {
	case a.queue <- job:
	default:
		log.Warn().Str("module", "store").Msg("write queue full, dropping record")
	}
}

func (a *Async) MeetingCreated(id domain.MeetingID, at time.Time) {
	a.enqueue(func(ctx context.Context) error { return a.store.MeetingCreated(ctx, id, at) })
}

func (a *Async) ParticipantJoined(id domain.MeetingID, p domain.Participant, at time.Time) {
	a.enqueue(func(ctx context.Context) error { return a.store.ParticipantJoined(ctx, id, p, at) })
}

func (a *Async) ParticipantLeft(id domain.MeetingID, pid domain.ParticipantID, at time.Time) {
	a.enqueue(func(ctx context.Context) error { return a.store.ParticipantLeft(ctx, id, pid, at) })
}

func (a *Async) ChatPosted(id domain.MeetingID, c ChatRecord) {
	a.enqueue(func(ctx context.Context) error { return a.store.ChatPosted(ctx, id, c) })
}

func (a *Async) MeetingEnded(id domain.MeetingID, at time.Time) {
	a.enqueue(func(ctx context.Context) error { return a.store.MeetingEnded(ctx, id, at) })
}

// Store exposes the underlying store for reads.
func (a *Async) Store() Store {
	if a == nil {
		return nil
	}
	return a.store
}

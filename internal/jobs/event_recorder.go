package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flexstake/flexstake-backend/internal/engine"
	"github.com/flexstake/flexstake-backend/internal/repository"
	"github.com/flexstake/flexstake-backend/internal/store"
)

// EventRecorder is the engine's event sink: it pushes every event onto the
// recent-events ring, publishes it for live stream consumers, invalidates
// the touched account's cached position and persists the event.
//
// Emit must not call back into the engine, so all work runs on a separate
// goroutine fed by a buffered channel.
type EventRecorder struct {
	cache  *store.Cache
	repo   *repository.Repository // optional
	logger *zap.SugaredLogger

	events chan engine.Event
	done   chan struct{}
}

func NewEventRecorder(cache *store.Cache, repo *repository.Repository, logger *zap.SugaredLogger) *EventRecorder {
	return &EventRecorder{
		cache:  cache,
		repo:   repo,
		logger: logger,
		events: make(chan engine.Event, 1024),
		done:   make(chan struct{}),
	}
}

// Emit implements engine.EventSink. A full buffer drops the event from the
// live path; the operation's own log line still records it.
func (r *EventRecorder) Emit(event engine.Event) {
	select {
	case r.events <- event:
	default:
		r.logger.Warnw("Event buffer full, dropping event", "type", event.Type, "id", event.ID)
	}
}

// Start drains the event buffer until ctx ends.
func (r *EventRecorder) Start(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-r.events:
			r.record(event)
		}
	}
}

// Done is closed once the drain loop has exited.
func (r *EventRecorder) Done() <-chan struct{} { return r.done }

func (r *EventRecorder) record(event engine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.cache.PushEvent(ctx, event); err != nil {
		r.logger.Warnw("Failed to push event to ring", "type", event.Type, "error", err)
	}

	if err := r.cache.Publish(ctx, store.ChannelEvents, event); err != nil {
		r.logger.Warnw("Failed to publish event", "type", event.Type, "error", err)
	}

	if event.Account != "" {
		if err := r.cache.InvalidateAccount(ctx, event.Account); err != nil {
			r.logger.Warnw("Failed to invalidate account cache", "account", event.Account, "error", err)
		}
	}

	if r.repo != nil {
		if err := r.repo.StoreEvent(ctx, event); err != nil {
			r.logger.Warnw("Failed to persist event", "type", event.Type, "error", err)
		}
	}
}

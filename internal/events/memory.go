package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// MemoryStore keeps events in process. It is used by tests and by
// deployments without a database.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// InsertEvent implements EventStore.
func (s *MemoryStore) InsertEvent(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the stored events, optionally filtered by topic.
func (s *MemoryStore) Events(topic string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if topic == "" || ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

// LogNotifier writes every event to a logger at info level.
type LogNotifier struct {
	Log zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, event Event) error {
	n.Log.Info().
		Str("event_id", event.ID).
		Str("topic", event.Topic).
		Str("aggregate_id", event.AggregateID).
		RawJSON("payload", event.Payload).
		Msg("domain_event")
	return nil
}

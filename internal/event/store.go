package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gentlabs/gent/internal/store"
)

// ErrSlowConsumer terminates a subscription whose buffer overflowed. The
// subscriber must resubscribe from its last seen id to catch up.
var ErrSlowConsumer = errors.New("event subscriber too slow, dropped")

// DefaultSubscriberBuffer bounds how far a subscriber may fall behind the
// publisher before it is dropped.
const DefaultSubscriberBuffer = 256

// Store is the process-wide append-only event log plus broadcast. Publish
// durably appends through the Storage capability, then fans out to all live
// subscriptions whose filter matches. Publish order is preserved: id
// assignment and fanout happen under one lock.
type Store struct {
	storage store.Storage

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64
	taps    []func(Envelope)

	bufSize int
}

// NewStore creates an event store backed by storage.
func NewStore(storage store.Storage) *Store {
	return &Store{
		storage: storage,
		subs:    make(map[uint64]*Subscription),
		bufSize: DefaultSubscriberBuffer,
	}
}

// Tap registers a process-wide observer invoked synchronously on every
// publish, regardless of session. Used by the wide event aggregator.
// Must be called before any Publish.
func (s *Store) Tap(fn func(Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taps = append(s.taps, fn)
}

// Publish appends ev durably and fans it out. If the durable append fails no
// subscriber sees the event.
func (s *Store) Publish(ctx context.Context, ev Event) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &store.EventRecord{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		BranchID:  ev.BranchID,
		Payload:   ev.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.storage.AppendEvent(ctx, rec); err != nil {
		return Envelope{}, fmt.Errorf("event store append: %w", err)
	}

	env := Envelope{ID: rec.ID, Event: ev, CreatedAt: rec.CreatedAt}

	for _, fn := range s.taps {
		fn(env)
	}

	for id, sub := range s.subs {
		if !sub.filter.Matches(rec) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Buffer full: drop the subscriber rather than block the publisher.
			sub.fail(ErrSlowConsumer)
			delete(s.subs, id)
			slog.Warn("event subscriber dropped", "session", sub.filter.SessionID, "buffered", cap(sub.ch))
		}
	}
	return env, nil
}

// Subscription is a live event stream. Read Events() until it closes, then
// check Err(): nil means Close was called, ErrSlowConsumer means the
// subscriber fell too far behind.
type Subscription struct {
	ch     chan Envelope
	out    chan Envelope
	filter store.EventFilter

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// Events returns the envelope stream: replayed history first, then live
// events, with no duplicates or gaps.
func (sub *Subscription) Events() <-chan Envelope { return sub.out }

// Err reports why the stream ended. Valid after Events() is closed.
func (sub *Subscription) Err() error {
	sub.errMu.Lock()
	defer sub.errMu.Unlock()
	return sub.err
}

// Close terminates the subscription.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() { close(sub.done) })
}

func (sub *Subscription) fail(err error) {
	sub.errMu.Lock()
	if sub.err == nil {
		sub.err = err
	}
	sub.errMu.Unlock()
	sub.Close()
}

// Subscribe returns a stream that replays all persisted events strictly after
// f.AfterID matching the filter, then continues with live events. The replay
// and live phases are seamless: registration happens under the publish lock,
// so every event is delivered exactly once.
func (s *Store) Subscribe(ctx context.Context, f store.EventFilter) (*Subscription, error) {
	sub := &Subscription{
		ch:     make(chan Envelope, s.bufSize),
		out:    make(chan Envelope, s.bufSize),
		filter: f,
		done:   make(chan struct{}),
	}

	// Register under the lock and snapshot the current high-water mark. Live
	// events arriving after this point all have id > snapshot; the replay
	// below covers (AfterID, snapshot].
	s.mu.Lock()
	snapshot, err := s.storage.GetLatestEventID(ctx, f)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("event store subscribe: %w", err)
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		defer close(sub.out)
		defer func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		}()

		if snapshot > f.AfterID {
			recs, err := s.storage.ListEvents(ctx, f)
			if err != nil {
				sub.fail(fmt.Errorf("event replay: %w", err))
				return
			}
			for _, rec := range recs {
				if rec.ID > snapshot {
					break
				}
				env := Envelope{
					ID:        rec.ID,
					Event:     Event{Type: Type(rec.Type), SessionID: rec.SessionID, BranchID: rec.BranchID, Payload: rec.Payload},
					CreatedAt: rec.CreatedAt,
				}
				select {
				case sub.out <- env:
				case <-sub.done:
					return
				case <-ctx.Done():
					sub.fail(ctx.Err())
					return
				}
			}
		}

		for {
			select {
			case env := <-sub.ch:
				if env.ID <= snapshot {
					continue // already replayed
				}
				select {
				case sub.out <- env:
				case <-sub.done:
					return
				case <-ctx.Done():
					sub.fail(ctx.Err())
					return
				}
			case <-sub.done:
				return
			case <-ctx.Done():
				sub.fail(ctx.Err())
				return
			}
		}
	}()

	return sub, nil
}

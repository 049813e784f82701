package eventbus

import (
	"github.com/google/uuid"

	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
)

// backlogSize bounds the per-subscriber buffer: the bus never drops
// events for active subscribers, but a slow subscriber is disconnected
// once its backlog fills.
const backlogSize = 256

// Subscription is a live event stream handle returned by Hub.Subscribe.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Event

	hub  *Hub
	ch   chan Event
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	select {
	case s.hub.unsubscribe <- s:
	case <-s.hub.done:
	}
}

type jobState struct {
	started      Event
	lastProgress *Event
}

// Hub is a single-writer-many-reader broadcast. All mutable state
// (subscriber set, per-base_name job state for catch-up) is owned
// exclusively by the run goroutine; every other method only sends on a
// channel, so there are no locks.
type Hub struct {
	log *logger.Logger

	publishCh   chan Event
	subscribeCh chan chan *Subscription
	unsubscribe chan *Subscription

	done chan struct{}
}

func NewHub(log *logger.Logger) *Hub {
	h := &Hub{
		log:         log.With("component", "EventHub"),
		publishCh:   make(chan Event, 1024),
		subscribeCh: make(chan chan *Subscription),
		unsubscribe: make(chan *Subscription),
		done:        make(chan struct{}),
	}
	go h.run()
	return h
}

// Publish enqueues an event for fan-out. Never blocks the caller beyond
// the hub's own inbound buffer.
func (h *Hub) Publish(ev Event) {
	select {
	case h.publishCh <- ev:
	case <-h.done:
	}
}

// Subscribe registers a new subscriber and delivers the catch-up burst
// synchronously before returning, so the caller never misses an event
// produced after Subscribe returns.
func (h *Hub) Subscribe() *Subscription {
	reply := make(chan *Subscription, 1)
	h.subscribeCh <- reply
	return <-reply
}

// Close stops the hub's owner goroutine. Existing subscriptions' channels
// are closed.
func (h *Hub) Close() {
	close(h.done)
}

func (h *Hub) run() {
	subscribers := make(map[*Subscription]bool)
	active := make(map[slide.BaseName]*jobState)

	for {
		select {
		case <-h.done:
			for s := range subscribers {
				close(s.ch)
			}
			return

		case ev := <-h.publishCh:
			h.applyToState(active, ev)
			for s := range subscribers {
				deliver(s, ev, h.log)
			}

		case reply := <-h.subscribeCh:
			s := &Subscription{
				ID:  uuid.New(),
				hub: h,
				ch:  make(chan Event, backlogSize),
			}
			s.C = s.ch
			for base, st := range active {
				deliver(s, st.started, h.log)
				if st.lastProgress != nil {
					deliver(s, *st.lastProgress, h.log)
				}
				_ = base
			}
			subscribers[s] = true
			reply <- s

		case s := <-h.unsubscribe:
			if subscribers[s] {
				delete(subscribers, s)
				close(s.ch)
			}
		}
	}
}

// applyToState maintains, per base_name, the data a late subscriber needs
// to catch up: the started event and the last progress event. Terminal
// events clear the entry, since catch-up only concerns currently active
// jobs.
func (h *Hub) applyToState(active map[slide.BaseName]*jobState, ev Event) {
	switch ev.Type {
	case TypeStarted:
		active[ev.BaseName] = &jobState{started: ev}
	case TypeProgress:
		if st, ok := active[ev.BaseName]; ok {
			e := ev
			st.lastProgress = &e
		}
	case TypeComplete, TypeCancelled, TypeFailed:
		delete(active, ev.BaseName)
	}
}

// deliver is a non-blocking send; a subscriber whose backlog is full is
// disconnected rather than stalling the publisher.
func deliver(s *Subscription, ev Event, log *logger.Logger) {
	select {
	case s.ch <- ev:
	default:
		log.Warn("disconnecting slow event subscriber", "subscriber_id", s.ID, "event_type", ev.Type)
		// unsubscribe asynchronously: calling s.Close() inline here would
		// deadlock, since it sends to the channel this very goroutine
		// reads from.
		go s.Close()
	}
}

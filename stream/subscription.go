package stream

import (
	"sync"
	"time"
)

// Subscription is one observer's view of the event stream. Events arrive
// on C() until Close is called or the broadcaster shuts down, at which
// point C() is closed.
type Subscription struct {
	id     string
	filter Filter
	limit  int

	mu  sync.Mutex
	buf []Event

	notify chan struct{}
	done   chan struct{}
	out    chan Event

	closeOnce sync.Once
	detach    func(id string)
}

func newSubscription(id string, filter Filter, limit int, detach func(string)) *Subscription {
	sub := &Subscription{
		id:     id,
		filter: filter,
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
		detach: detach,
	}
	go sub.pump()
	return sub
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan Event { return s.out }

// Close unsubscribes the observer and frees all per-observer resources.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.detach != nil {
			s.detach(s.id)
		}
		close(s.done)
	})
}

// close tears down without detaching (the broadcaster already removed us).
func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// enqueue appends an event to the bounded buffer. When the buffer is
// full, the oldest buffered event is discarded and a synthetic
// events_dropped marker takes its place at the front, so the observer
// can tell the stream has a gap. Never blocks.
func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, event)
	} else if s.limit == 1 {
		s.buf[0] = event
	} else {
		if s.buf[0].Type != EventDropped {
			s.buf[0] = Event{
				ExecutionID: s.buf[0].ExecutionID,
				WorkflowID:  s.buf[0].WorkflowID,
				Type:        EventDropped,
				Timestamp:   time.Now(),
			}
		}
		// Drop the oldest real event (just after the marker) to admit
		// the new one.
		copy(s.buf[1:], s.buf[2:])
		s.buf[len(s.buf)-1] = event
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump drains the buffer into the delivery channel in FIFO order.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		event, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}

// next pops the oldest buffered event, if any.
func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return Event{}, false
	}
	event := s.buf[0]
	copy(s.buf, s.buf[1:])
	s.buf = s.buf[:len(s.buf)-1]
	return event, true
}

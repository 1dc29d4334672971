package dsync

import (
	"sync"
	"time"
)

// Event is a sync lifecycle notification. The concrete types are StartEvent,
// ProgressEvent, ConflictEvent, ErrorEvent and CompleteEvent; switch on them.
type Event interface {
	isEvent()
}

// StartEvent is emitted when a drain pass begins.
type StartEvent struct {
	At time.Time
}

// ProgressEvent is emitted after each successfully processed intent.
type ProgressEvent struct {
	RecordID string
	Op       Operation
	Pending  int
}

// ConflictEvent is emitted when a record is parked in conflict.
type ConflictEvent struct {
	RecordID string
	Reason   string
}

// ErrorEvent is emitted for every failed intent and for a fatal abort.
type ErrorEvent struct {
	RecordID   string
	Kind       ErrorKind
	Message    string
	RetryCount int
	// Exhausted is set when the failure spent the intent's last retry.
	Exhausted bool
}

// CompleteEvent is emitted when a drain pass empties the queue.
type CompleteEvent struct {
	Pending int
	At      time.Time
}

func (StartEvent) isEvent()    {}
func (ProgressEvent) isEvent() {}
func (ConflictEvent) isEvent() {}
func (ErrorEvent) isEvent()    {}
func (CompleteEvent) isEvent() {}

// Listener receives sync events. Delivery is synchronous on the drain goroutine.
type Listener interface {
	OnSyncEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) OnSyncEvent(e Event) { f(e) }

// ChannelListener forwards events to a buffered channel, dropping them when the
// buffer is full so a slow reader never stalls the drain.
type ChannelListener struct {
	ch chan Event
}

// NewChannelListener creates a ChannelListener with the given buffer size.
func NewChannelListener(size int) *ChannelListener {
	return &ChannelListener{ch: make(chan Event, size)}
}

func (c *ChannelListener) OnSyncEvent(e Event) {
	select {
	case c.ch <- e:
	default:
	}
}

// C returns the receive side of the channel.
func (c *ChannelListener) C() <-chan Event { return c.ch }

type listenerSet struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]Listener
	order  []int
	logger Logger
}

func newListenerSet(logger Logger) *listenerSet {
	return &listenerSet{byID: make(map[int]Listener), logger: logger}
}

func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.byID[id] = l
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byID, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *listenerSet) emit(e Event) {
	s.mu.RLock()
	ls := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		ls = append(ls, s.byID[id])
	}
	s.mu.RUnlock()

	for _, l := range ls {
		s.deliver(l, e)
	}
}

func (s *listenerSet) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync listener panicked", "event", eventName(e), "panic", r)
		}
	}()
	l.OnSyncEvent(e)
}

func eventName(e Event) string {
	switch e.(type) {
	case StartEvent:
		return "start"
	case ProgressEvent:
		return "progress"
	case ConflictEvent:
		return "conflict"
	case ErrorEvent:
		return "error"
	case CompleteEvent:
		return "complete"
	default:
		return "unknown"
	}
}

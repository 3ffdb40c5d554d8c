// Package events broadcasts per-task progress to any number of
// subscribers. Events carry a per-task monotonic sequence; subscriptions
// own bounded buffers that drop oldest under pressure and surface the gap
// as a LAG marker. Producers never block.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/wayfarer/internal/observability"
)

// Type names a progress event.
type Type string

const (
	TypeTaskQueued         Type = "task-queued"
	TypeTaskStarted        Type = "task-started"
	TypeStepStarted        Type = "step-started"
	TypeStepCompleted      Type = "step-completed"
	TypeStepFailed         Type = "step-failed"
	TypeScreenshotCaptured Type = "screenshot-captured"
	TypeTaskEnded          Type = "task-ended"
	TypeHeartbeat          Type = "heartbeat"

	// TypeLag marks a gap where a saturated subscription dropped events.
	TypeLag Type = "lag"
)

// Event is one progress notification. Sequence is unique and monotonic
// within a task; LAG and heartbeat markers carry sequence 0.
type Event struct {
	Type      Type           `json:"type"`
	TaskID    string         `json:"task_id"`
	Sequence  int64          `json:"sequence,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// topic is the per-task publish channel.
type topic struct {
	seq      int64
	history  []Event
	subs     map[*Subscription]struct{}
	terminal bool
	endedAt  time.Time
}

// Bus owns every topic. One Bus serves the whole process.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	all     map[*Subscription]struct{}
	bufSize int
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewBus creates a bus whose subscriptions buffer bufSize events.
func NewBus(bufSize int, logger *slog.Logger, metrics *observability.Metrics) *Bus {
	if bufSize < 1 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics:  make(map[string]*topic),
		all:     make(map[*Subscription]struct{}),
		bufSize: bufSize,
		logger:  logger.With("component", "events"),
		metrics: metrics,
	}
}

// Publish appends the event to the task's topic and fans it out. It never
// blocks on slow subscribers.
func (b *Bus) Publish(taskID string, typ Type, data map[string]any) Event {
	b.mu.Lock()
	t := b.topics[taskID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[taskID] = t
	}
	t.seq++
	ev := Event{
		Type:      typ,
		TaskID:    taskID,
		Sequence:  t.seq,
		Timestamp: time.Now(),
		Data:      data,
	}
	t.history = append(t.history, ev)
	if typ == TypeTaskEnded {
		t.terminal = true
		t.endedAt = ev.Timestamp
	}
	subs := make([]*Subscription, 0, len(t.subs)+len(b.all))
	for s := range t.subs {
		subs = append(subs, s)
	}
	for s := range b.all {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
	if b.metrics != nil {
		b.metrics.RecordEvent(string(typ))
	}
	return ev
}

// Subscribe opens a live view of one task's events. History after
// lastEventID is replayed into the buffer first, so reconnects resume
// without gaps (modulo LAG when the buffer is smaller than the backlog).
func (b *Bus) Subscribe(taskID string, lastEventID int64) *Subscription {
	s := newSubscription(taskID, b.bufSize, b)

	b.mu.Lock()
	t := b.topics[taskID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[taskID] = t
	}
	backlog := make([]Event, 0)
	for _, ev := range t.history {
		if ev.Sequence > lastEventID {
			backlog = append(backlog, ev)
		}
	}
	t.subs[s] = struct{}{}
	b.mu.Unlock()

	for _, ev := range backlog {
		s.push(ev)
	}
	return s
}

// SubscribeAll opens a firehose over every task, for dashboards. No
// resume; the view starts now.
func (b *Bus) SubscribeAll() *Subscription {
	s := newSubscription("", b.bufSize, b)
	b.mu.Lock()
	b.all[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// unsubscribe unlinks s from its topic or the firehose set.
func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.taskID == "" {
		delete(b.all, s)
		return
	}
	if t := b.topics[s.taskID]; t != nil {
		delete(t.subs, s)
	}
}

// Prune drops terminal topics older than retention, closing any straggling
// subscriptions. Returns the number of topics removed.
func (b *Bus) Prune(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	b.mu.Lock()
	var victims []*Subscription
	removed := 0
	for id, t := range b.topics {
		if !t.terminal || t.endedAt.After(cutoff) {
			continue
		}
		for s := range t.subs {
			victims = append(victims, s)
		}
		delete(b.topics, id)
		removed++
	}
	b.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	if removed > 0 {
		b.logger.Debug("pruned event topics", "count", removed)
	}
	return removed
}

// Terminal reports whether the task's topic has seen task-ended.
func (b *Bus) Terminal(taskID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t := b.topics[taskID]
	return t != nil && t.terminal
}

// Subscription is one subscriber's bounded, ordered view.
type Subscription struct {
	taskID string
	bus    *Bus

	mu     sync.Mutex
	queue  []Event
	max    int
	lagged bool
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newSubscription(taskID string, bufSize int, bus *Bus) *Subscription {
	return &Subscription{
		taskID: taskID,
		bus:    bus,
		max:    bufSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push enqueues without blocking, dropping the oldest event and flagging
// LAG when the buffer is full.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.max {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.lagged = true
		if s.bus != nil && s.bus.metrics != nil {
			s.bus.metrics.EventsDropped.Inc()
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event, blocking until one arrives, the timeout
// elapses (ok=false, closed=false), or the subscription closes (ok=false,
// closed=true). A pending LAG gap is surfaced as a marker event before the
// next real one.
func (s *Subscription) Next(timeout time.Duration) (ev Event, ok bool, closed bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.lagged {
			s.lagged = false
			id := s.taskID
			s.mu.Unlock()
			return Event{Type: TypeLag, TaskID: id, Timestamp: time.Now()}, true, false
		}
		if len(s.queue) > 0 {
			ev = s.queue[0]
			copy(s.queue, s.queue[1:])
			s.queue = s.queue[:len(s.queue)-1]
			s.mu.Unlock()
			return ev, true, false
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, false, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-timer.C:
			return Event{}, false, false
		}
	}
}

// Close unlinks the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if s.bus != nil {
		s.bus.unsubscribe(s)
	}
}

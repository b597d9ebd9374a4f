// Package feed fans run events out to live subscribers.
//
// Publishing never blocks: every subscriber owns a bounded buffer and events
// which don't fit are dropped. The terminal event of a run is always
// delivered and closes the subscriber channels. Terminal events are kept for
// a grace period, so subscribers arriving late still receive them.
package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/batchui/batchrun/internal/model"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Kind string

const (
	KindLog      Kind = "log"
	KindProgress Kind = "progress"
	KindStatus   Kind = "status"
	KindError    Kind = "error"
	KindSnapshot Kind = "snapshot"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

type Event struct {
	Kind     Kind         `json:"type"`
	RunID    string       `json:"runId"`
	Stream   string       `json:"stream,omitempty"`
	Data     string       `json:"data,omitempty"`
	Progress int          `json:"progress,omitempty"`
	Status   model.Status `json:"status,omitempty"`
	EndTime  *time.Time   `json:"endTime,omitempty"`
	Message  string       `json:"message,omitempty"`
	Time     time.Time    `json:"time"`
}

// Terminal reports whether the event ends a run's feed.
func (e Event) Terminal() bool {
	return e.Kind == KindSnapshot || (e.Kind == KindStatus && e.Status.Terminal())
}

const (
	DefaultBuffer = 64
	DefaultGrace  = 30 * time.Second
	replaySize    = 1024
)

type Options struct {
	// Buffer is the per subscriber queue length.
	Buffer int
	// Grace is how long terminal events are replayed to late subscribers.
	Grace time.Duration
}

type Feed struct {
	opts Options

	mx       sync.Mutex
	topics   map[string]*topic
	terminal *lru.Cache[string, Event]
	timers   map[string]*time.Timer
}

type topic struct {
	subs map[*Subscription]struct{}
}

func New(opts Options) *Feed {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	// can fail on a negative size only
	cache, _ := lru.New[string, Event](replaySize)
	return &Feed{
		opts:     opts,
		topics:   make(map[string]*topic),
		terminal: cache,
		timers:   make(map[string]*time.Timer),
	}
}

// Subscription receives the events of one run in publish order.
type Subscription struct {
	RunID string

	feed    *Feed
	ch      chan Event
	mx      sync.Mutex
	sealed  bool
	dropped atomic.Int64
}

// Events is closed after the terminal event or Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped is the number of events lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Sealed reports whether the subscription has already got its terminal
// event or was closed.
func (s *Subscription) Sealed() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.sealed
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mx.Lock()
	if !s.sealed {
		s.sealed = true
		close(s.ch)
	}
	s.mx.Unlock()
	s.feed.detach(s)
}

func (s *Subscription) offer(e Event) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.sealed {
		return
	}
	select {
	case s.ch <- e:
	default:
		n := s.dropped.Add(1)
		slog.Debug("feed: subscriber buffer full, event dropped",
			"run_id", s.RunID, "kind", e.Kind, "dropped", n)
	}
}

// seal delivers e, evicting the oldest queued events when needed, and
// closes the channel.
func (s *Subscription) seal(e Event) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.sealed {
		return
	}
	for {
		select {
		case s.ch <- e:
			s.sealed = true
			close(s.ch)
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Subscribe opens a subscription for runID. If the run already terminated
// within the grace period the subscription gets the terminal event at once.
func (f *Feed) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		RunID: runID,
		feed:  f,
		ch:    make(chan Event, f.opts.Buffer),
	}

	f.mx.Lock()
	if e, ok := f.terminal.Get(runID); ok {
		f.mx.Unlock()
		sub.seal(e)
		return sub
	}
	t, ok := f.topics[runID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		f.topics[runID] = t
	}
	t.subs[sub] = struct{}{}
	f.mx.Unlock()
	return sub
}

func (f *Feed) detach(sub *Subscription) {
	f.mx.Lock()
	defer f.mx.Unlock()
	t, ok := f.topics[sub.RunID]
	if !ok {
		return
	}
	delete(t.subs, sub)
	if len(t.subs) == 0 {
		delete(f.topics, sub.RunID)
	}
}

func (f *Feed) subscribers(runID string) []*Subscription {
	f.mx.Lock()
	defer f.mx.Unlock()
	t, ok := f.topics[runID]
	if !ok {
		return nil
	}
	ret := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		ret = append(ret, s)
	}
	return ret
}

// Publish offers e to every subscriber of runID without blocking.
func (f *Feed) Publish(runID string, e Event) {
	e.RunID = runID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for _, s := range f.subscribers(runID) {
		s.offer(e)
	}
}

// Terminate delivers the terminal event e to all subscribers of runID,
// closes them and remembers e for late subscribers.
func (f *Feed) Terminate(runID string, e Event) {
	e.RunID = runID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	f.mx.Lock()
	f.terminal.Add(runID, e)
	if old, ok := f.timers[runID]; ok {
		old.Stop()
	}
	f.timers[runID] = time.AfterFunc(f.opts.Grace, func() { f.forget(runID) })
	var subs []*Subscription
	if t, ok := f.topics[runID]; ok {
		for s := range t.subs {
			subs = append(subs, s)
		}
		delete(f.topics, runID)
	}
	f.mx.Unlock()

	for _, s := range subs {
		s.seal(e)
	}
}

// Seal delivers a terminal event to a single subscription and detaches it.
func (f *Feed) Seal(sub *Subscription, e Event) {
	e.RunID = sub.RunID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	sub.seal(e)
	f.detach(sub)
}

func (f *Feed) forget(runID string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.terminal.Remove(runID)
	delete(f.timers, runID)
}

// Topics is the number of runs with at least one subscriber.
func (f *Feed) Topics() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.topics)
}

// Close stops the replay timers and closes all open subscriptions.
func (f *Feed) Close() {
	f.mx.Lock()
	for id, t := range f.timers {
		t.Stop()
		delete(f.timers, id)
	}
	f.terminal.Purge()
	var subs []*Subscription
	for _, t := range f.topics {
		for s := range t.subs {
			subs = append(subs, s)
		}
	}
	f.topics = make(map[string]*topic)
	f.mx.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Package bus implements C4: fan-out of ticks and candle events to many
// WebSocket subscribers, each with its own SubscriptionFilter and a bounded
// queue with a priority drop policy (spec §4.3).
//
// Adapted from the teacher's fanout.go: the "broadcast to a slice of
// per-subscriber channels under an RWMutex, drop on full rather than block"
// shape is kept. What changes is the unit being broadcast (Envelope, not a
// bare candle) and the drop policy: a plain buffered channel can only drop
// the newest item, but the spec requires closed-candle and error envelopes
// to never be dropped as long as anything evictable sits ahead of them in
// the queue, so each subscriber owns a mutex-guarded slice queue instead of
// a channel.
package bus

import (
	"context"
	"sync"

	"marketsynth/internal/model"
)

// EnvelopeKind identifies the wire shape of a bus message (spec §6.2).
type EnvelopeKind string

const (
	EnvTick   EnvelopeKind = "tick"
	EnvCandle EnvelopeKind = "candle"
	EnvError  EnvelopeKind = "backend_error"
)

// Envelope is one unit of fan-out. Exactly one of Tick/Candle is populated,
// selected by Kind.
type Envelope struct {
	Kind         EnvelopeKind
	Tick         model.Tick
	Candle       model.Candle
	Stage        model.CandleStage
	ErrorMessage string
}

// mustKeep reports whether the priority drop policy protects this envelope:
// closed candles and backend errors are never dropped while anything
// evictable remains queued ahead of them (spec §4.3).
func (e Envelope) mustKeep() bool {
	return e.Kind == EnvError || (e.Kind == EnvCandle && e.Stage == model.StageClosed)
}

// matches reports whether this envelope should be delivered under filter f.
// A nil filter (no subscribe message sent yet) matches nothing but
// backend_error, mirroring model.SubscriptionFilter's nil-receiver
// semantics for Tokens/TokenTFs lookups.
func (e Envelope) matches(f *model.SubscriptionFilter) bool {
	switch e.Kind {
	case EnvTick:
		return f.MatchesTick(e.Tick.Token)
	case EnvCandle:
		return f.MatchesCandle(e.Candle.Token, e.Candle.Timeframe)
	default:
		return true // backend_error is not subject to token/timeframe filtering
	}
}

// Subscriber holds one consumer's bounded, filtered envelope queue.
type Subscriber struct {
	capacity int

	mu     sync.Mutex
	filter *model.SubscriptionFilter
	queue  []Envelope
	notify chan struct{}
	closed bool

	// OnDrop is called (outside the lock) whenever an envelope is evicted or
	// refused due to a full queue.
	OnDrop func(kind EnvelopeKind)
}

func newSubscriber(capacity int, filter *model.SubscriptionFilter) *Subscriber {
	return &Subscriber{
		capacity: capacity,
		filter:   filter,
		notify:   make(chan struct{}, 1),
	}
}

// SetFilter atomically replaces the subscription filter, used when a client
// sends a new {"action":"subscribe",...} message (spec §6.2).
func (s *Subscriber) SetFilter(f *model.SubscriptionFilter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *Subscriber) offer(env Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !env.matches(s.filter) {
		s.mu.Unlock()
		return
	}

	dropped := EnvelopeKind("")
	hadDrop := false
	if len(s.queue) >= s.capacity {
		if idx := s.evictionCandidate(); idx >= 0 {
			dropped = s.queue[idx].Kind
			hadDrop = true
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		} else if !env.mustKeep() {
			// Queue is saturated with must-keep envelopes; the incoming
			// droppable envelope is refused instead.
			s.mu.Unlock()
			if s.OnDrop != nil {
				s.OnDrop(env.Kind)
			}
			return
		}
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	if hadDrop && s.OnDrop != nil {
		s.OnDrop(dropped)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// evictionCandidate returns the index of the oldest tick envelope in the
// queue; if no tick is queued, the oldest other non-mustKeep envelope (a
// rolling candle); or -1 if every queued envelope must be kept. Caller holds
// s.mu.
func (s *Subscriber) evictionCandidate() int {
	fallback := -1
	for i, e := range s.queue {
		if e.Kind == EnvTick {
			return i
		}
		if fallback < 0 && !e.mustKeep() {
			fallback = i
		}
	}
	return fallback
}

// Recv blocks until an envelope is available, ctx is cancelled, or the
// subscriber is closed.
func (s *Subscriber) Recv(ctx context.Context) (Envelope, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return env, true
		}
		if s.closed {
			s.mu.Unlock()
			return Envelope{}, false
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, false
		case <-s.notify:
		}
	}
}

// QueueLen reports the current queue depth, for saturation metrics.
func (s *Subscriber) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus fans out Envelopes published on one input stream to many Subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*Subscriber
	capacity    int
}

// New creates a Bus whose subscribers each buffer up to queueCapacity
// envelopes before the drop policy kicks in.
func New(queueCapacity int) *Bus {
	return &Bus{capacity: queueCapacity}
}

// Subscribe registers a new Subscriber with the given initial filter. A nil
// filter matches nothing but backend_error envelopes, until SetFilter is
// called with the client's first subscribe message.
func (b *Bus) Subscribe(filter *model.SubscriptionFilter) *Subscriber {
	sub := newSubscriber(b.capacity, filter)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a Subscriber and closes its queue.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers env to every matching subscriber, applying each
// subscriber's drop policy independently.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		s.offer(env)
	}
}

// Run publishes every Envelope received on in until ctx is cancelled or in
// is closed. The caller is responsible for translating ticks and
// agg.Events into Envelopes before sending them on in.
func (b *Bus) Run(ctx context.Context, in <-chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			b.Publish(env)
		}
	}
}

// Stats reports queue depth and capacity for every subscriber, used for
// saturation metrics.
type Stat struct {
	Len int
	Cap int
}

func (b *Bus) Stats() []Stat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]Stat, len(b.subscribers))
	for i, s := range b.subscribers {
		stats[i] = Stat{Len: s.QueueLen(), Cap: b.capacity}
	}
	return stats
}

// Package progress implements the ProgressBus component: a per-request,
// ordered, resumable message stream with queuing, replay and heartbeat,
// per spec.md §4.6. Each request gets its own mailbox; sequence numbers
// are dense and strictly increasing within that mailbox. Subscribers pull
// from a buffered channel; a slow or disconnected subscriber never loses
// messages because the mailbox retains them until acknowledged or their
// TTL expires, and resubscribing with the last-acked seq replays exactly
// what was missed.
package progress

import (
	"sync"
	"time"

	"github.com/conclavehq/conclave/internal/kernel"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultIdleTimeout       = 300 * time.Second
	defaultTTL               = 24 * time.Hour
	defaultBufSize           = 64
	defaultSweepInterval     = 5 * time.Second
)

// Bus owns every request's mailbox. Mutated under a per-request lock;
// the top-level map lock only guards mailbox creation/removal.
type Bus struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox

	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	ttl               time.Duration
	bufSize           int
	nowFunc           func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Bus) { b.heartbeatInterval = d }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(b *Bus) { b.idleTimeout = d }
}

func WithTTL(d time.Duration) Option {
	return func(b *Bus) { b.ttl = d }
}

func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// New builds a Bus and starts its background sweep loop (heartbeats,
// idle-subscriber eviction, TTL pruning). Call Stop to release the
// goroutine.
func New(opts ...Option) *Bus {
	b := &Bus{
		mailboxes:         make(map[string]*mailbox),
		heartbeatInterval: defaultHeartbeatInterval,
		idleTimeout:       defaultIdleTimeout,
		ttl:               defaultTTL,
		bufSize:           defaultBufSize,
		nowFunc:           time.Now,
		stop:              make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.wg.Add(1)
	go b.sweepLoop()
	return b
}

// Stop halts the background sweep loop. Mailboxes already created are
// left as-is; in-flight subscriptions keep working, they just stop
// receiving heartbeats and idle eviction.
func (b *Bus) Stop() {
	close(b.stop)
	b.wg.Wait()
}

func (b *Bus) sweepLoop() {
	defer b.wg.Done()
	interval := defaultSweepInterval
	if b.heartbeatInterval < interval {
		interval = b.heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Sweep(b.nowFunc())
		case <-b.stop:
			return
		}
	}
}

// mailbox is one request's ordered message buffer plus its live
// subscribers.
type mailbox struct {
	mu            sync.Mutex
	requestID     string
	seq           uint64
	messages      []kernel.ProgressMessage
	ackedSeq      uint64
	subs          map[*Subscription]struct{}
	lastHeartbeat time.Time
}

func (b *Bus) mailboxFor(requestID string) *mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[requestID]
	if !ok {
		mb = &mailbox{requestID: requestID, subs: make(map[*Subscription]struct{})}
		b.mailboxes[requestID] = mb
	}
	return mb
}

// Subscription is a live consumer of one request's mailbox. Messages
// already buffered at subscribe time (seq > sinceSeq) are replayed
// before live messages arrive.
type Subscription struct {
	requestID    string
	ch           chan kernel.ProgressMessage
	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// C returns the channel to receive messages from. It is closed when the
// subscription is closed (explicitly, or by idle eviction).
func (s *Subscription) C() <-chan kernel.ProgressMessage { return s.ch }

func (s *Subscription) deliver(msg kernel.ProgressMessage, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
		s.lastActivity = now
	default:
		// Subscriber isn't keeping up; the mailbox still retains the
		// message, so a resubscribe with the last-acked seq replays it.
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Publish assigns the next sequence number for requestID, appends the
// message to its mailbox, and pushes it to every live subscriber.
func (b *Bus) Publish(requestID string, kind kernel.ProgressKind, payload any) kernel.ProgressMessage {
	mb := b.mailboxFor(requestID)
	now := b.nowFunc()

	mb.mu.Lock()
	mb.seq++
	msg := kernel.ProgressMessage{
		RequestID: requestID,
		Seq:       mb.seq,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	}
	mb.messages = append(mb.messages, msg)
	subs := make([]*Subscription, 0, len(mb.subs))
	for s := range mb.subs {
		subs = append(subs, s)
	}
	mb.mu.Unlock()

	for _, s := range subs {
		s.deliver(msg, now)
	}
	return msg
}

// Subscribe returns a Subscription that replays every buffered message
// with seq > sinceSeq, in order, then continues receiving new messages
// as Publish appends them.
func (b *Bus) Subscribe(requestID string, sinceSeq uint64) *Subscription {
	mb := b.mailboxFor(requestID)
	now := b.nowFunc()

	sub := &Subscription{
		requestID:    requestID,
		ch:           make(chan kernel.ProgressMessage, b.bufSize),
		lastActivity: now,
	}

	mb.mu.Lock()
	var backlog []kernel.ProgressMessage
	for _, m := range mb.messages {
		if m.Seq > sinceSeq {
			backlog = append(backlog, m)
		}
	}
	mb.subs[sub] = struct{}{}
	mb.mu.Unlock()

	for _, m := range backlog {
		sub.deliver(m, now)
	}
	return sub
}

// Acknowledge records that the caller has received every message with
// seq <= seq for requestID; those messages become eligible for pruning
// (deleted immediately here — the mailbox never redelivers them).
func (b *Bus) Acknowledge(requestID string, seq uint64) {
	mb := b.mailboxFor(requestID)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if seq > mb.ackedSeq {
		mb.ackedSeq = seq
	}
	mb.messages = pruneUpTo(mb.messages, mb.ackedSeq)
}

func pruneUpTo(messages []kernel.ProgressMessage, ackedSeq uint64) []kernel.ProgressMessage {
	i := 0
	for i < len(messages) && messages[i].Seq <= ackedSeq {
		i++
	}
	if i == 0 {
		return messages
	}
	return append([]kernel.ProgressMessage(nil), messages[i:]...)
}

// Unsubscribe removes sub from requestID's mailbox and closes its
// channel. Safe to call more than once.
func (b *Bus) Unsubscribe(requestID string, sub *Subscription) {
	mb := b.mailboxFor(requestID)
	mb.mu.Lock()
	delete(mb.subs, sub)
	mb.mu.Unlock()
	sub.close()
}

// Close tears down a request's mailbox entirely: every live subscription
// is closed and the buffered messages are discarded. Called once a
// request reaches a terminal status.
func (b *Bus) Close(requestID string) {
	b.mu.Lock()
	mb, ok := b.mailboxes[requestID]
	delete(b.mailboxes, requestID)
	b.mu.Unlock()
	if !ok {
		return
	}
	mb.mu.Lock()
	subs := make([]*Subscription, 0, len(mb.subs))
	for s := range mb.subs {
		subs = append(subs, s)
	}
	mb.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Sweep performs one pass of heartbeat emission, idle-subscriber
// eviction, and TTL-based pruning, using now as the current time.
// Called periodically by the background loop; exported so tests can
// drive it deterministically without real sleeps.
func (b *Bus) Sweep(now time.Time) {
	b.mu.Lock()
	mailboxes := make([]*mailbox, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		mailboxes = append(mailboxes, mb)
	}
	b.mu.Unlock()

	for _, mb := range mailboxes {
		b.sweepMailbox(mb, now)
	}
}

func (b *Bus) sweepMailbox(mb *mailbox, now time.Time) {
	mb.mu.Lock()
	needsHeartbeat := mb.lastHeartbeat.IsZero() || now.Sub(mb.lastHeartbeat) >= b.heartbeatInterval
	hasSubs := len(mb.subs) > 0
	if needsHeartbeat && hasSubs {
		mb.lastHeartbeat = now
	}
	var idle []*Subscription
	for s := range mb.subs {
		s.mu.Lock()
		last := s.lastActivity
		s.mu.Unlock()
		if now.Sub(last) >= b.idleTimeout {
			idle = append(idle, s)
			delete(mb.subs, s)
		}
	}
	mb.messages = pruneOlderThan(mb.messages, now, b.ttl)
	mb.mu.Unlock()

	if needsHeartbeat && hasSubs {
		b.Publish(mb.requestID, kernel.KindHeartbeat, nil)
	}
	for _, s := range idle {
		s.close()
	}
}

func pruneOlderThan(messages []kernel.ProgressMessage, now time.Time, ttl time.Duration) []kernel.ProgressMessage {
	i := 0
	for i < len(messages) && now.Sub(messages[i].CreatedAt) > ttl {
		i++
	}
	if i == 0 {
		return messages
	}
	return append([]kernel.ProgressMessage(nil), messages[i:]...)
}

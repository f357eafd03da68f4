// Package events fans session and probe events out to any number of
// consumers: websocket clients, reading publishers, the metrics monitor.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/probe"
	"github.com/dektronics/densitometer-desktop-sub000/session"
)

// Topics.
const (
	TopicSession = "session"
	TopicProbe   = "probe"
	// TopicReadings carries density results from either source.
	TopicReadings = "readings"
)

// Bus is a broker of Messages.
type Bus struct {
	broker *pubsub.PubSub
	log    *logrus.Entry
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

// New creates a bus whose subscriber channels buffer capacity messages.
// The bus shuts down when ctx is done.
func New(ctx context.Context, capacity int, log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Bus{
		broker: pubsub.New(capacity),
		log:    log.WithField("component", "events"),
		now:    time.Now,
	}
	go func() {
		<-ctx.Done()
		b.Shutdown()
	}()
	return b
}

// Shutdown closes every subscription. Later publishes are dropped.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.broker.Shutdown()
}

// Publish delivers m on its topics without blocking on slow subscribers;
// a subscriber with a full buffer misses the message.
func (b *Bus) Publish(m Message, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if m.Time.IsZero() {
		m.Time = b.now()
	}
	b.broker.TryPub(m, topics...)
}

// PublishSession converts and publishes a session event.
func (b *Bus) PublishSession(e session.Event) {
	m := FromSession(e)
	if m.IsReading() {
		b.Publish(m, TopicSession, TopicReadings)
		return
	}
	b.Publish(m, TopicSession)
}

// PublishProbe converts and publishes a probe event.
func (b *Bus) PublishProbe(e probe.Event) {
	m := FromProbe(e)
	if m.IsReading() {
		b.Publish(m, TopicProbe, TopicReadings)
		return
	}
	b.Publish(m, TopicProbe)
}

// Subscription receives the messages of the topics it was created for.
type Subscription struct {
	bus *Bus
	ch  chan interface{}
}

// Subscribe returns a subscription to topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan interface{})
		close(ch)
		return &Subscription{bus: b, ch: ch}
	}
	return &Subscription{bus: b, ch: b.broker.Sub(topics...)}
}

// Next blocks for the next message. It returns false when ctx is done or
// the bus has shut down.
func (s *Subscription) Next(ctx context.Context) (Message, bool) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, false
		case v, ok := <-s.ch:
			if !ok {
				return Message{}, false
			}
			if m, ok := v.(Message); ok {
				return m, true
			}
			s.bus.log.Warnf("dropping unexpected %T on bus", v)
		}
	}
}

// Close unsubscribes. Pending messages are discarded.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.closed {
		return
	}
	s.bus.broker.Unsub(s.ch)
}

package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/internal/config"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/session"
)

func quietEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTT implements the publish side of mqtt.Client.
type fakeMQTT struct {
	mqtt.Client
	mu           sync.Mutex
	msgs         []published
	err          error
	disconnected bool
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{err: f.err}
}

func (f *fakeMQTT) Disconnect(uint) { f.disconnected = true }

func (f *fakeMQTT) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func densityMessage(v float64) events.Message {
	return events.FromSession(session.Event{Type: session.EventDensityReading,
		Density: session.DensityReading{Type: session.DensityReflection, Value: v}})
}

func TestMQTTSinkPublish(t *testing.T) {
	fake := &fakeMQTT{}
	cfg := config.GetDefaultConfig().MQTT
	cfg.QoS = 1
	sink := newMQTTSink(fake, cfg, quietEntry())

	if err := sink.Publish(context.Background(), densityMessage(0.75)); err != nil {
		t.Fatal(err)
	}
	got := fake.msgs[0]
	if got.topic != "densitometer/readings/session/reflection" || got.qos != 1 {
		t.Errorf("published %q qos %d", got.topic, got.qos)
	}
	var m events.Message
	if err := json.Unmarshal(got.payload, &m); err != nil {
		t.Fatal(err)
	}
	if m.Type != "density-reading" {
		t.Errorf("payload type = %q", m.Type)
	}

	fake.err = errors.New("not connected")
	if err := sink.Publish(context.Background(), densityMessage(1)); err == nil {
		t.Error("token error not returned")
	}
	_ = sink.Close()
	if !fake.disconnected {
		t.Error("close did not disconnect")
	}
}

func TestMQTTTopicForOtherMessages(t *testing.T) {
	sink := newMQTTSink(&fakeMQTT{}, config.MQTTConfig{Topic: "lab"}, quietEntry())
	m := events.Message{Source: "probe", Type: "button"}
	if got := sink.Topic(m); got != "lab/probe/button" {
		t.Errorf("topic = %q", got)
	}
}

// fakeRedis keeps lists in memory.
type fakeRedis struct {
	published map[string][]string
	lists     map[string][]string
	pubErr    error
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{published: map[string][]string{}, lists: map[string][]string{}}
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.pubErr != nil {
		return redis.NewIntResult(0, f.pubErr)
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		f.lists[key] = append([]string{string(v.([]byte))}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LTrim(_ context.Context, key string, start, stop int64) *redis.StatusCmd {
	l := f.lists[key]
	if int(stop)+1 < len(l) {
		f.lists[key] = l[start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) LRange(_ context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	l := f.lists[key]
	end := int(stop) + 1
	if end > len(l) {
		end = len(l)
	}
	return redis.NewStringSliceResult(l[start:end], nil)
}

func (f *fakeRedis) Close() error { f.closed = true; return nil }

func TestRedisSinkHistory(t *testing.T) {
	fake := newFakeRedis()
	cfg := config.GetDefaultConfig().Redis
	cfg.History = 3
	sink := newRedisSink(fake, cfg, quietEntry())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := sink.Publish(ctx, densityMessage(float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(fake.published[cfg.Channel]); n != 5 {
		t.Errorf("published %d messages", n)
	}
	key := sink.HistoryKey(events.SourceSession)
	if n := len(fake.lists[key]); n != 3 {
		t.Fatalf("history holds %d entries", n)
	}

	recent, err := sink.Recent(ctx, events.SourceSession, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d", len(recent))
	}
	r, ok := recent[0].Data.(map[string]interface{})
	if !ok || r["density"] != 4.0 {
		t.Errorf("newest = %+v", recent[0].Data)
	}

	fake.pubErr = errors.New("down")
	if err := sink.Publish(ctx, densityMessage(9)); err == nil {
		t.Error("publish error swallowed")
	}
	_ = sink.Close()
	if !fake.closed {
		t.Error("client not closed")
	}
}

func TestRedisSinkWithoutHistory(t *testing.T) {
	fake := newFakeRedis()
	sink := newRedisSink(fake, config.RedisConfig{Channel: "c"}, quietEntry())
	if err := sink.Publish(context.Background(), densityMessage(1)); err != nil {
		t.Fatal(err)
	}
	if len(fake.lists) != 0 {
		t.Error("history written with history disabled")
	}
}

func TestForward(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := events.New(ctx, 8, log)
	fake := &fakeMQTT{}
	sink := newMQTTSink(fake, config.MQTTConfig{Topic: "t"}, quietEntry())

	sub := bus.Subscribe(events.TopicReadings)
	done := make(chan struct{})
	go func() {
		Forward(ctx, sub, log, sink)
		close(done)
	}()

	bus.PublishSession(session.Event{Type: session.EventCommandRejected})
	bus.PublishSession(session.Event{Type: session.EventDensityReading,
		Density: session.DensityReading{Type: session.DensityTransmission, Value: 2}})

	deadline := time.Now().Add(time.Second)
	for fake.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reading not forwarded")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return")
	}
	if n := fake.count(); n != 1 {
		t.Errorf("forwarded %d messages, want only the reading", n)
	}
}

package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakePaho implements the subset of pahomqtt.Client the wrapper uses.
type fakePaho struct {
	pahomqtt.Client

	mu           sync.Mutex
	open         bool
	connectOpens bool // Connect() brings the connection up
	connects     int
	publishErr   error
	published    []published
	subs         map[string]pahomqtt.MessageHandler
}

func newFakePaho(open bool) *fakePaho {
	return &fakePaho{open: open, subs: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool { return f.IsConnectionOpen() }

func (f *fakePaho) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakePaho) Connect() pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectOpens {
		f.open = true
		return doneToken(nil)
	}
	return doneToken(errors.New("connection refused"))
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

func (f *fakePaho) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return doneToken(f.publishErr)
	}
	f.published = append(f.published, published{topic: topic, payload: payload.([]byte), retained: retained})
	return doneToken(nil)
}

func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = cb
	return doneToken(nil)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newTestClient(t *testing.T, fake *fakePaho, cfg Config) *Client {
	t.Helper()
	c := newClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.client = fake
	return c
}

func TestOptions(t *testing.T) {
	c := newClient(Config{Host: "broker.local", ClientID: "smart-home-client"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	opts := c.options()

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://broker.local:1883" {
		t.Errorf("servers = %v", opts.Servers)
	}
	if opts.ClientID != "smart-home-client" {
		t.Errorf("client id = %q", opts.ClientID)
	}
	if opts.KeepAlive != 60 {
		t.Errorf("keepalive = %d, want 60", opts.KeepAlive)
	}
	if !opts.AutoReconnect || !opts.ConnectRetry {
		t.Error("auto reconnect and connect retry must be enabled")
	}
}

func TestPublishConnected(t *testing.T) {
	fake := newFakePaho(true)
	c := newTestClient(t, fake, Config{})

	if err := c.Publish(context.Background(), "shellies/b1/color/0/command", []byte("on")); err != nil {
		t.Fatal(err)
	}
	if len(fake.published) != 1 || fake.published[0].topic != "shellies/b1/color/0/command" {
		t.Fatalf("published = %+v", fake.published)
	}
	if fake.connects != 0 {
		t.Errorf("connects = %d, want 0 when already connected", fake.connects)
	}
}

func TestPublishReconnects(t *testing.T) {
	fake := newFakePaho(false)
	fake.connectOpens = true
	c := newTestClient(t, fake, Config{})

	if err := c.Publish(context.Background(), "t", []byte("x")); err != nil {
		t.Fatalf("publish after reconnect: %v", err)
	}
	if fake.connects != 1 {
		t.Errorf("connects = %d, want 1", fake.connects)
	}
}

func TestPublishNotConnected(t *testing.T) {
	fake := newFakePaho(false)
	c := newTestClient(t, fake, Config{ReconnectGrace: 20 * time.Millisecond})

	err := c.Publish(context.Background(), "t", []byte("x"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if len(fake.published) != 0 {
		t.Error("nothing should be published while disconnected")
	}
}

func TestPublishFailure(t *testing.T) {
	fake := newFakePaho(true)
	fake.publishErr = errors.New("broker rejected")
	c := newTestClient(t, fake, Config{})

	err := c.Publish(context.Background(), "t", []byte("x"))
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("err = %v, want ErrPublishFailed", err)
	}
	if err := c.Publish(context.Background(), "", nil); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("err = %v, want ErrInvalidTopic", err)
	}
}

func TestSubscriptionsRestoredOnConnect(t *testing.T) {
	fake := newFakePaho(false)
	c := newTestClient(t, fake, Config{Subscriptions: []string{"shellies/+/online", "shellies/+/color/0/status"}})

	var got []string
	if err := c.Subscribe("home/+/set", func(topic string, _ []byte) { got = append(got, topic) }); err != nil {
		t.Fatal(err)
	}
	if len(fake.subs) != 0 {
		t.Fatal("must not subscribe while disconnected")
	}

	c.subscribeAll(fake)
	for _, f := range []string{"shellies/+/online", "shellies/+/color/0/status", "home/+/set"} {
		if fake.subs[f] == nil {
			t.Errorf("missing subscription %q", f)
		}
	}

	fake.subs["home/+/set"](fake, fakeMessage{topic: "home/lamp/set", payload: []byte("{}")})
	if len(got) != 1 || got[0] != "home/lamp/set" {
		t.Errorf("extra handler got %v", got)
	}
}

func TestInboundHandoffPreservesOrder(t *testing.T) {
	fake := newFakePaho(true)
	c := newTestClient(t, fake, Config{Subscriptions: []string{"shellies/+/online"}, BufferSize: 2})
	c.subscribeAll(fake)
	h := fake.subs["shellies/+/online"]

	h(fake, fakeMessage{topic: "shellies/a/online", payload: []byte("true")})
	h(fake, fakeMessage{topic: "shellies/b/online", payload: []byte("false")})
	h(fake, fakeMessage{topic: "shellies/c/online", payload: []byte("true")}) // buffer full

	if c.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", c.Dropped())
	}
	first, second := <-c.Messages(), <-c.Messages()
	if first.Topic != "shellies/a/online" || second.Topic != "shellies/b/online" {
		t.Errorf("order = %s, %s", first.Topic, second.Topic)
	}

	c.Close()
	if _, ok := <-c.Messages(); ok {
		t.Error("channel should be closed")
	}
	h(fake, fakeMessage{topic: "shellies/a/online", payload: []byte("true")}) // after close: no panic
}

func TestOnConnectHooksRun(t *testing.T) {
	fake := newFakePaho(true)
	c := newTestClient(t, fake, Config{})

	ran := make(chan struct{}, 2)
	c.OnConnect(func() { ran <- struct{}{} })

	c.subscribeAll(fake)
	c.subscribeAll(fake)
	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatalf("hook run %d missing", i+1)
		}
	}
}

func TestOptionsWill(t *testing.T) {
	c := newClient(Config{Host: "broker.local", WillTopic: "shelly-go-home/bridge/state", WillPayload: "offline"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	opts := c.options()
	if !opts.WillEnabled || opts.WillTopic != "shelly-go-home/bridge/state" || string(opts.WillPayload) != "offline" || !opts.WillRetained {
		t.Errorf("will = %v %q %q %v", opts.WillEnabled, opts.WillTopic, opts.WillPayload, opts.WillRetained)
	}
}

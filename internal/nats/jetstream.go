package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/events"
)

const (
	streamName    = "MAIL_SYNC"
	subjectPrefix = "mailsync."
	queueGroup    = "mailsync-workers"
)

// Bus is an events.Bus over NATS JetStream. Messages are acked before the
// handler runs, so delivery stays at most once.
type Bus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect opens a JetStream bus. Handlers run with a context cancelled by Close.
func Connect(url string, log *logrus.Entry) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("mailmirror"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		nc:     nc,
		js:     js,
		log:    log.WithField("component", "natsjs"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// EnsureStream ensures the MAIL_SYNC stream exists
func (b *Bus) EnsureStream(ctx context.Context) error {
	info, err := b.js.StreamInfo(streamName, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ">"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publish publishes ev, deduplicated by its id
func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if _, err := b.js.Publish(Subject(ev.Name), payload, nats.MsgId(ev.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe binds h to a durable queue consumer for name
func (b *Bus) Subscribe(name events.Name, h events.Handler) error {
	log := b.log.WithField("event", name)

	sub, err := b.js.QueueSubscribe(Subject(name), queueGroup, func(m *nats.Msg) {
		if err := m.Ack(); err != nil {
			log.WithError(err).Warn("failed to ack event")
		}

		ev, err := Decode(m.Data)
		if err != nil {
			log.WithError(err).Error("dropping undecodable event")
			return
		}
		h(b.ctx, ev)
	}, nats.Durable(DurableName(name)), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the connection
func (b *Bus) Close() {
	b.cancel()
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.log.WithError(err).Warn("failed to drain NATS connection")
		b.nc.Close()
	}
}

// Subject maps an event name onto the stream's subject space
func Subject(name events.Name) string {
	return subjectPrefix + string(name)
}

// DurableName derives a consumer name; durable names cannot contain dots
func DurableName(name events.Name) string {
	return "mailsync-" + strings.NewReplacer(".", "-", "*", "-", ">", "-").Replace(string(name))
}

// Decode parses a published event
func Decode(data []byte) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return events.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.Name == "" {
		return events.Event{}, fmt.Errorf("event without name")
	}
	return ev, nil
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Message metadata travels in NATS headers; the payload is sent as is.
const (
	headerMessageID  = "Nats-Msg-Id"
	headerTimestamp  = "Kestrel-Timestamp"
	headerMetaPrefix = "Kestrel-Meta-"
)

// NATSBus implements EventBus over a NATS connection so several Kestrel
// replicas can share submitted transactions and verdict events.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	bus   *NATSBus
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to the configured server, retrying the initial dial up
// to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		slog.Warn("nats connect failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	slog.Info("nats connected",
		"url", conn.ConnectedUrl(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
		subs:       make(map[*natsSubscription]struct{}),
	}, nil
}

// Publish sends payload on the subject named by topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := encodeMessage(&domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	})
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic. With a queue group configured, each
// message is delivered to only one replica in the group.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		msg := decodeMessage(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("message handler failed",
				"topic", topic,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var natsSub *nats.Subscription
	var err error
	if b.queueGroup != "" {
		natsSub, err = b.conn.QueueSubscribe(topic, b.queueGroup, cb)
	} else {
		natsSub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{bus: b, topic: topic, sub: natsSub}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for sub := range b.subs {
		_ = sub.sub.Unsubscribe()
	}
	clear(b.subs)
	b.mu.Unlock()

	b.conn.Close()
	return nil
}

// Unsubscribe stops delivery and forgets the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed subject.
func (s *natsSubscription) Topic() string {
	return s.topic
}

func encodeMessage(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	m.Header.Set(headerMessageID, msg.ID)
	m.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		m.Header.Set(headerMetaPrefix+k, v)
	}
	return m
}

// decodeMessage rebuilds the envelope; missing headers leave zero values.
func decodeMessage(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:   m.Subject,
		Payload: m.Data,
	}
	if m.Header == nil {
		return msg
	}
	msg.ID = m.Header.Get(headerMessageID)
	msg.Timestamp, _ = strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64)
	for k, vs := range m.Header {
		name, ok := strings.CutPrefix(k, headerMetaPrefix)
		if !ok || name == "" || len(vs) == 0 {
			continue
		}
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]string)
		}
		msg.Metadata[name] = vs[0]
	}
	return msg
}

// Package bus publishes and consumes JSON events over NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	// StreamName is the JetStream stream holding every forged subject.
	StreamName = "FORGED"
	// StreamSubjects is captured by StreamName.
	StreamSubjects = "forged.>"

	redeliveryDelay = 5 * time.Second
)

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger zerolog.Logger
}

// New connects to url and makes sure the forged stream exists.
func New(url string, logger zerolog.Logger, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}

	opts = append([]nats.Option{nats.Name("forged")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	b := &Bus{conn: nc, js: js, logger: logger.With().Str("component", "bus").Logger()}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	if _, err := b.js.StreamInfo(StreamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{StreamSubjects},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", StreamName, err)
	}
	b.logger.Info().Str("stream", StreamName).Msg("stream created")
	return nil
}

// Close drains the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Ready reports whether the connection is usable.
func (b *Bus) Ready() error {
	if b == nil {
		return errors.New("nil bus")
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats status %s", b.conn.Status())
	}
	return nil
}

// Publish encodes v as JSON and publishes it to subj.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	return b.PublishWithID(ctx, subj, "", v)
}

// PublishWithID publishes v with a JetStream message id, so retries of the same event inside
// the stream's duplicate window are stored once.
func (b *Bus) PublishWithID(ctx context.Context, subj, id string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subj, err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id != "" {
		opts = append(opts, nats.MsgId(id))
	}
	if _, err := b.js.Publish(subj, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Handler processes one message. A returned error asks for redelivery.
type Handler func(ctx context.Context, data []byte) error

// Subscribe creates a durable consumer on subj and invokes fn for each message. The
// subscription is drained when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	logger := b.logger.With().Str("subject", subj).Str("durable", durable).Logger()
	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := fn(handlerCtx, msg.Data); err != nil {
			logger.Warn().Err(err).Msg("handler failed, message will be redelivered")
			_ = msg.NakWithDelay(redeliveryDelay)
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit(), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}

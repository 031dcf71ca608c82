// Package natsink publishes treez snapshots to NATS.
//
// Every tree is encoded with a treez.Format and published as one message on a
// fixed subject. The message carries a Content-Type header naming the format
// and a Treez-Root header with the name of the root:
//
//	nc, err := natsink.Connect("nats://127.0.0.1:4222", logger)
//	sink := natsink.New(nc, "treez.trees", treez.FormatMsgPack)
//	go sink.Run(ctx, ch.Subscribe())
package natsink

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/zoobzio/treez"
)

// Header names set on published messages.
const (
	ContentTypeHeader = "Content-Type"
	RootHeader        = "Treez-Root"
)

// Sink publishes trees to a NATS subject.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for readability
type Sink struct {
	conn      *nats.Conn
	subject   string
	format    treez.Format
	logger    zerolog.Logger
	published atomic.Uint64
	failed    atomic.Uint64
	missed    atomic.Uint64
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger used to report publish failures and lag.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger.With().Str("component", "treez.natsink").Logger()
	}
}

// New creates a sink publishing on subject of conn.
func New(conn *nats.Conn, subject string, format treez.Format, opts ...Option) *Sink {
	s := &Sink{
		conn:    conn,
		subject: subject,
		format:  format,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish encodes e and publishes it.
func (s *Sink) Publish(e *treez.Entry) error {
	data, err := s.format.Marshal(e)
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("failed to encode tree %q: %w", e.Name, err)
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = data
	msg.Header.Set(ContentTypeHeader, s.format.ContentType())
	msg.Header.Set(RootHeader, e.Name)

	if err := s.conn.PublishMsg(msg); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("failed to publish tree %q to %s: %w", e.Name, s.subject, err)
	}
	s.published.Add(1)
	return nil
}

// Handle publishes e and logs failures. It can be registered on a
// treez.Dispatcher.
func (s *Sink) Handle(e treez.Entry) {
	if err := s.Publish(&e); err != nil {
		s.logger.Warn().Err(err).Msg("tree not published")
	}
}

// Run publishes every tree received from sub until ctx is done or the
// channel is closed. Lag is counted and logged. Returns nil when the channel
// closes and the context error on cancellation.
func (s *Sink) Run(ctx context.Context, sub *treez.Subscription) error {
	defer sub.Close()

	for {
		e, err := sub.Recv(ctx)
		if err == nil {
			s.Handle(e)
			continue
		}

		var lagged *treez.LaggedError
		switch {
		case errors.As(err, &lagged):
			s.missed.Add(lagged.Missed)
			s.logger.Warn().Uint64("missed", lagged.Missed).Msg("sink lagged behind")
		case errors.Is(err, treez.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// Published returns the number of trees published.
func (s *Sink) Published() uint64 {
	return s.published.Load()
}

// Failed returns the number of trees that could not be encoded or published.
func (s *Sink) Failed() uint64 {
	return s.failed.Load()
}

// Missed returns the number of trees lost because the sink lagged.
func (s *Sink) Missed() uint64 {
	return s.missed.Load()
}

// Connect opens a NATS connection that reconnects forever and logs
// connection state changes. extra options are applied last.
func Connect(url string, logger zerolog.Logger, extra ...nats.Option) (*nats.Conn, error) {
	logger = logger.With().Str("component", "treez.natsink").Logger()

	opts := []nats.Option{
		nats.Name("treez"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	opts = append(opts, extra...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/ksred/apex-trader/internal/broker"
	"github.com/ksred/apex-trader/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OrderEvent is one order-status transition delivered on the stream.
type OrderEvent struct {
	Event string       `json:"event"` // new, fill, partial_fill, canceled, expired, rejected
	Order broker.Order `json:"order"`
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type authMessage struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type listenMessage struct {
	Action string `json:"action"`
	Data   struct {
		Streams []string `json:"streams"`
	} `json:"data"`
}

// Handler consumes parsed order events. The synchronizer's terminal-only,
// idempotent write path makes it safe to feed the same event from both the
// stream and the polling path.
type Handler func(event OrderEvent)

// Stream maintains the long-lived order-update websocket. The read loop and
// the consumer are decoupled by a bounded queue so a slow consumer can never
// stall the network read and miss heartbeats.
//
// Queue overflow policy: the incoming event is dropped, counted and logged.
// This is safe for correctness because the polling path re-delivers every
// terminal outcome on the next scan cycle; the stream only buys latency.
type Stream struct {
	url       string
	apiKey    string
	apiSecret string
	channels  []string
	handler   Handler

	queue  chan OrderEvent
	logger zerolog.Logger
}

const queueCapacity = 512

func New(url, apiKey, apiSecret string, handler Handler) *Stream {
	return &Stream{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		channels:  []string{"trade_updates"},
		handler:   handler,
		queue:     make(chan OrderEvent, queueCapacity),
		logger:    log.With().Str("component", "stream").Logger(),
	}
}

// Run connects, reads and reconnects until ctx is canceled. Reconnection
// uses exponential backoff from 1s doubling to a 60s cap, reset after each
// successful connect, and re-subscribes the tracked channels every time.
func (s *Stream) Run(ctx context.Context) {
	go s.process(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.connect(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("stream connect failed")
			metrics.StreamReconnects.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		s.logger.Info().Str("url", s.url).Msg("order stream connected")

		s.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		metrics.StreamReconnects.Inc()
		s.logger.Warn().Msg("order stream disconnected, reconnecting")
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}

	auth := authMessage{Action: "auth", Key: s.apiKey, Secret: s.apiSecret}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, err
	}

	var listen listenMessage
	listen.Action = "listen"
	listen.Data.Streams = s.channels
	if err := conn.WriteJSON(listen); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock the blocking read when the context is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("stream read failed")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Debug().Err(err).Msg("unparseable stream frame, skipping")
			continue
		}
		if env.Stream != "trade_updates" {
			continue
		}

		var event OrderEvent
		if err := json.Unmarshal(env.Data, &event); err != nil {
			s.logger.Warn().Err(err).Msg("unparseable order event, skipping")
			continue
		}

		s.enqueue(event)
	}
}

// enqueue applies the explicit overflow policy.
func (s *Stream) enqueue(event OrderEvent) {
	select {
	case s.queue <- event:
	default:
		metrics.StreamEventsDropped.Inc()
		s.logger.Error().
			Str("event", event.Event).
			Str("order_id", event.Order.ID).
			Msg("event queue full, dropping order event; polling path will recover it")
	}
}

// process is the single dedicated consumer of the event queue.
func (s *Stream) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.queue:
			s.handler(event)
		}
	}
}

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Lifecycle event types emitted to the external sink.
const (
	TypeSignalDetected   = "signal_detected"
	TypeOrderPlaced      = "order_placed"
	TypeOrderFilled      = "order_filled"
	TypePositionOpened   = "position_opened"
	TypePositionClosed   = "position_closed"
	TypeRiskAlert        = "risk_alert"
	TypeProtectionRepair = "protection_repaired"
	TypeSessionResumed   = "session_resumed"
)

// Event is one structured lifecycle record.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Recorder ships lifecycle events to an external sink for offline replay
// and analysis. It is strictly fire-and-forget: Emit never blocks, and sink
// failures are logged, never surfaced to trading code.
type Recorder struct {
	sinkURL string
	queue   chan Event
	client  *http.Client
	logger  zerolog.Logger
}

// NewRecorder builds a recorder. An empty sinkURL disables shipping; events
// are still accepted and dropped, so callers never need to branch.
func NewRecorder(sinkURL string) *Recorder {
	return &Recorder{
		sinkURL: sinkURL,
		queue:   make(chan Event, 256),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  log.With().Str("component", "events").Logger(),
	}
}

// Emit enqueues an event without blocking. When the queue is full the event
// is dropped; the recorder is an analysis aid, not a system of record.
func (r *Recorder) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case r.queue <- event:
	default:
		r.logger.Debug().Str("type", event.Type).Msg("event queue full, dropping event")
	}
}

// Run consumes the queue until ctx is canceled.
func (r *Recorder) Run(ctx context.Context) {
	r.logger.Info().Str("sink", r.sinkURL).Msg("event recorder started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("event recorder stopped")
			return
		case event := <-r.queue:
			r.ship(ctx, event)
		}
	}
}

func (r *Recorder) ship(ctx context.Context, event Event) {
	if r.sinkURL == "" {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Str("type", event.Type).Msg("failed to encode event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.sinkURL, bytes.NewReader(body))
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to build sink request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn().Err(err).Str("type", event.Type).Msg("event sink unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		r.logger.Warn().
			Int("status", resp.StatusCode).
			Str("type", event.Type).
			Msg("event sink rejected event")
	}
}

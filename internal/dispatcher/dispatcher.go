// Package dispatcher implements the per-frame intercept protocol: parse,
// validate, score under the circuit breaker, emit, and compose a response.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/chat-interceptor/internal/breaker"
	"github.com/adred-codev/chat-interceptor/internal/config"
	"github.com/adred-codev/chat-interceptor/internal/emitter"
	"github.com/adred-codev/chat-interceptor/internal/message"
	"github.com/adred-codev/chat-interceptor/internal/metrics"
	"github.com/adred-codev/chat-interceptor/internal/scorer"
)

// Dispatcher orchestrates scoring and emission for every inbound frame.
type Dispatcher struct {
	cfg     config.Config
	breaker *breaker.Breaker[message.Result]
	emitter *emitter.Emitter
	logger  *zap.Logger
	metrics *metrics.Registry
	nextID  atomic.Uint64
}

// New builds a Dispatcher wired to the given breaker and emitter.
func New(cfg config.Config, br *breaker.Breaker[message.Result], em *emitter.Emitter, logger *zap.Logger, metricsRegistry *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		breaker: br,
		emitter: em,
		logger:  logger,
		metrics: metricsRegistry,
	}
}

// rawFrame lets the dispatcher distinguish an absent/null "content" key
// (invalid request) from a genuine empty string (valid, scores to allow).
type rawFrame struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	RequestID string          `json:"request_id"`
}

type rawMessage struct {
	Content json.RawMessage `json:"content"`
}

// HandleFrame parses and processes one inbound frame, returning the
// serialized JSON response to write back to the client.
func (d *Dispatcher) HandleFrame(ctx context.Context, frame []byte) []byte {
	start := time.Now()

	var raw rawFrame
	if err := json.Unmarshal(bytes.TrimSpace(frame), &raw); err != nil {
		return encode(message.NewErrorResponse("", "Internal server error"))
	}

	if raw.Type != "intercept" {
		return encode(message.NewErrorResponse(raw.RequestID, "Internal server error"))
	}

	var rm rawMessage
	if len(raw.Message) == 0 {
		return encode(message.NewErrorResponse(raw.RequestID, "Internal server error"))
	}
	if err := json.Unmarshal(raw.Message, &rm); err != nil {
		return encode(message.NewErrorResponse(raw.RequestID, "Internal server error"))
	}
	if len(rm.Content) == 0 || bytes.Equal(bytes.TrimSpace(rm.Content), []byte("null")) {
		return encode(message.NewErrorResponse(raw.RequestID, "Internal server error"))
	}

	var msg message.ChatMessage
	if err := json.Unmarshal(raw.Message, &msg); err != nil {
		return encode(message.NewErrorResponse(raw.RequestID, "Internal server error"))
	}

	requestID := raw.RequestID
	if requestID == "" {
		requestID = d.mintRequestID()
	}

	result := d.score(ctx, msg)

	d.metrics.Intercept.RequestsTotal.WithLabelValues(string(result.Action)).Inc()
	d.metrics.Intercept.RiskScore.Observe(result.RiskScore)

	d.emitter.EmitAsync(msg, result)

	resp := message.NewResponse(requestID, result, time.Since(start).Milliseconds())
	return encode(resp)
}

// score runs the scorer under the circuit breaker, translating the
// breaker's sentinel and any unexpected failure into a fail-open allow
// result per spec §4.4/§7.
func (d *Dispatcher) score(ctx context.Context, msg message.ChatMessage) message.Result {
	result, err := d.breaker.Execute(ctx, func(context.Context) (message.Result, error) {
		return scorer.Score(msg.Content, d.cfg.SyncThreshold, scorer.Limits{MaxMessageLength: d.cfg.MaxMessageLength}), nil
	})

	d.metrics.Breaker.State.Set(float64(d.breaker.State()))

	if err == nil {
		return result
	}

	if errors.Is(err, breaker.ErrOpen) {
		d.logger.Debug("breaker open, failing open", zap.String("message_id", msg.MessageID))
		return message.Result{
			Allowed:   true,
			Action:    message.ActionAllow,
			RiskScore: 0.0,
			Labels:    []string{"circuit_breaker_open"},
		}
	}

	d.metrics.Breaker.FailuresTotal.Inc()
	d.logger.Error("scorer error, failing open", zap.Error(err), zap.String("message_id", msg.MessageID))
	return message.Result{
		Allowed:   true,
		Action:    message.ActionAllow,
		RiskScore: 0.0,
		Labels:    []string{"interceptor_error"},
	}
}

func (d *Dispatcher) mintRequestID() string {
	n := d.nextID.Add(1)
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), n)
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Marshaling our own fixed response types cannot fail in practice;
		// fall back to a minimal static error frame rather than panic.
		return []byte(`{"type":"error","error":"processing_error","message":"Internal server error"}`)
	}
	return b
}

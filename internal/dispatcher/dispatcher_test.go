package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/chat-interceptor/internal/breaker"
	"github.com/adred-codev/chat-interceptor/internal/config"
	"github.com/adred-codev/chat-interceptor/internal/emitter"
	"github.com/adred-codev/chat-interceptor/internal/message"
	"github.com/adred-codev/chat-interceptor/internal/metrics"
)

func testDispatcher(t *testing.T, brCfg breaker.Config) *Dispatcher {
	t.Helper()
	cfg := config.Config{
		SyncThreshold:    0.65,
		MaxMessageLength: 10000,
	}
	br := breaker.New[message.Result](brCfg)
	// Point the emitter at a backend that will never be reachable in unit
	// tests; EmitAsync must still never block the dispatcher.
	em := emitter.New(emitter.Config{Host: "127.0.0.1", Port: 1}, zap.NewNop(), metrics.NewRegistry())
	t.Cleanup(em.Shutdown)
	return New(cfg, br, em, zap.NewNop(), metrics.NewRegistry())
}

func decodeResponse(t *testing.T, raw []byte) message.Response {
	t.Helper()
	var resp message.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHandleFrame_BenignMessage(t *testing.T) {
	d := testDispatcher(t, breaker.Config{FailureThreshold: 5, ResetTimeout: time.Second})

	req := message.Request{
		Type: "intercept",
		Message: message.ChatMessage{
			MessageID: "m1",
			ThreadID:  "t1",
			UserID:    "u1",
			Content:   "Hello there, how are you?",
			Timestamp: "2026-07-29T00:00:00Z",
		},
		RequestID: "r1",
	}
	raw, _ := json.Marshal(req)

	resp := decodeResponse(t, d.HandleFrame(context.Background(), raw))

	if resp.Type != "intercept_result" {
		t.Fatalf("type = %q", resp.Type)
	}
	if resp.RequestID != "r1" {
		t.Fatalf("request_id = %q, want r1", resp.RequestID)
	}
	if resp.Result.Action != message.ActionAllow {
		t.Fatalf("action = %v, want allow", resp.Result.Action)
	}
	if resp.ProcessingMs < 0 {
		t.Fatalf("processing_ms = %d, want >= 0", resp.ProcessingMs)
	}
}

func TestHandleFrame_MintsRequestIDWhenAbsent(t *testing.T) {
	d := testDispatcher(t, breaker.Config{FailureThreshold: 5, ResetTimeout: time.Second})

	req := message.Request{
		Type: "intercept",
		Message: message.ChatMessage{
			MessageID: "m1",
			Content:   "hi",
			Timestamp: "2026-07-29T00:00:00Z",
		},
	}
	raw, _ := json.Marshal(req)

	resp := decodeResponse(t, d.HandleFrame(context.Background(), raw))
	if resp.RequestID == "" {
		t.Fatal("expected a minted request_id")
	}
}

func TestHandleFrame_MalformedJSON(t *testing.T) {
	d := testDispatcher(t, breaker.Config{FailureThreshold: 5, ResetTimeout: time.Second})

	raw := d.HandleFrame(context.Background(), []byte("{not json"))

	var errResp message.ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Type != "error" || errResp.Error != "processing_error" {
		t.Fatalf("got %+v", errResp)
	}
	if errResp.RequestID != "" {
		t.Fatalf("request_id = %q, want empty on parse failure", errResp.RequestID)
	}
}

func TestHandleFrame_WrongType(t *testing.T) {
	d := testDispatcher(t, breaker.Config{FailureThreshold: 5, ResetTimeout: time.Second})

	raw := d.HandleFrame(context.Background(), []byte(`{"type":"ping","request_id":"r2"}`))

	var errResp message.ErrorResponse
	_ = json.Unmarshal(raw, &errResp)
	if errResp.Type != "error" {
		t.Fatalf("got %+v", errResp)
	}
}

func TestHandleFrame_MissingContent(t *testing.T) {
	d := testDispatcher(t, breaker.Config{FailureThreshold: 5, ResetTimeout: time.Second})

	raw := d.HandleFrame(context.Background(), []byte(`{"type":"intercept","message":{"message_id":"m1"}}`))

	var errResp message.ErrorResponse
	_ = json.Unmarshal(raw, &errResp)
	if errResp.Type != "error" {
		t.Fatalf("expected error response for missing content, got %s", raw)
	}
}

func TestHandleFrame_EmptyStringContentIsValid(t *testing.T) {
	d := testDispatcher(t, breaker.Config{FailureThreshold: 5, ResetTimeout: time.Second})

	raw := d.HandleFrame(context.Background(), []byte(`{"type":"intercept","message":{"message_id":"m1","content":""}}`))

	resp := decodeResponse(t, raw)
	if resp.Type != "intercept_result" {
		t.Fatalf("empty string content should be a valid, scoreable message; got %s", raw)
	}
	if resp.Result.Action != message.ActionAllow || resp.Result.RiskScore != 0.0 {
		t.Fatalf("empty content result = %+v, want {allow, 0.0}", resp.Result)
	}
}

func TestHandleFrame_BreakerOpen_FailsOpen(t *testing.T) {
	br := breaker.New[message.Result](breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	br.Reset()
	// Force the breaker open by feeding it one failure directly.
	_, _ = br.Execute(context.Background(), func(context.Context) (message.Result, error) {
		return message.Result{}, context.DeadlineExceeded
	})
	if br.State() != breaker.Open {
		t.Fatalf("precondition: breaker state = %v, want Open", br.State())
	}

	cfg := config.Config{SyncThreshold: 0.65, MaxMessageLength: 10000}
	em := emitter.New(emitter.Config{Host: "127.0.0.1", Port: 1}, zap.NewNop(), metrics.NewRegistry())
	t.Cleanup(em.Shutdown)
	d := New(cfg, br, em, zap.NewNop(), metrics.NewRegistry())

	raw := d.HandleFrame(context.Background(), []byte(`{"type":"intercept","message":{"message_id":"m1","content":"Call me at (555) 123-4567"}}`))
	resp := decodeResponse(t, raw)

	if resp.Result.Action != message.ActionAllow {
		t.Fatalf("action = %v, want allow (fail-open)", resp.Result.Action)
	}
	found := false
	for _, l := range resp.Result.Labels {
		if l == "circuit_breaker_open" {
			found = true
		}
	}
	if !found {
		t.Fatalf("labels = %v, want circuit_breaker_open", resp.Result.Labels)
	}
}

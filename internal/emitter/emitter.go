// Package emitter publishes intercepted events to an append-only NATS
// JetStream log, fire-and-forget, without ever blocking the request path.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/adred-codev/chat-interceptor/internal/message"
	"github.com/adred-codev/chat-interceptor/internal/metrics"
)

const (
	streamName    = "cis:messages"
	streamSubject = "cis.messages"

	minBackoff = 1 * time.Second
	maxBackoff = 10 * time.Second

	emitQueueSize = 1024
	workerCount   = 4
)

// Config addresses the NATS server hosting the append-only log.
type Config struct {
	Host string
	Port int
}

func (c Config) url() string {
	return fmt.Sprintf("nats://%s:%d", c.Host, c.Port)
}

type emitJob struct {
	msg    message.ChatMessage
	result message.Result
}

// Emitter maintains a single long-lived JetStream connection and offers
// fire-and-forget publication of intercept events.
type Emitter struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	conn      *nats.Conn
	js        jetstream.JetStream
	stream    jetstream.Stream
	connected atomic.Bool

	jobs   chan emitJob
	wg     sync.WaitGroup
	stopCh chan struct{}

	reconnectMu    sync.Mutex
	reconnectN     int
	reconnectTimer *time.Timer
}

// New builds an Emitter and starts its worker pool. The initial connection
// attempt is best-effort: if it fails, the emitter starts disconnected and
// keeps retrying with capped exponential backoff in the background.
func New(cfg Config, logger *zap.Logger, metricsRegistry *metrics.Registry) *Emitter {
	e := &Emitter{
		cfg:     cfg,
		logger:  logger,
		metrics: metricsRegistry,
		jobs:    make(chan emitJob, emitQueueSize),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	e.connect()
	return e
}

// Connected reports whether the emitter currently has a live connection to
// the log backend.
func (e *Emitter) Connected() bool {
	return e.connected.Load()
}

// EmitAsync enqueues an intercept event for asynchronous publication. It
// never blocks the caller: if the queue is full the event is dropped and a
// warning is logged, consistent with the emitter's fail-open contract.
func (e *Emitter) EmitAsync(msg message.ChatMessage, result message.Result) {
	select {
	case e.jobs <- emitJob{msg: msg, result: result}:
	default:
		e.metrics.Emitter.DroppedTotal.Inc()
		e.logger.Warn("emit queue full, dropping event", zap.String("message_id", msg.MessageID))
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for {
		select {
		case job := <-e.jobs:
			e.emit(job.msg, job.result)
		case <-e.stopCh:
			for {
				select {
				case job := <-e.jobs:
					e.emit(job.msg, job.result)
				default:
					return
				}
			}
		}
	}
}

// emit performs the synchronous append to the log backend. It is only ever
// called from a worker goroutine, never from the request path.
func (e *Emitter) emit(msg message.ChatMessage, result message.Result) {
	if !e.Connected() {
		e.metrics.Emitter.DroppedTotal.Inc()
		e.logger.Warn("log backend disconnected, dropping event", zap.String("message_id", msg.MessageID))
		return
	}

	summary, err := message.SummaryJSON(result)
	if err != nil {
		e.logger.Error("marshal intercept summary", zap.Error(err))
		return
	}

	event := message.StreamEvent{
		MessageID:       msg.MessageID,
		ThreadID:        msg.ThreadID,
		UserID:          msg.UserID,
		Content:         msg.Content,
		Timestamp:       msg.Timestamp,
		InterceptResult: summary,
		EmittedAt:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	if msg.GPSLat != nil {
		event.GPSLat = fmt.Sprintf("%v", *msg.GPSLat)
	}
	if msg.GPSLon != nil {
		event.GPSLon = fmt.Sprintf("%v", *msg.GPSLon)
	}

	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("marshal stream event", zap.Error(err))
		return
	}

	e.mu.RLock()
	js := e.js
	e.mu.RUnlock()
	if js == nil {
		e.metrics.Emitter.DroppedTotal.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := js.Publish(ctx, streamSubject, data); err != nil {
		e.metrics.Emitter.DroppedTotal.Inc()
		e.logger.Warn("append failed", zap.Error(err), zap.String("message_id", msg.MessageID))
		return
	}
}

// StreamStats reports the current stream length and last assigned id, used
// by the metrics endpoint.
type StreamStats struct {
	Length int64
	LastID int64
}

// Stats performs a read-only inspection of the stream.
func (e *Emitter) Stats(ctx context.Context) (StreamStats, error) {
	e.mu.RLock()
	stream := e.stream
	e.mu.RUnlock()
	if stream == nil {
		return StreamStats{}, fmt.Errorf("emitter: not connected")
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return StreamStats{}, err
	}
	return StreamStats{
		Length: int64(info.State.Msgs),
		LastID: int64(info.State.LastSeq),
	}, nil
}

// connect attempts an initial connection; failures schedule a retry via the
// reconnect backoff rather than blocking the caller. Once connected,
// reconnects after a dropped connection are driven by the client's own
// built-in reconnect loop, timed by reconnectDelay so the same capped
// exponential formula governs every reconnect attempt, not just the
// bootstrap one.
func (e *Emitter) connect() {
	conn, err := nats.Connect(e.cfg.url(),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelayFunc(e.reconnectDelay),
		nats.ConnectHandler(e.onConnect),
		nats.DisconnectErrHandler(e.onDisconnect),
		nats.ReconnectHandler(e.onReconnect),
		nats.ErrorHandler(e.onError),
	)
	if err != nil {
		e.logger.Warn("initial connect failed, will retry", zap.Error(err))
		e.scheduleReconnect()
		return
	}

	e.bind(conn)
}

func (e *Emitter) bind(conn *nats.Conn) {
	js, err := jetstream.New(conn)
	if err != nil {
		e.logger.Error("jetstream init failed", zap.Error(err))
		conn.Close()
		e.scheduleReconnect()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{streamSubject},
	})
	if err != nil {
		e.logger.Error("ensure stream failed", zap.Error(err))
		conn.Close()
		e.scheduleReconnect()
		return
	}

	e.mu.Lock()
	e.conn = conn
	e.js = js
	e.stream = stream
	e.mu.Unlock()

	e.setConnected(true)
	e.reconnectMu.Lock()
	e.reconnectN = 0
	e.reconnectMu.Unlock()
}

func (e *Emitter) onConnect(conn *nats.Conn) {
	e.logger.Info("emitter connected", zap.String("url", conn.ConnectedUrl()))
	e.setConnected(true)
}

func (e *Emitter) onDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		e.logger.Warn("emitter disconnected", zap.Error(err))
	} else {
		e.logger.Warn("emitter disconnected")
	}
	e.setConnected(false)
}

func (e *Emitter) onReconnect(conn *nats.Conn) {
	e.logger.Info("emitter reconnected", zap.String("url", conn.ConnectedUrl()))
	e.setConnected(true)
}

func (e *Emitter) onError(_ *nats.Conn, _ *nats.Subscription, err error) {
	e.logger.Warn("emitter connection error", zap.Error(err))
}

func (e *Emitter) setConnected(v bool) {
	e.connected.Store(v)
	if v {
		e.metrics.Emitter.Connected.Set(1)
	} else {
		e.metrics.Emitter.Connected.Set(0)
	}
}

// backoffDuration computes min(2^n * 1000ms, 10000ms), the capped
// exponential reconnect delay shared by both reconnect paths: the
// manual bootstrap/bind retry (scheduleReconnect) and the NATS client's
// own built-in reconnect loop (reconnectDelay).
func backoffDuration(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 10 {
		n = 10
	}
	d := time.Duration(1<<uint(n)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	if d < minBackoff {
		d = minBackoff
	}
	return d
}

// scheduleReconnect arranges another connect attempt after
// backoffDuration(n). Used only when no live *nats.Conn exists yet to
// drive its own reconnect loop: the initial connect failed, or bind
// (JetStream init / stream creation) failed on a freshly opened
// connection. No offline queueing is performed: pending emits simply
// fail open via Connected() while the timer is pending.
func (e *Emitter) scheduleReconnect() {
	e.reconnectMu.Lock()
	defer e.reconnectMu.Unlock()

	backoff := backoffDuration(e.reconnectN)
	e.reconnectN++

	e.metrics.Emitter.ReconnectAttempts.Inc()
	e.reconnectTimer = time.AfterFunc(backoff, e.connect)
}

// reconnectDelay is registered as the connection's CustomReconnectDelayFunc
// so the client's own reconnect loop — the path driving every reconnect
// after a previously-established connection drops — is governed by the
// same capped exponential backoff as scheduleReconnect, instead of the
// library's fixed default wait.
func (e *Emitter) reconnectDelay(attempts int) time.Duration {
	e.metrics.Emitter.ReconnectAttempts.Inc()
	return backoffDuration(attempts - 1)
}

// Shutdown drains outstanding writes best-effort, closes the connection,
// and cancels any pending reconnect timer.
func (e *Emitter) Shutdown() {
	e.reconnectMu.Lock()
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	e.reconnectMu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.setConnected(false)
}

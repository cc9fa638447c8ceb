// Package session tracks live transport connections and their outbound
// send queues. It is the interceptor's connection registry: unlike the
// fan-out hub it is adapted from, it never broadcasts — every inbound
// frame produces exactly one reply enqueued on the same connection that
// sent it.
package session

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adred-codev/chat-interceptor/internal/metrics"
)

// Connection is one registered transport connection and its outbound queue.
type Connection struct {
	ID        uint64
	Conn      net.Conn
	SendQueue chan []byte
}

type shard struct {
	clients sync.Map // map[uint64]*Connection
	count   int32
}

const (
	shardCount      = 64
	sendChannelSize = 16
)

// Hub is the process-wide connection registry.
type Hub struct {
	shards           []shard
	nextConnection   uint64
	metrics          *metrics.Registry
	metricsConnGauge prometheus.Gauge
}

// NewHub creates an empty connection registry.
func NewHub(metricsRegistry *metrics.Registry) *Hub {
	return &Hub{
		shards:           make([]shard, shardCount),
		metrics:          metricsRegistry,
		metricsConnGauge: metricsRegistry.Connections.ActiveConnections,
	}
}

// Register adds a new connection to the registry and returns its handle.
func (h *Hub) Register(conn net.Conn) *Connection {
	id := atomic.AddUint64(&h.nextConnection, 1)
	shard := h.pickShard(id)

	c := &Connection{
		ID:        id,
		Conn:      conn,
		SendQueue: make(chan []byte, sendChannelSize),
	}

	shard.clients.Store(id, c)
	atomic.AddInt32(&shard.count, 1)
	h.metricsConnGauge.Inc()
	return c
}

// Unregister removes a connection from the registry and closes its queue.
func (h *Hub) Unregister(c *Connection) {
	if c == nil {
		return
	}
	shard := h.pickShard(c.ID)
	if _, ok := shard.clients.LoadAndDelete(c.ID); ok {
		atomic.AddInt32(&shard.count, -1)
		h.metricsConnGauge.Dec()
		close(c.SendQueue)
	}
}

// ClientCount returns the total number of tracked connections.
func (h *Hub) ClientCount() int {
	var total int32
	for idx := range h.shards {
		total += atomic.LoadInt32(&h.shards[idx].count)
	}
	return int(total)
}

func (h *Hub) pickShard(id uint64) *shard {
	return &h.shards[int(id)%len(h.shards)]
}

// Shutdown unregisters every connection, closing their send queues.
func (h *Hub) Shutdown() {
	for idx := range h.shards {
		shard := &h.shards[idx]
		shard.clients.Range(func(_, value any) bool {
			conn := value.(*Connection)
			h.Unregister(conn)
			return true
		})
	}
}

// Package hub runs broker fan-out and connection liveness on one goroutine.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"coursechat/internal/logging"
	"coursechat/internal/router"
	"coursechat/internal/websocket"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Config tunes the hub. ReadTimeout is the silence after which a connection
// is considered dead; SweepInterval is how often that is checked.
type Config struct {
	QueueSize     int
	ReadTimeout   time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     1000,
		ReadTimeout:   60 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Hub coordinates delivery routing and connection sweeping.
// ARCHITECTURAL DISCOVERY: a single goroutine drains the publish queue, so
// every connection sees deliveries in the order they were published.
type Hub struct {
	deliveries chan *types.Delivery
	shutdown   chan struct{}
	done       chan struct{}

	registry *websocket.Registry
	router   interfaces.MessageRouter
	limiter  *router.RateLimiter
	config   Config
	now      func() time.Time

	running bool
	mu      sync.RWMutex
	logger  *log.Logger
}

// NewHub creates a hub. limiter may be nil; when set its idle users are
// cleaned up on every sweep.
func NewHub(registry *websocket.Registry, r interfaces.MessageRouter, limiter *router.RateLimiter, config Config) *Hub {
	d := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = d.QueueSize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = d.ReadTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.ReadTimeout / 2
	}
	return &Hub{
		deliveries: make(chan *types.Delivery, config.QueueSize),
		registry:   registry,
		router:     r,
		limiter:    limiter,
		config:     config,
		now:        time.Now,
		logger:     logging.For("broker"),
	}
}

var _ interfaces.Publisher = (*Hub)(nil)

// Start begins hub processing.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("starting broker hub")
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop ends processing and waits for the loop to exit. Deliveries still
// queued are routed first.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("broker hub stopped")
	return nil
}

// IsRunning reports whether the hub loop is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Publish queues a delivery for fan-out. It never blocks: when the queue is
// full the delivery is dropped and clients catch up on their next history fetch.
func (h *Hub) Publish(delivery *types.Delivery) error {
	if delivery == nil {
		return ErrNilDelivery
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.deliveries <- delivery:
		return nil
	default:
		return ErrPublishQueueFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case d := <-h.deliveries:
			h.router.Route(ctx, d)

		case <-ticker.C:
			h.Sweep()

		case <-shutdown:
			h.drain(ctx)
			return

		case <-ctx.Done():
			h.logger.Info("hub context canceled")
			return
		}
	}
}

func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case d := <-h.deliveries:
			h.router.Route(ctx, d)
		default:
			return
		}
	}
}

// Sweep closes and deregisters connections silent for longer than
// ReadTimeout and returns how many it removed. The read deadline normally
// catches these first; the sweep covers connections whose reader is stuck.
func (h *Hub) Sweep() int {
	cutoff := h.now().Add(-h.config.ReadTimeout)
	removed := 0
	for _, conn := range h.registry.Stale(cutoff) {
		if h.registry.UnregisterConnection(conn) {
			removed++
		}
		if err := conn.Close(); err != nil {
			h.logger.Debugf("closing stale connection: user=%s: %v", conn.GetUserID(), err)
		}
		h.logger.Infof("dropped silent connection: user=%s role=%s origin=%s last_seen=%s",
			conn.GetUserID(), conn.GetRole(), conn.GetOrigin(), conn.LastSeen().Format(time.RFC3339))
	}
	if h.limiter != nil {
		h.limiter.Cleanup()
	}
	return removed
}

// Package hub fans committed store changes out to every notification socket
// a user has open.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/protocol"
	"github.com/medlearn/simquota/internal/store"
)

const (
	// IdleTimeout is how long a subscription with no sockets stays open.
	IdleTimeout = 30 * time.Minute
	// DefaultCleanupInterval is how often idle subscriptions are dropped.
	DefaultCleanupInterval = 5 * time.Minute
	// MaxConnsPerUser bounds the sockets one user may hold.
	MaxConnsPerUser = 8
)

var ErrTooManyConnections = xerrors.New("too many notification sockets for user")

type Options struct {
	Logger      slog.Logger
	Clock       quartz.Clock
	Registerer  prometheus.Registerer
	IdleTimeout time.Duration
	// CleanupInterval < 0 disables the idle sweep.
	CleanupInterval time.Duration
}

// Hub keeps one store subscription per connected user.
type Hub struct {
	store       store.Store
	logger      slog.Logger
	clock       quartz.Clock
	idleTimeout time.Duration

	mu        sync.RWMutex
	users     map[string]*Subscription
	closed    bool
	connCount atomic.Int64
	startTime time.Time

	delivered prometheus.Counter
	dropped   prometheus.Counter

	cancel  context.CancelFunc
	cleanup quartz.Waiter
}

func New(s store.Store, opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = IdleTimeout
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	factory := promauto.With(opts.Registerer)
	h := &Hub{
		store:       s,
		logger:      opts.Logger.Named("hub"),
		clock:       opts.Clock,
		idleTimeout: opts.IdleTimeout,
		users:       make(map[string]*Subscription),
		startTime:   opts.Clock.Now(),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simquota",
			Subsystem: "hub",
			Name:      "notifications_delivered_total",
			Help:      "Notifications queued on a socket.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simquota",
			Subsystem: "hub",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a socket's buffer was full.",
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	if opts.CleanupInterval > 0 {
		h.cleanup = h.clock.TickerFunc(ctx, opts.CleanupInterval, func() error {
			h.CleanIdle(ctx)
			return nil
		}, "hub", "cleanup")
	}
	return h
}

func (h *Hub) ConnectionCount() int64 {
	return h.connCount.Load()
}

// StartTime returns when the hub was created.
func (h *Hub) StartTime() time.Time {
	return h.startTime
}

// UserCount returns the number of open subscriptions.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Register attaches conn to its user's subscription, subscribing to the
// store on first use.
func (h *Hub) Register(ctx context.Context, conn *Connection) error {
	if conn.UserID == "" {
		return xerrors.New("connection has no user")
	}
	now := h.clock.Now("hub", "register")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return xerrors.New("hub is closed")
	}
	sub, ok := h.users[conn.UserID]
	if !ok {
		sub = &Subscription{
			UserID: conn.UserID,
			conns:  make(map[*Connection]struct{}),
		}
		userID := conn.UserID
		unsubscribe, err := h.store.Subscribe(userID, func(ctx context.Context, c store.Change) {
			h.broadcast(ctx, userID, c)
		})
		if err != nil {
			return xerrors.Errorf("subscribe %s: %w", userID, err)
		}
		sub.unsubscribe = unsubscribe
		h.users[userID] = sub
	}
	if sub.Len() >= MaxConnsPerUser {
		return ErrTooManyConnections
	}
	n := sub.add(conn, now)
	h.connCount.Add(1)

	h.logger.Debug(ctx, "socket registered",
		slog.F("user_id", conn.UserID),
		slog.F("conn_id", conn.ID),
		slog.F("user_sockets", n),
	)
	return nil
}

// Unregister detaches conn. The subscription stays until CleanIdle drops it.
func (h *Hub) Unregister(ctx context.Context, conn *Connection) {
	if conn == nil {
		return
	}
	h.mu.RLock()
	sub, ok := h.users[conn.UserID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if sub.remove(conn, h.clock.Now("hub", "unregister")) {
		h.connCount.Add(-1)
		h.logger.Debug(ctx, "socket unregistered", slog.F("user_id", conn.UserID), slog.F("conn_id", conn.ID))
	}
}

func (h *Hub) broadcast(ctx context.Context, userID string, c store.Change) {
	h.mu.RLock()
	sub, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	conns := sub.snapshot()
	if len(conns) == 0 {
		return
	}

	data, err := protocol.Encode(protocol.TypeNotification, protocol.NotificationPayload(c), h.clock.Now("hub", "broadcast"))
	if err != nil {
		h.logger.Error(ctx, "encode notification", slog.F("user_id", userID), slog.Error(err))
		return
	}

	var eg errgroup.Group
	for _, conn := range conns {
		eg.Go(func() error {
			select {
			case conn.Send <- data:
				h.delivered.Inc()
				return nil
			case <-conn.Done:
				return nil
			default:
				h.dropped.Inc()
				return xerrors.Errorf("socket %s send buffer full", conn.ID)
			}
		})
	}
	if err := eg.Wait(); err != nil {
		h.logger.Warn(ctx, "notification dropped", slog.F("user_id", userID), slog.Error(err))
	}
}

// CleanIdle drops subscriptions that have had no sockets for the idle
// timeout and returns how many it dropped.
func (h *Hub) CleanIdle(ctx context.Context) int {
	now := h.clock.Now("hub", "cleanup")

	h.mu.Lock()
	var idle []*Subscription
	for userID, sub := range h.users {
		if sub.IsIdle(now, h.idleTimeout) {
			delete(h.users, userID)
			idle = append(idle, sub)
		}
	}
	remaining := len(h.users)
	h.mu.Unlock()

	for _, sub := range idle {
		sub.unsubscribe()
	}
	if len(idle) > 0 {
		h.logger.Info(ctx, "dropped idle subscriptions", slog.F("count", len(idle)), slog.F("remaining", remaining))
	}
	return len(idle)
}

// Close unsubscribes every user and closes every socket's Done channel.
func (h *Hub) Close() {
	h.cancel()
	if h.cleanup != nil {
		_ = h.cleanup.Wait()
	}

	h.mu.Lock()
	h.closed = true
	users := h.users
	h.users = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range users {
		sub.unsubscribe()
		for _, c := range sub.snapshot() {
			c.CloseDone()
		}
	}
}

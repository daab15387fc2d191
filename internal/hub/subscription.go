package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/medlearn/simquota/internal/ratelimit"
)

const sendBuffer = 64

// Subscription is the store subscription shared by every open socket of one
// user.
type Subscription struct {
	UserID      string
	mu          sync.RWMutex
	conns       map[*Connection]struct{}
	unsubscribe func()
	lastActive  time.Time
}

// Connection is a single notification socket.
type Connection struct {
	ID        string
	WS        *websocket.Conn
	UserID    string
	Limiter   *rate.Limiter
	Send      chan []byte
	Done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a Connection for userID with a send buffer.
func NewConnection(ws *websocket.Conn, userID string) *Connection {
	return &Connection{
		ID:      uuid.NewString(),
		WS:      ws,
		UserID:  userID,
		Limiter: ratelimit.NewSocketLimiter(),
		Send:    make(chan []byte, sendBuffer),
		Done:    make(chan struct{}),
	}
}

// CloseDone safely closes the Done channel exactly once.
func (c *Connection) CloseDone() {
	c.closeOnce.Do(func() {
		close(c.Done)
	})
}

func (s *Subscription) add(c *Connection, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
	s.lastActive = now
	return len(s.conns)
}

func (s *Subscription) remove(c *Connection, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; !ok {
		return false
	}
	delete(s.conns, c)
	s.lastActive = now
	return true
}

func (s *Subscription) snapshot() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Len is the number of open sockets.
func (s *Subscription) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// IsIdle reports whether the subscription has had no sockets for timeout.
func (s *Subscription) IsIdle(now time.Time, timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.conns) > 0 {
		return false
	}
	return now.Sub(s.lastActive) > timeout
}

// Package registry tracks the live WebSocket sessions attached to the
// gateway and enforces the ping/pong liveness contract: each session gets
// a dedicated ping task, and a session that misses PongTimeout is evicted.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one live, registered WebSocket connection.
type Session struct {
	ID   string
	conn *websocket.Conn

	writeMu sync.Mutex // guards conn.Write*; shared by ping task and gateway broadcast/unicast

	cancel context.CancelFunc
	done   chan struct{}
}

// WriteJSON serialises v and writes it as a single text frame. Safe for
// concurrent use by the gateway's fanout loop and the registry's own ping
// task.
func (s *Session) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("registry: marshal frame for session %s: %w", s.ID, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// Conn exposes the underlying connection for the gateway's read loop.
func (s *Session) Conn() *websocket.Conn { return s.conn }

// Registry is the set of currently-registered sessions. A single mutex
// covers both session membership and each session's lastPongAt, matching
// the one-lock-per-registry discipline the ping/pong eviction logic
// depends on.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	lastPongAt   map[string]time.Time
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// New creates an empty Registry. pingInterval and pongTimeout must be > 0.
func New(pingInterval, pongTimeout time.Duration) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		lastPongAt:   make(map[string]time.Time),
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
	}
}

// Register adds conn under id, starts its ping task, and returns the
// session handle the gateway should use for writes.
func (r *Registry) Register(id string, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{ID: id, conn: conn, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.sessions[id] = s
	r.lastPongAt[id] = time.Now()
	r.mu.Unlock()

	go r.pingLoop(ctx, s)
	return s
}

// Unregister removes id from the registry, cancels and awaits its ping
// task, and closes the underlying connection. Safe to call more than
// once; subsequent calls are no-ops.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.lastPongAt, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.cancel()
	<-s.done
	_ = s.conn.Close()
}

// Pong records a liveness pong from id.
func (r *Registry) Pong(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		r.lastPongAt[id] = time.Now()
	}
}

// Broadcast writes v to every currently-registered session. Write errors
// are logged and the offending session is scheduled for eviction; they
// never abort delivery to the remaining sessions.
func (r *Registry) Broadcast(v any) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.WriteJSON(v); err != nil {
			log.Printf("registry: broadcast to session %s failed, evicting: %v", s.ID, err)
			go r.Unregister(s.ID)
		}
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll evicts every session, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unregister(id)
	}
}

func (r *Registry) pingLoop(ctx context.Context, s *Session) {
	defer close(s.done)
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			last, ok := r.lastPongAt[s.ID]
			r.mu.Unlock()
			if !ok {
				return // already unregistered
			}
			if time.Since(last) > r.pongTimeout {
				log.Printf("registry: session %s missed pong within %s, evicting", s.ID, r.pongTimeout)
				go r.Unregister(s.ID)
				return
			}
			if err := s.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				log.Printf("registry: ping write to session %s failed, evicting: %v", s.ID, err)
				go r.Unregister(s.ID)
				return
			}
		}
	}
}

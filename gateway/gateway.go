// Package gateway implements the WebSocket control channel: it accepts
// client connections, sends the initial queue snapshot, dispatches inbound
// commands to the queue store, and streams queue events back out.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/whisper-darkly/pipequeue/queue"
	"github.com/whisper-darkly/pipequeue/registry"
)

// frame is the wire envelope for every message in both directions.
type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type actionResult struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	QueueID string `json:"queueId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type commandPayload struct {
	QueueID string `json:"queueId"`
}

// Gateway wires a connection registry to a queue.Store.
type Gateway struct {
	store        queue.Store
	registry     *registry.Registry
	pendingLimit int

	upgrader websocket.Upgrader
	nextID   atomic.Int64
}

// New constructs a Gateway. pendingLimit bounds the pending slice sent in
// every queue_state snapshot.
func New(store queue.Store, reg *registry.Registry, pendingLimit int) *Gateway {
	return &Gateway{
		store:        store,
		registry:     reg,
		pendingLimit: pendingLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterFanout subscribes the gateway to the store's event bus so every
// event — local or forwarded from a peer — is broadcast to every
// registered session. Call once during C6 startup.
func (g *Gateway) RegisterFanout() {
	g.store.Subscribe(func(ev queue.Event) {
		g.registry.Broadcast(frame{Type: string(ev.Action), Payload: ev})
	})
}

// ServeHTTP upgrades the request to a WebSocket, registers the session,
// sends the initial snapshot, and runs the read loop until the connection
// closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	id := fmt.Sprintf("conn-%d", g.nextID.Add(1))
	sess := g.registry.Register(id, conn)

	if err := g.sendSnapshot(r.Context(), sess); err != nil {
		log.Printf("gateway: session %s: initial snapshot failed: %v", id, err)
	}

	g.readLoop(r.Context(), id, sess)
}

func (g *Gateway) sendSnapshot(ctx context.Context, sess *registry.Session) error {
	state, err := g.store.GetState(ctx, g.pendingLimit)
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	return sess.WriteJSON(frame{Type: "queue_state", Payload: state})
}

func (g *Gateway) readLoop(ctx context.Context, id string, sess *registry.Session) {
	defer g.registry.Unregister(id)

	conn := sess.Conn()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway: session %s: read error: %v", id, err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			g.sendError(sess, "malformed message")
			continue
		}

		g.dispatch(ctx, id, sess, f)
	}
}

func (g *Gateway) dispatch(ctx context.Context, id string, sess *registry.Session, f frame) {
	switch f.Type {
	case "retry":
		g.handleAction(ctx, sess, f, "retry", func(ctx context.Context, qid string) (bool, error) {
			item, err := g.store.Retry(ctx, qid)
			return item != nil, err
		})
	case "cancel":
		g.handleAction(ctx, sess, f, "cancel", g.store.Cancel)
	case "dismiss":
		g.handleAction(ctx, sess, f, "dismiss", g.store.DismissFailed)
	case "refresh":
		if err := g.sendSnapshot(ctx, sess); err != nil {
			g.sendError(sess, "refresh failed")
		}
	case "ping":
		_ = sess.WriteJSON(frame{Type: "pong"})
	case "pong":
		g.registry.Pong(id)
	default:
		g.sendError(sess, fmt.Sprintf("unknown message type %q", f.Type))
	}
}

func (g *Gateway) handleAction(ctx context.Context, sess *registry.Session, f frame, action string, do func(ctx context.Context, queueID string) (bool, error)) {
	var p commandPayload
	if err := decodePayload(f.Payload, &p); err != nil || p.QueueID == "" {
		g.sendError(sess, fmt.Sprintf("%s: missing queueId", action))
		return
	}

	success, err := do(ctx, p.QueueID)
	if err != nil {
		g.sendError(sess, fmt.Sprintf("%s failed: %v", action, err))
		return
	}

	_ = sess.WriteJSON(frame{
		Type: "action_result",
		Payload: actionResult{
			Action:  action,
			Success: success,
			QueueID: p.QueueID,
		},
	})
}

func decodePayload(payload any, out *commandPayload) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (g *Gateway) sendError(sess *registry.Session, message string) {
	_ = sess.WriteJSON(frame{Type: "error", Payload: errorPayload{Message: message}})
}

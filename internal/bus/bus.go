// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package bus is the wire surface of the player: a publish/subscribe
// state channel and a request/reply command channel, both carried as
// JSON array frames over websockets. The player core only sees the
// Publisher and CommandHandler interfaces, so tests drive it in-process.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/internal/player"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// CommandHandler executes one command; the player implements it.
type CommandHandler interface {
	Command(cmd string, args []string) player.Reply
}

// subscriber is one state-channel connection. Frames queue in a bounded
// buffer; a subscriber that cannot keep up is dropped rather than allowed
// to stall the publisher.
type subscriber struct {
	id     string
	frames chan []byte
}

// Hub serves both channels and fans published frames out to every
// state subscriber in publication order.
type Hub struct {
	logger  commons.Logger
	handler CommandHandler
	addr    string

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]*subscriber

	server *http.Server
}

// SetHandler installs the command handler; the hub and the player are
// mutually dependent, so the daemon wires the handler after construction.
func (h *Hub) SetHandler(handler CommandHandler) {
	h.handler = handler
}

func NewHub(addr string, handler CommandHandler, logger commons.Logger) *Hub {
	return &Hub{
		logger:  logger,
		handler: handler,
		addr:    addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The control surface is LAN-local; widget pages may be
			// served from anywhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: map[string]*subscriber{},
	}
}

// Handler returns the hub's HTTP surface: /state and /command.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", h.handleState)
	mux.HandleFunc("/command", h.handleCommand)
	return mux
}

// Run serves until the context ends.
func (h *Hub) Run(ctx context.Context) error {
	h.server = &http.Server{
		Addr:              h.addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.ListenAndServe()
	}()
	h.logger.Infow("Bus listening", "addr", h.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ============================================================================
// State channel (publish/subscribe)
// ============================================================================

// PublishDisc implements player.Publisher.
func (h *Hub) PublishDisc(d *disc.Disc) {
	h.broadcast("disc", d)
}

// PublishState implements player.Publisher.
func (h *Hub) PublishState(s player.State) {
	h.broadcast("state", s)
}

// PublishRipState implements player.Publisher.
func (h *Hub) PublishRipState(rs player.RipState) {
	h.broadcast("rip_state", rs)
}

func (h *Hub) broadcast(topic string, payload interface{}) {
	frame, err := json.Marshal([]interface{}{topic, payload})
	if err != nil {
		h.logger.Errorw("Unserializable frame", "topic", topic, "error", err)
		return
	}
	h.rebroadcast(frame)
}

func (h *Hub) rebroadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		select {
		case sub.frames <- frame:
		default:
			// Too far behind: cut it loose, the writer goroutine exits
			// on the closed channel.
			h.logger.Warnw("Dropping slow state subscriber", "subscriber", id)
			close(sub.frames)
			delete(h.subs, id)
		}
	}
}

func (h *Hub) handleState(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		frames: make(chan []byte, 64),
	}

	// A fresh subscriber starts from the current picture. The disc
	// frame goes first so it precedes any state naming that disc, same
	// as for live publications.
	for _, q := range []string{"current_disc", "state", "rip_state"} {
		reply := h.handler.Command(q, nil)
		if frame, err := json.Marshal([]interface{}{reply.Kind, reply.Value}); err == nil {
			sub.frames <- frame
		}
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	h.logger.Debugw("State subscriber connected", "subscriber", sub.id)

	defer func() {
		h.mu.Lock()
		if _, ok := h.subs[sub.id]; ok {
			close(sub.frames)
			delete(h.subs, sub.id)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Inbound frames on the state channel are input events from the
	// hardware daemons (button presses and repeats); the hub brokers
	// them to every subscriber. Anything unparsable just closes the
	// connection.
	go func() {
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame []json.RawMessage
			if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
				continue
			}
			var event string
			if err := json.Unmarshal(frame[0], &event); err != nil {
				continue
			}
			if strings.HasPrefix(event, "button.") {
				h.rebroadcast(raw)
			}
		}
	}()

	for frame := range sub.frames {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// ============================================================================
// Command channel (request/reply)
// ============================================================================

func (h *Hub) handleCommand(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// One command per message, processed in receive order for this
	// connection.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		reply := h.dispatch(raw)
		frame := renderReply(reply)
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (h *Hub) dispatch(raw []byte) player.Reply {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		return player.Reply{Kind: "error", Value: "malformed command frame"}
	}

	var cmd string
	if err := json.Unmarshal(parts[0], &cmd); err != nil {
		return player.Reply{Kind: "error", Value: "command name must be a string"}
	}

	args := make([]string, 0, len(parts)-1)
	for _, part := range parts[1:] {
		var s string
		if err := json.Unmarshal(part, &s); err != nil {
			// Numeric arguments arrive as bare JSON numbers.
			s = string(part)
		}
		args = append(args, s)
	}

	return h.handler.Command(cmd, args)
}

func renderReply(reply player.Reply) []byte {
	var frame []interface{}
	switch reply.Kind {
	case "ok":
		if reply.Value == nil {
			frame = []interface{}{"ok"}
		} else {
			frame = []interface{}{"ok", reply.Value}
		}
	default:
		frame = []interface{}{reply.Kind, reply.Value}
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		raw, _ = json.Marshal([]interface{}{"error", "unserializable reply"})
	}
	return raw
}

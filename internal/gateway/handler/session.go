package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"codeforge/internal/agent"
)

const (
	sessionWSWriteWait = 10 * time.Second
	sessionWSPongWait  = 60 * time.Second
	sessionWSPingEvery = (sessionWSPongWait * 9) / 10
)

var sessionWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleSession upgrades GET /v1/projects/{projectID}/session to a
// WebSocket and bridges it to an agent session. Opening is checked before
// the upgrade so a busy or missing project gets a plain HTTP error.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	pid := projectID(r)
	sess, err := h.sessions.Open(r.Context(), pid)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	defer sess.Close()

	conn, err := sessionWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(sessionWSPongWait)); err != nil {
		log.Printf("session ws set read deadline failed: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(sessionWSPongWait))
	})

	// Replies produced by the reader (pong, rejected submits) travel on
	// their own channel; session events keep their turn order.
	replyCh := make(chan agent.Event, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		defer cancel()
		ticker := time.NewTicker(sessionWSPingEvery)
		defer ticker.Stop()

		events := sess.Events()
		for {
			var out agent.Event
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				out = ev
			case out = <-replyCh:
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(sessionWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(sessionWSWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	for {
		var in agent.Inbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}
		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			pushSessionReply(replyCh, agent.Event{Type: agent.EventPong})
		case "message":
			if err := sess.Submit(in.Text, in.ContextPaths); err != nil {
				code := "invalid_argument"
				if errors.Is(err, agent.ErrQueueFull) {
					code = "queue_full"
				}
				pushSessionReply(replyCh, agent.Event{Type: agent.EventError, Code: code, Message: err.Error()})
			}
		case "":
			pushSessionReply(replyCh, agent.Event{Type: agent.EventError, Code: "invalid_argument", Message: "type is required"})
		default:
			pushSessionReply(replyCh, agent.Event{Type: agent.EventError, Code: "invalid_argument", Message: "unsupported type: " + in.Type})
		}
	}
}

// pushSessionReply drops the oldest pending reply rather than block the
// reader.
func pushSessionReply(ch chan agent.Event, ev agent.Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

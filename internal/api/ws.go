// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/platformbuilds/pmaxcap/internal/events"
	"github.com/platformbuilds/pmaxcap/internal/store"
)

const wsReadLimit = 4096

type wsConnected struct {
	Type      events.Type  `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Status    store.Status `json:"status"`
}

type wsClientMessage struct {
	Type string `json:"type"`
}

// handleWS streams bus events to one client. The first message carries the
// current status; client pings are answered with pong. All writes happen on
// this goroutine.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(s.opts.EventBuffer)
	defer sub.Close()

	log := s.log.With("remote", conn.RemoteAddr().String())
	log.Debug("websocket client connected")

	pongs := make(chan struct{}, 1)
	closed := make(chan struct{})
	go s.readLoop(conn, pongs, closed)

	if err := s.writeJSON(conn, wsConnected{
		Type:      events.TypeConnected,
		Timestamp: time.Now().UTC(),
		Status:    s.store.Status(),
	}); err != nil {
		log.Debug("websocket write failed", "error", err)
		return
	}

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug("websocket client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				// dropped for falling behind
				log.Warn("websocket client too slow, closing")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "event buffer overflow"),
					time.Now().Add(s.opts.WriteTimeout))
				return
			}
			if err := s.writeJSON(conn, ev); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		case <-pongs:
			if err := s.writeJSON(conn, events.Event{Type: events.TypePong, Timestamp: time.Now().UTC()}); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				log.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// readLoop is the connection's only reader. Unknown or malformed messages
// are ignored. A client that neither sends nor answers a ping within two
// ping intervals is treated as gone.
func (s *Server) readLoop(conn *websocket.Conn, pongs chan<- struct{}, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(wsReadLimit)

	pongWait := 2 * s.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

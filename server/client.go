package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/AsianManiac/webtoon-scraper/broadcast"
	"github.com/AsianManiac/webtoon-scraper/control"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var wsActions = map[string]string{
	"start_download":  "start",
	"pause_download":  "pause",
	"resume_download": "resume",
	"retry_download":  "retry",
}

type inbound struct {
	Action     string `json:"action"`
	DownloadID string `json:"download_id"`
}

// client is one websocket connection. Only writePump writes to the socket.
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func newClient(id string, conn *websocket.Conn, log zerolog.Logger) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  log.With().Str("client", id).Logger(),
	}
}

func (c *client) ID() string { return c.id }

func (c *client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to marshal reply")
		return
	}
	if !c.Send(data) {
		c.log.Warn().Msg("Dropping reply to slow client")
	}
}

func (c *client) readPump(ctx context.Context, hub *broadcast.Hub, svc *control.Service) {
	defer hub.Unregister(c.id)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(errorReply{Error: "Invalid message", Status: "error"})
			continue
		}
		action, ok := wsActions[msg.Action]
		if !ok {
			c.reply(errorReply{Error: "Unknown action: " + msg.Action, Status: "error"})
			continue
		}
		if msg.DownloadID == "" {
			c.reply(errorReply{Error: "download_id is required", Status: "error"})
			continue
		}

		if _, err := svc.Apply(ctx, action, msg.DownloadID); err != nil {
			c.log.Warn().Err(err).Str("job_id", msg.DownloadID).Str("action", action).Msg("Control command rejected")
			c.reply(errorReply{Error: err.Error(), Status: "error"})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package broadcast fans progress events out to every connected observer.
package broadcast

import (
	"context"

	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/rs/zerolog"
)

// Client is a single observer connection. Send must not block: it returns
// false when the message could not be queued for delivery.
type Client interface {
	ID() string
	Send(msg []byte) bool
	Close() error
}

// Hub owns the client registry. Registration, removal and broadcast are
// messages handled by the Run goroutine, so the registry needs no lock.
type Hub struct {
	clients    map[string]Client
	register   chan Client
	unregister chan string
	broadcast  chan []byte
	count      chan chan int
	done       chan struct{}
	log        zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]Client),
		register:   make(chan Client),
		unregister: make(chan string),
		broadcast:  make(chan []byte, 256),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run processes hub messages until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, client := range h.clients {
				client.Close()
				delete(h.clients, id)
			}
			return
		case client := <-h.register:
			h.clients[client.ID()] = client
			h.log.Info().Str("client", client.ID()).Int("clients", len(h.clients)).Msg("Client connected")
		case id := <-h.unregister:
			if client, ok := h.clients[id]; ok {
				delete(h.clients, id)
				client.Close()
				h.log.Info().Str("client", id).Int("clients", len(h.clients)).Msg("Client disconnected")
			}
		case msg := <-h.broadcast:
			for id, client := range h.clients {
				if !client.Send(msg) {
					h.log.Warn().Str("client", id).Msg("Dropping slow client")
					delete(h.clients, id)
					client.Close()
				}
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *Hub) Register(client Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) Unregister(id string) {
	select {
	case h.unregister <- id:
	case <-h.done:
	}
}

// Publish encodes the event once and queues it for every registered client.
// Events published while nobody is connected are lost.
func (h *Hub) Publish(event models.ProgressEvent) {
	msg, err := event.Encode()
	if err != nil {
		h.log.Error().Err(err).Str("job_id", event.JobID).Msg("Failed to encode progress event")
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Package websocket pushes progress changes and notifications to browsers.
package websocket

import (
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/notify"
)

// Message types sent to clients.
const (
	TypeProgress     = "progress"
	TypeNotification = "notification"
)

// Message is the envelope of every frame the hub sends.
type Message struct {
	Type         string               `json:"type"`
	Progress     *models.JobProgress  `json:"progress,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway listens on a local port for the user's own browser.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run dispatches registrations and broadcasts until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop it rather than stall every other one.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastJSON marshals v and queues it for every client. It never blocks;
// when the queue is full the message is dropped.
func (h *Hub) BroadcastJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("could not marshal websocket message")
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		log.Warn().Msg("websocket broadcast queue full; dropping message")
	}
}

// PublishProgress broadcasts one store entry. It matches progress.Observer.
func (h *Hub) PublishProgress(p models.JobProgress) {
	h.BroadcastJSON(Message{Type: TypeProgress, Progress: &p})
}

// Notify broadcasts a notification, making the hub a notify.Sink.
func (h *Hub) Notify(n notify.Notification) {
	h.BroadcastJSON(Message{Type: TypeNotification, Notification: &n})
}

// ServeWs upgrades the request and registers the connection with the hub.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

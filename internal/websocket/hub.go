package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/model"
)

// Client is one subscriber to a job's updates
type Client struct {
	JobRef string
	Conn   *websocket.Conn
	Send   chan []byte
}

// Hub fans job updates out to the sockets subscribed to each job key
type Hub struct {
	// Clients grouped by job key (provider:ref)
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	log *zap.Logger
}

// BroadcastMessage is a serialized message for one job
type BroadcastMessage struct {
	JobRef  string
	Message []byte
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		log:        log.Named("ws"),
	}
}

// Run owns the client map until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			if h.clients[client.JobRef] == nil {
				h.clients[client.JobRef] = make(map[*Client]bool)
			}
			h.clients[client.JobRef][client] = true
			h.log.Debug("client registered", zap.String("job_ref", client.JobRef))

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("client unregistered", zap.String("job_ref", client.JobRef))

		case msg := <-h.broadcast:
			for client := range h.clients[msg.JobRef] {
				select {
				case client.Send <- msg.Message:
				default:
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobRef]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.JobRef)
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// NotifyProgress tells subscribers the job is still processing upstream
func (h *Hub) NotifyProgress(jobRef string) {
	h.send(jobRef, model.WSProgressMessage{
		Type:   model.WSMessageTypeProgress,
		JobRef: jobRef,
		Status: model.JobStatusProcessing,
	})
}

// NotifyComplete delivers the reconciled outcome
func (h *Hub) NotifyComplete(jobRef string, outcome *model.JobOutcome) {
	h.send(jobRef, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		JobRef: jobRef,
		Result: outcome,
	})
}

// NotifyFailed reports a terminal failure
func (h *Hub) NotifyFailed(jobRef, message string) {
	h.send(jobRef, model.WSErrorMessage{
		Type:   model.WSMessageTypeError,
		JobRef: jobRef,
		Error: model.WSError{
			Code:    "GENERATION_FAILED",
			Message: message,
		},
	})
}

// send never blocks the caller; a full queue drops the message.
func (h *Hub) send(jobRef string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal ws message", zap.String("job_ref", jobRef), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobRef: jobRef, Message: data}:
	default:
		h.log.Warn("ws broadcast queue full, dropping message", zap.String("job_ref", jobRef))
	}
}

// HandleConnection serves one socket until it closes
func (h *Hub) HandleConnection(c *websocket.Conn, jobRef string) {
	client := &Client{
		JobRef: jobRef,
		Conn:   c,
		Send:   make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", zap.String("job_ref", jobRef), zap.Error(err))
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			default:
			}
		}
	}
}

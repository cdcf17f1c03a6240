package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

// ErrNoSubscriber means a reminder reached nobody; the messaging channel has no listener.
var ErrNoSubscriber = errors.New("no reminder subscriber connected")

// Envelope is what subscribers receive for every reminder.
type Envelope struct {
	Type     string               `json:"type"`
	Reminder reservation.Reminder `json:"reminder"`
}

// Hub fans reminders out to the connected websocket subscribers (the messaging workers).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

var _ reservation.Messenger = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	log.Printf("notify: subscriber connected: %s", c.id)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
		log.Printf("notify: subscriber disconnected: %s", c.id)
	}
}

// Subscribers reports how many subscribers are connected.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SendReminder(ctx context.Context, r reservation.Reminder) error {
	msg, err := json.Marshal(Envelope{Type: "PAYMENT_REMINDER", Reminder: r})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.clients {
		select {
		case c.send <- msg:
			delivered++
		default:
			// Buffer full or client dead
		}
	}
	if delivered == 0 {
		return &internaltypes.CollaboratorError{Collaborator: "messaging", Err: ErrNoSubscriber}
	}
	return nil
}

func newClientID() string { return "sub_" + uuid.NewString() }

// LogMessenger logs reminders instead of delivering them; used by one-off CLI sweeps.
type LogMessenger struct{}

func (LogMessenger) SendReminder(ctx context.Context, r reservation.Reminder) error {
	log.Printf("notify: %s reminder for reservation %s (farm %s, deadline %s, contact %q)",
		r.Tier, r.ReservationID, r.FarmID, r.Deadline.Format("2006-01-02 15:04 MST"), r.Contact.Email)
	return nil
}

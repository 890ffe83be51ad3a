package devserver

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
)

// Hub tracks connected peers by user and fans frames out to them.
type Hub struct {
	peers      map[string]*peer            // peer id -> peer
	users      map[string]map[string]*peer // user id -> peer id -> peer
	register   chan *peer
	unregister chan *peer
	outbound   chan *delivery
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
}

type delivery struct {
	UserIDs []string
	PeerID  string
	Frame   []byte
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		peers:      make(map[string]*peer),
		users:      make(map[string]map[string]*peer),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		outbound:   make(chan *delivery, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations and deliveries until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case p := <-h.register:
			h.mu.Lock()
			h.peers[p.id] = p
			if h.users[p.userID] == nil {
				h.users[p.userID] = make(map[string]*peer)
			}
			h.users[p.userID][p.id] = p
			h.mu.Unlock()
			h.logger.Debug().Str("peer_id", p.id).Str(log.FieldUserID, p.userID).Msg("peer registered")

		case p := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.peers[p.id]; ok {
				delete(h.peers, p.id)
				delete(h.users[p.userID], p.id)
				if len(h.users[p.userID]) == 0 {
					delete(h.users, p.userID)
				}
				close(p.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Str("peer_id", p.id).Str(log.FieldUserID, p.userID).Msg("peer unregistered")

		case d := <-h.outbound:
			h.mu.RLock()
			if p, ok := h.peers[d.PeerID]; ok {
				h.deliver(p, d.Frame)
			}
			for _, userID := range d.UserIDs {
				for _, p := range h.users[userID] {
					h.deliver(p, d.Frame)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, p := range h.peers {
				delete(h.peers, id)
				close(p.send)
			}
			h.users = make(map[string]map[string]*peer)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) deliver(p *peer, frame []byte) {
	select {
	case p.send <- frame:
	default:
		go h.Unregister(p)
	}
}

// Stop terminates Run and closes every peer.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) Register(p *peer) {
	select {
	case h.register <- p:
	case <-h.done:
	}
}

func (h *Hub) Unregister(p *peer) {
	select {
	case h.unregister <- p:
	case <-h.done:
	}
}

// Reply delivers an event to a single connection.
func (h *Hub) Reply(p *peer, event protocol.EventName, data interface{}) error {
	return h.enqueue(&delivery{PeerID: p.id}, event, data)
}

// SendTo delivers an event to every connection of the given users.
func (h *Hub) SendTo(userIDs []string, event protocol.EventName, data interface{}) error {
	return h.enqueue(&delivery{UserIDs: userIDs}, event, data)
}

func (h *Hub) enqueue(d *delivery, event protocol.EventName, data interface{}) error {
	frame, err := protocol.NewFrame(string(event), data)
	if err != nil {
		return err
	}
	d.Frame = frame
	select {
	case h.outbound <- d:
	case <-h.done:
	}
	return nil
}

// Online reports the number of live connections of userID.
func (h *Hub) Online(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

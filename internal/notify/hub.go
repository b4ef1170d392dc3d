package notify

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Invalidation kinds understood by clients
const (
	TypeFolderList  = "mail-folder-list"
	TypeMessageList = "mail-message-list"
)

// Invalidation tells a client to refetch one cached list. ScopeID is the
// account id for folder lists and the folder id for message lists.
type Invalidation struct {
	Type    string
	ScopeID string
}

// Sink receives invalidations produced by the sync engine
type Sink interface {
	Invalidate(userID string, inv Invalidation)
}

// Notification is the wire form of an invalidation
type Notification struct {
	Action  string            `json:"action"`
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload"`
}

// Encode renders inv as a client notification
func Encode(inv Invalidation) ([]byte, error) {
	key := "accountId"
	if inv.Type == TypeMessageList {
		key = "mailFolderId"
	}
	return json.Marshal(Notification{
		Action:  "invalidate",
		Type:    inv.Type,
		Payload: map[string]string{key: inv.ScopeID},
	})
}

const subscriberBuffer = 64

// Hub fans invalidations out to every live connection of a user
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Invalidation]struct{}
	log  *logrus.Entry
}

// NewHub creates an empty hub
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		subs: make(map[string]map[chan Invalidation]struct{}),
		log:  log.WithField("component", "notify"),
	}
}

// Subscribe registers a connection of userID. The returned cancel func
// unregisters it and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan Invalidation, func()) {
	ch := make(chan Invalidation, subscriberBuffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Invalidation]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			close(ch)
		})
	}
}

// Invalidate delivers inv to userID's connections. Slow connections miss it.
func (h *Hub) Invalidate(userID string, inv Invalidation) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[userID] {
		select {
		case ch <- inv:
		default:
			h.log.WithFields(logrus.Fields{
				"user": userID,
				"type": inv.Type,
			}).Debug("subscriber buffer full, dropping invalidation")
		}
	}
}

// Subscribers returns the number of live connections of userID
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

package gateway

import (
	"sort"
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// ClientRegistry manages connected clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, exists := r.clients[clientID]
	return client, exists
}

// All returns every connected client.
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Subscribers returns the authenticated clients subscribed to sessionKey.
// An empty key selects every authenticated client.
func (r *ClientRegistry) Subscribers(sessionKey string) []*Client {
	var out []*Client
	for _, client := range r.All() {
		if !client.Authenticated() {
			continue
		}
		if sessionKey == "" || client.subscribed(sessionKey) {
			out = append(out, client)
		}
	}
	return out
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Info returns a description of every connected client, ordered by ID.
func (r *ClientRegistry) Info() []ClientInfo {
	now := time.Now()
	clients := r.All()
	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		client.mu.Lock()
		sessions := make([]string, 0, len(client.sessions))
		for key := range client.sessions {
			sessions = append(sessions, key)
		}
		info := ClientInfo{
			ID:            client.ID,
			Authenticated: client.authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.lastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.lastActivity) > idleAfter,
		}
		client.mu.Unlock()
		sort.Strings(sessions)
		info.Sessions = sessions
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

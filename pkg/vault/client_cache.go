package vault

import (
	"sync"

	"github.com/hashicorp/vault/api"
)

// ClientCache provides a thread-safe cache of token-bearing Vault clients,
// one per session.
type ClientCache struct {
	clients map[string]*api.Client
	mu      sync.RWMutex
}

// NewClientCache creates a new ClientCache
func NewClientCache() *ClientCache {
	return &ClientCache{
		clients: make(map[string]*api.Client),
	}
}

// Delete removes a client from the cache and clears its token
func (c *ClientCache) Delete(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[sessionID]; ok {
		client.ClearToken()
	}
	delete(c.clients, sessionID)
}

// GetOrCreate retrieves an existing client or creates a new one using the provided factory
func (c *ClientCache) GetOrCreate(sessionID string, factory func() (*api.Client, error)) (*api.Client, error) {
	// First try to get with read lock
	c.mu.RLock()
	if client, ok := c.clients[sessionID]; ok {
		c.mu.RUnlock()
		return client, nil
	}
	c.mu.RUnlock()

	// Need to create - acquire write lock
	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := c.clients[sessionID]; ok {
		return client, nil
	}

	client, err := factory()
	if err != nil {
		return nil, err
	}

	c.clients[sessionID] = client
	return client, nil
}

// Size returns the number of clients in the cache
func (c *ClientCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.clients)
}

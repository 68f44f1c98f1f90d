package auth

import "sync"

// NonceCache holds per-peer server nonces while they wait for the
// client's retry. Nonces are single-use and cleared once consumed or the
// socket closes, per spec.md §5.
type NonceCache struct {
	mu     sync.Mutex
	nonces map[string]Nonce // keyed by peer socket (e.g. "ip:port")
}

func NewNonceCache() *NonceCache {
	return &NonceCache{nonces: make(map[string]Nonce)}
}

func (c *NonceCache) Put(socketKey string, n Nonce) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[socketKey] = n
}

// Take consumes and removes the cached nonce for socketKey, if any.
func (c *NonceCache) Take(socketKey string) (Nonce, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nonces[socketKey]
	if ok {
		delete(c.nonces, socketKey)
	}
	return n, ok
}

// Drop clears a pending nonce without consuming it, called when the
// socket closes before a retry arrives.
func (c *NonceCache) Drop(socketKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nonces, socketKey)
}

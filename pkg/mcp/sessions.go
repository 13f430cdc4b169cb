package mcp

import "sync"

// SessionRegistry maps client IDs to MCP session IDs and tokens to the
// client that started them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // clientID → sessionID
	owners   map[string]string // tokenID → clientID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		owners:   make(map[string]string),
	}
}

// Register associates a client ID with a session ID. A reconnecting client
// replaces its previous session.
func (r *SessionRegistry) Register(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = sessionID
}

// SessionFor returns the session ID of a connected client.
func (r *SessionRegistry) SessionFor(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[clientID]
	return sid, ok
}

// Remove deletes all client mappings for the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}

// Own records clientID as the owner of tokenID.
func (r *SessionRegistry) Own(tokenID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[tokenID] = clientID
}

// OwnerOf returns the client that started tokenID.
func (r *SessionRegistry) OwnerOf(tokenID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.owners[tokenID]
	return cid, ok
}

// Release forgets the owner of tokenID.
func (r *SessionRegistry) Release(tokenID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, tokenID)
}

package server

import "sync"

// Registry is the shared, thread-safe set of live Server instances, consumed
// by both the reconciliation loop and the admin API.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*Server)}
}

// Put registers a server under its name, replacing any previous instance.
func (r *Registry) Put(s *Server) {
	r.mu.Lock()
	r.servers[s.Name()] = s
	r.mu.Unlock()
}

// Get looks a server up by name.
func (r *Registry) Get(name string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	return s, ok
}

// Remove drops a server from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.servers, name)
	r.mu.Unlock()
}

// All snapshots every registered server.
func (r *Registry) All() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out
}

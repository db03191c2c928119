package gateway

import "sync"

// registry tracks which connections belong to a room. The gateway keeps two:
// one keyed by user id and one keyed by canvas id (the viewer set).
type registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]struct{}
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]map[*conn]struct{})}
}

func (r *registry) join(key string, c *conn) {
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[key]
	if !ok {
		set = make(map[*conn]struct{})
		r.rooms[key] = set
	}
	set[c] = struct{}{}
}

func (r *registry) leave(key string, c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(key, c)
}

func (r *registry) leaveLocked(key string, c *conn) {
	set, ok := r.rooms[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.rooms, key)
	}
}

func (r *registry) leaveAll(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.rooms {
		r.leaveLocked(key, c)
	}
}

func (r *registry) drop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, key)
}

func (r *registry) members(key string) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.rooms[key]
	if !ok {
		return nil
	}
	conns := make([]*conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

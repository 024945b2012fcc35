package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamsockets/streamsockets/internal/domain"
	"github.com/streamsockets/streamsockets/internal/tunnelproto"
)

// tunnel is one UDP socket connected to the route, identified on the
// WebSocket by a single byte.
type tunnel struct {
	id           uint8
	conn         *net.UDPConn
	remote       string
	lastActivity atomic.Int64 // unix millis
}

func (t *tunnel) touch() {
	t.lastActivity.Store(time.Now().UnixMilli())
}

func (t *tunnel) idleFor(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(t.lastActivity.Load()))
}

// registry maps tunnel ids to their UDP sockets for one connection. Ids are
// assigned monotonically from 1; the first tunnel is exempt from idle
// reaping. The session loop and the reaper goroutine share it, hence the
// mutex.
type registry struct {
	mu      sync.Mutex
	tunnels map[uint8]*tunnel
	nextID  int
	firstID uint8
	max     int
}

func newRegistry(max int) *registry {
	return &registry{
		tunnels: map[uint8]*tunnel{},
		nextID:  1,
		max:     max,
	}
}

// create registers a new tunnel for conn and returns it. It fails when the
// per-connection cap or the one-byte id space is exhausted.
func (r *registry) create(conn *net.UDPConn, remote string) (*tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tunnels) >= r.max {
		return nil, domain.ErrTunnelLimitReached
	}
	if r.nextID > tunnelproto.MaxTunnelID {
		return nil, domain.ErrTunnelLimitReached
	}
	t := &tunnel{
		id:     uint8(r.nextID),
		conn:   conn,
		remote: remote,
	}
	t.touch()
	r.nextID++
	if r.firstID == 0 {
		r.firstID = t.id
	}
	r.tunnels[t.id] = t
	return t, nil
}

func (r *registry) lookup(id uint8) *tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnels[id]
}

// close removes the tunnel and closes its socket. It reports whether the id
// was registered.
func (r *registry) close(id uint8) bool {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	if ok {
		delete(r.tunnels, id)
	}
	r.mu.Unlock()
	if ok {
		_ = t.conn.Close()
	}
	return ok
}

// reapIdle closes every tunnel idle longer than timeout, excluding the
// first-created tunnel, and returns the closed ids.
func (r *registry) reapIdle(timeout time.Duration) []uint8 {
	now := time.Now()
	r.mu.Lock()
	var idle []*tunnel
	for id, t := range r.tunnels {
		if id == r.firstID {
			continue
		}
		if t.idleFor(now) > timeout {
			idle = append(idle, t)
			delete(r.tunnels, id)
		}
	}
	r.mu.Unlock()

	ids := make([]uint8, 0, len(idle))
	for _, t := range idle {
		_ = t.conn.Close()
		ids = append(ids, t.id)
	}
	return ids
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// closeAll tears down every tunnel; used when the connection dies.
func (r *registry) closeAll() {
	r.mu.Lock()
	all := make([]*tunnel, 0, len(r.tunnels))
	for id, t := range r.tunnels {
		all = append(all, t)
		delete(r.tunnels, id)
	}
	r.mu.Unlock()
	for _, t := range all {
		_ = t.conn.Close()
	}
}

package websocket

import (
	"sort"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"coursechat/internal/logging"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// DefaultOrigin is the slot used by clients that do not name one.
const DefaultOrigin = "default"

// Registry tracks live connections by (user, origin) slot.
// ARCHITECTURAL DISCOVERY: pure connection bookkeeping; who receives what is
// decided by the router, which reads from here under RLock.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]interfaces.Connection // userID -> origin -> connection
	admins map[string]map[string]interfaces.Connection // admin userID -> origin -> connection
	logger *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]interfaces.Connection),
		admins: make(map[string]map[string]interfaces.Connection),
		logger: logging.For("broker"),
	}
}

// RegisterConnection adds conn to its slot. A connection already in that slot
// is closed asynchronously and replaced; other slots of the same user are kept.
func (r *Registry) RegisterConnection(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()
	origin := conn.GetOrigin()
	if origin == "" {
		origin = DefaultOrigin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slots := r.byUser[userID]
	if slots == nil {
		slots = make(map[string]interfaces.Connection)
		r.byUser[userID] = slots
	}
	if existing, ok := slots[origin]; ok && existing != conn {
		r.logger.Infof("replacing connection: user=%s origin=%s", userID, origin)
		// Close outside the lock; Close may block on the network.
		go func() { _ = existing.Close() }()
	}
	slots[origin] = conn

	if conn.GetRole() == types.RoleAdmin {
		if r.admins[userID] == nil {
			r.admins[userID] = make(map[string]interfaces.Connection)
		}
		r.admins[userID][origin] = conn
	} else if admin, ok := r.admins[userID]; ok {
		delete(admin, origin)
		if len(admin) == 0 {
			delete(r.admins, userID)
		}
	}
	return nil
}

// UnregisterConnection removes conn if it still owns its slot and reports
// whether it did. A replaced connection never evicts its replacement.
func (r *Registry) UnregisterConnection(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	userID := conn.GetUserID()
	origin := conn.GetOrigin()
	if origin == "" {
		origin = DefaultOrigin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slots, ok := r.byUser[userID]
	if !ok || slots[origin] != conn {
		return false
	}
	delete(slots, origin)
	if len(slots) == 0 {
		delete(r.byUser, userID)
	}

	if admin, ok := r.admins[userID]; ok {
		delete(admin, origin)
		if len(admin) == 0 {
			delete(r.admins, userID)
		}
	}
	return true
}

// GetConnection returns the connection in one slot.
func (r *Registry) GetConnection(userID, origin string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byUser[userID][origin]
	return conn, ok
}

// UserConnections returns every live connection of a user, ordered by origin.
func (r *Registry) UserConnections(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSlots(r.byUser[userID])
}

// StudentConnections returns a student's connections; connections registered
// under that id with another role are excluded.
func (r *Registry) StudentConnections(studentID string) []interfaces.Connection {
	conns := r.UserConnections(studentID)
	out := conns[:0]
	for _, c := range conns {
		if c.GetRole() == types.RoleStudent {
			out = append(out, c)
		}
	}
	return out
}

// AdminConnections returns every live admin connection.
func (r *Registry) AdminConnections() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.admins))
	for id := range r.admins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []interfaces.Connection
	for _, id := range ids {
		out = append(out, sortedSlots(r.admins[id])...)
	}
	return out
}

// Stale returns connections whose last inbound activity is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []interfaces.Connection
	for _, slots := range r.byUser {
		for _, c := range slots {
			if c.LastSeen().Before(cutoff) {
				out = append(out, c)
			}
		}
	}
	return out
}

// CloseAll closes and removes every connection; used on shutdown, since
// hijacked connections outlive the HTTP server.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	var conns []interfaces.Connection
	for _, slots := range r.byUser {
		for _, c := range slots {
			conns = append(conns, c)
		}
	}
	r.byUser = make(map[string]map[string]interfaces.Connection)
	r.admins = make(map[string]map[string]interfaces.Connection)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Snapshot describes every live connection for health output.
func (r *Registry) Snapshot() []types.LiveConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.LiveConnection
	for userID, slots := range r.byUser {
		for origin, c := range slots {
			out = append(out, types.LiveConnection{
				UserID:   userID,
				Role:     c.GetRole(),
				Origin:   origin,
				LastSeen: c.LastSeen(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Origin < out[j].Origin
	})
	return out
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total, admins := 0, 0
	for _, slots := range r.byUser {
		total += len(slots)
	}
	for _, slots := range r.admins {
		admins += len(slots)
	}
	return map[string]int{
		"total_connections":   total,
		"admin_connections":   admins,
		"student_connections": total - admins,
		"connected_users":     len(r.byUser),
	}
}

func sortedSlots(slots map[string]interfaces.Connection) []interfaces.Connection {
	origins := make([]string, 0, len(slots))
	for o := range slots {
		origins = append(origins, o)
	}
	sort.Strings(origins)

	out := make([]interfaces.Connection, 0, len(origins))
	for _, o := range origins {
		out = append(out, slots[o])
	}
	return out
}

// Package session tracks which users are connected to this node: the
// session registry (user → live connection) and the group membership cache
// (group → locally connected members). The two maps are guarded by separate
// mutexes and are never locked together; neither lock is ever held across a
// network call.
package session

import "sync"

// Conn is the handle the registry keeps for an authenticated connection.
// Send hands the payload to the connection's own writer goroutine and must
// never write to the socket from the caller's goroutine; it reports false
// when the connection is closed or its outbound queue is full.
type Conn interface {
	Send(payload []byte) bool
	AuthUserID() (int64, bool)
	SetAuthUserID(id int64)
	Close()
}

// Registry maps authenticated users to their local connections. Entries
// exist only for users connected to this node; sessions are never shared
// across nodes.
type Registry struct {
	mu    sync.Mutex
	conns map[int64]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]Conn)}
}

// Add records a session created by a successful login.
func (r *Registry) Add(userID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = conn
}

// Remove destroys the session; safe to call for users that were never added.
func (r *Registry) Remove(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, userID)
}

// Get returns the user's local connection, if any. The handle is copied out
// under the lock; callers use it after the lock is released.
func (r *Registry) Get(userID int64) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Len reports the number of locally connected users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// registry tracks every live leg socket across all sessions plus the
// sessions themselves. A connection is present exactly while a session or
// the listener owns it; forced shutdown closes the whole set to unblock
// every pending read and write.
type registry struct {
	access      sync.Mutex
	connections map[net.Conn]bool
	sessions    map[uuid.UUID]*Session
}

func newRegistry() *registry {
	return &registry{
		connections: make(map[net.Conn]bool),
		sessions:    make(map[uuid.UUID]*Session),
	}
}

func (r *registry) insert(conn net.Conn) {
	r.access.Lock()
	defer r.access.Unlock()
	r.connections[conn] = true
}

func (r *registry) remove(conn net.Conn) {
	r.access.Lock()
	defer r.access.Unlock()
	delete(r.connections, conn)
}

func (r *registry) size() int {
	r.access.Lock()
	defer r.access.Unlock()
	return len(r.connections)
}

// closeAll force-closes every tracked socket. Sessions additionally close
// their own sockets on natural end, so close is idempotent by contract.
func (r *registry) closeAll() {
	r.access.Lock()
	connections := make([]net.Conn, 0, len(r.connections))
	for conn := range r.connections {
		connections = append(connections, conn)
	}
	r.access.Unlock()
	for _, conn := range connections {
		conn.Close()
	}
}

func (r *registry) insertSession(session *Session) {
	r.access.Lock()
	defer r.access.Unlock()
	r.sessions[session.id] = session
}

func (r *registry) removeSession(session *Session) {
	r.access.Lock()
	defer r.access.Unlock()
	delete(r.sessions, session.id)
}

// SessionInfo is a point-in-time view of one live session.
type SessionInfo struct {
	ID             uuid.UUID `json:"id"`
	Identity       string    `json:"identity"`
	CreatedAt      time.Time `json:"created_at"`
	ClientMessages uint64    `json:"client_messages"`
	ServerMessages uint64    `json:"server_messages"`
}

func (r *registry) sessionInfos() []SessionInfo {
	r.access.Lock()
	defer r.access.Unlock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, session := range r.sessions {
		infos = append(infos, SessionInfo{
			ID:             session.id,
			Identity:       session.identity.String(),
			CreatedAt:      session.createdAt,
			ClientMessages: session.clientSeq.Load(),
			ServerMessages: session.serverSeq.Load(),
		})
	}
	return infos
}

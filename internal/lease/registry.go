package lease

import (
	"log"
	"sync"
	"time"
)

// Registry owns the lease table and the live-session set. It is the
// only holder of lease state: other components keep lease ids and
// resolve them here on each use, never raw references. All mutating
// operations run under one exclusive lock held only for map work,
// never across I/O or crypto.
type Registry struct {
	mu     sync.Mutex
	leases map[string]*Lease

	sessMu   sync.Mutex
	sessions map[string]time.Time

	bytesMu       sync.Mutex
	bytesSent     uint64
	bytesReceived uint64

	// reload re-reads external configuration during Reset; injected so
	// the registry stays decoupled from the config package.
	reload func() error
	now    func() time.Time
}

// NewRegistry creates a registry. reload may be nil when administrative
// reset is not wired (tests).
func NewRegistry(reload func() error) *Registry {
	return NewRegistryWithClock(reload, func() time.Time { return time.Now().UTC() })
}

// NewRegistryWithClock creates a registry with a custom clock.
func NewRegistryWithClock(reload func() error, now func() time.Time) *Registry {
	if now == nil {
		panic("lease: nil clock")
	}
	return &Registry{
		leases:   make(map[string]*Lease),
		sessions: make(map[string]time.Time),
		reload:   reload,
		now:      now,
	}
}

// Add inserts a new lease. It fails if the id is already present.
func (r *Registry) Add(l Lease) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.leases[l.ID]; exists {
		return false
	}
	l.tokens = make(map[string][]Token)
	stored := l
	r.leases[l.ID] = &stored
	return true
}

// Update copies the mutable fields of l onto the stored lease with the
// same id. Token sets are not touched. It fails if the id is absent.
func (r *Registry) Update(l Lease) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.leases[l.ID]
	if !ok {
		return false
	}
	existing.Key = l.Key
	existing.KeySize = l.KeySize
	existing.BackupKey = l.BackupKey
	existing.Age = l.Age
	existing.DateCreated = l.DateCreated
	existing.Acknowledged = l.Acknowledged
	existing.PublicKeyPEM = l.PublicKeyPEM
	return true
}

// Find returns a copy of the lease with the given id.
func (r *Registry) Find(id string) (Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return Lease{}, false
	}
	copied := *l
	copied.tokens = nil
	return copied, true
}

// Exists reports whether a lease with the given id is present.
func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.leases[id]
	return ok
}

// Remove deletes the lease with the given id, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, id)
}

// IDs returns a snapshot of all lease ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.leases))
	for id := range r.leases {
		ids = append(ids, id)
	}
	return ids
}

// ClearBackupKey drops the retained previous key of a lease.
func (r *Registry) ClearBackupKey(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leases[id]; ok {
		l.BackupKey = ""
	}
}

// AddToken attaches a token to the (lease, logger) pair. Multiple
// tokens may coexist per logger for overlap during renewal.
func (r *Registry) AddToken(id, loggerID string, t Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return false
	}
	l.tokens[loggerID] = append(l.tokens[loggerID], t)
	return true
}

// RemoveToken removes an exact token payload from the (lease, logger)
// pair.
func (r *Registry) RemoveToken(id, loggerID, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return
	}
	set := l.tokens[loggerID]
	for i, t := range set {
		if t.Data == data {
			l.tokens[loggerID] = append(set[:i], set[i+1:]...)
			break
		}
	}
	if len(l.tokens[loggerID]) == 0 {
		delete(l.tokens, loggerID)
	}
}

// HasValidToken reports whether an exact, unexpired token with the given
// payload exists for the logger on the lease. A matching-but-expired
// token is removed so the caller can request a fresh one.
func (r *Registry) HasValidToken(id, loggerID, data string, at int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return false
	}
	set := l.tokens[loggerID]
	for i, t := range set {
		if t.Data != data {
			continue
		}
		if t.Valid(at) {
			return true
		}
		l.tokens[loggerID] = append(set[:i], set[i+1:]...)
		if len(l.tokens[loggerID]) == 0 {
			delete(l.tokens, loggerID)
		}
		return false
	}
	return false
}

// Join records a live session.
func (r *Registry) Join(sessionID string) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	r.sessions[sessionID] = r.now()
}

// Leave removes a live session.
func (r *Registry) Leave(sessionID string) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	delete(r.sessions, sessionID)
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	return len(r.sessions)
}

// AddBytesReceived adds to the server-wide received counter.
func (r *Registry) AddBytesReceived(n int) {
	r.bytesMu.Lock()
	r.bytesReceived += uint64(n)
	r.bytesMu.Unlock()
}

// AddBytesSent adds to the server-wide sent counter.
func (r *Registry) AddBytesSent(n int) {
	r.bytesMu.Lock()
	r.bytesSent += uint64(n)
	r.bytesMu.Unlock()
}

// Bytes returns the server-wide received and sent counters.
func (r *Registry) Bytes() (received, sent uint64) {
	r.bytesMu.Lock()
	defer r.bytesMu.Unlock()
	return r.bytesReceived, r.bytesSent
}

// Reset reloads external configuration and clears all leases, live
// sessions and counters atomically. Used for administrative recovery.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessMu.Lock()
	defer r.sessMu.Unlock()

	if r.reload != nil {
		log.Println("registry: reloading configuration")
		if err := r.reload(); err != nil {
			return err
		}
	}
	log.Println("registry: clearing leases and sessions")
	r.leases = make(map[string]*Lease)
	r.sessions = make(map[string]time.Time)
	r.bytesMu.Lock()
	r.bytesReceived = 0
	r.bytesSent = 0
	r.bytesMu.Unlock()
	return nil
}

package web

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"

	"syncml/state"
)

// SessionRegistry keeps server-side sync sessions alive between HTTP
// requests. Sessions are stored as msgpack snapshots so an entry is a
// plain byte blob with no live pointers into the engine, and expired
// entries are swept on every access.
type SessionRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	data    []byte
	expires time.Time
}

func NewSessionRegistry(ttl time.Duration) *SessionRegistry {
	return &SessionRegistry{
		ttl:     ttl,
		entries: make(map[string]*sessionEntry),
	}
}

// NewKey returns a fresh registry key for a session cookie
func (r *SessionRegistry) NewKey() string {
	return uuid.New().String()
}

// Get restores the session stored under key, or nil when the key is
// unknown or the entry has expired.
func (r *SessionRegistry) Get(key string) (*state.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()

	entry, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	session := &state.Session{}
	if err := msgpack.Unmarshal(entry.data, session); err != nil {
		delete(r.entries, key)
		return nil, serr.Wrap(err, "cannot restore sync session", "key", key)
	}
	return session, nil
}

// Put snapshots the session under key, refreshing its expiry
func (r *SessionRegistry) Put(key string, session *state.Session) error {
	data, err := msgpack.Marshal(session)
	if err != nil {
		return serr.Wrap(err, "cannot snapshot sync session", "key", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	r.entries[key] = &sessionEntry{data: data, expires: time.Now().Add(r.ttl)}
	return nil
}

func (r *SessionRegistry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Len reports the number of live sessions
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	return len(r.entries)
}

// sweep drops expired entries. Callers must hold the lock.
func (r *SessionRegistry) sweep() {
	now := time.Now()
	for key, entry := range r.entries {
		if now.After(entry.expires) {
			delete(r.entries, key)
		}
	}
}

package socket

import (
	"net/url"
	"sync"

	"github.com/electrothon/attendance/internal/protocol"
)

// User identifies who a connection belongs to.
type User struct {
	ID    string
	Role  protocol.Role
	Name  string
	Token string
}

// DialFunc creates a connection for user. The returned socket may be unstarted;
// if it has a Start method the manager calls it after registering its handlers.
type DialFunc func(user User) (Socket, error)

// Registry holds the single process-wide connection and counts its holders.
type Registry struct {
	mu   sync.Mutex
	dial DialFunc
	sock Socket
	refs int
	gen  uint64
}

// NewRegistry creates a registry that opens connections with dial.
func NewRegistry(dial DialFunc) *Registry {
	return &Registry{dial: dial}
}

// SetDialer replaces the dialer used for the next connection.
func (r *Registry) SetDialer(dial DialFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dial = dial
}

// Acquire returns the shared connection, creating it if absent. created reports whether
// this call opened it. Every successful Acquire must be paired with a Release.
func (r *Registry) Acquire(user User) (sock Socket, created bool, err error) {
	sock, created, _, err = r.acquire(user)
	return sock, created, err
}

// acquire is Acquire that also returns the generation of the connection handed out.
func (r *Registry) acquire(user User) (Socket, bool, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sock != nil {
		r.refs++
		return r.sock, false, r.gen, nil
	}
	if r.dial == nil {
		return nil, false, 0, ErrNoDialer
	}
	s, err := r.dial(user)
	if err != nil {
		return nil, false, 0, err
	}
	r.gen++
	r.sock = s
	r.refs = 1
	return s, true, r.gen, nil
}

// Release drops one reference; the last release closes the connection.
func (r *Registry) Release() error {
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()
	return r.release(gen)
}

// release drops one reference on connection generation gen. References to a connection
// that was already reset or replaced are ignored.
func (r *Registry) release(gen uint64) error {
	r.mu.Lock()
	if r.sock == nil || r.gen != gen {
		r.mu.Unlock()
		return nil
	}
	r.refs--
	if r.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	s := r.sock
	r.sock = nil
	r.refs = 0
	r.mu.Unlock()
	return s.Close()
}

// Reset closes the connection regardless of outstanding references.
func (r *Registry) Reset() error {
	r.mu.Lock()
	s := r.sock
	r.sock = nil
	r.refs = 0
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// live reports whether generation gen is still the registry's open connection.
func (r *Registry) live(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sock != nil && r.gen == gen
}

// Current returns the shared connection or nil.
func (r *Registry) Current() Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sock
}

// Refs returns the number of outstanding references.
func (r *Registry) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// WebsocketDialer returns a DialFunc that opens a reconnecting websocket to opts.URL,
// passing the user's token as the token query parameter.
func WebsocketDialer(opts Options) DialFunc {
	return func(user User) (Socket, error) {
		o := opts
		if user.Token != "" {
			u, err := url.Parse(o.URL)
			if err != nil {
				return nil, err
			}
			q := u.Query()
			q.Set("token", user.Token)
			u.RawQuery = q.Encode()
			o.URL = u.String()
		}
		return NewConn(o), nil
	}
}

var (
	defaultRegistry = NewRegistry(nil)
	defaultManager  *Manager
	defaultOnce     sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// DefaultManager returns a manager over the process-wide registry.
func DefaultManager() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(defaultRegistry)
	})
	return defaultManager
}

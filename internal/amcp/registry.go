// SPDX-License-Identifier: MIT

package amcp

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry owns one Conn per unique (host, port) address referenced by any
// effective slot. Connections are created on first reference, retained for
// the process lifetime, and only dropped when a config save leaves no slot
// referencing them.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	dialFn  DialFunc
	logger  *slog.Logger
	audit   *AuditLog
	onNew   func(*Conn) // hook so callers can register new conns with a supervisor
}

// NewRegistry creates an empty connection registry. onNew, if non-nil, is
// invoked synchronously for every newly created Conn (used to register it
// with the process supervisor so its Run loop actually starts).
func NewRegistry(dialFn DialFunc, logger *slog.Logger, audit *AuditLog, onNew func(*Conn)) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		dialFn: dialFn,
		logger: logger,
		audit:  audit,
		onNew:  onNew,
	}
}

// Get returns the Conn for addr, creating and registering it if this is
// the first reference.
func (r *Registry) Get(addr string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[addr]; ok {
		return c
	}

	c := NewConn(addr, r.dialFn, r.logger, r.audit)
	r.conns[addr] = c
	if r.onNew != nil {
		r.onNew(c)
	}
	return c
}

// Prune removes any connection whose address is not in keep. It does not
// stop the underlying Conn's Run loop — that is the supervisor's job on
// process shutdown — it only stops new batches from being routed to it.
// Called after a config save changes which (host, port) pairs are
// referenced by effective slots.
func (r *Registry) Prune(keep map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for addr := range r.conns {
		if !keep[addr] {
			delete(r.conns, addr)
		}
	}
}

// Snapshot returns the address and state of every known connection, for
// status reporting.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.conns))
	for addr, c := range r.conns {
		out[addr] = c.State()
	}
	return out
}

// Addr builds the canonical "host:port" key used throughout the registry.
func Addr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Package connregistry implements C1, the Connection Registry: it tracks
// every open duplex stream, its metadata, and the bounded push queue used
// to get bytes back out to the client.
//
// The bounded-queue-with-drop-on-full policy is grounded in the teacher's
// sseSubscriber/mutationChan pattern (internal/rpc/server_core.go): a
// non-blocking channel send that silently drops on a full buffer rather
// than stalling the producer.
package connregistry

import (
	"log"
	"sync"
	"time"

	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

// PushQueueDepth is the recommended bound on a connection's outbound queue
// (spec §4.1).
const PushQueueDepth = 128

// CleanupHook is invoked once per Unregister, with the ConnID that closed.
// C3 (subscription teardown) and C5 (ephemeral instance deregistration)
// both register a hook here instead of the registry depending on them.
type CleanupHook func(connID string)

// conn is one tracked connection: its metadata plus the private machinery
// backing Push/Unregister.
type conn struct {
	meta    *types.Connection
	queue   chan *wire.Envelope
	closed  bool
	closeMu sync.Mutex
}

// Registry is the concurrent-safe store of live connections. Many readers,
// few writers; per spec §5 it must never hold its lock across a network
// call, so Push only ever touches the channel, not the map.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*conn

	hooksMu sync.Mutex
	hooks   []CleanupHook
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*conn)}
}

// OnUnregister registers a cleanup hook invoked (in registration order)
// every time a connection is unregistered.
func (r *Registry) OnUnregister(hook CleanupHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register idempotently inserts a connection with a fresh bounded send
// queue. Calling Register twice for the same ConnID replaces the queue,
// which is safe because the old queue (if any) has no consumer left.
func (r *Registry) Register(meta *types.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[meta.ConnID] = &conn{
		meta:  meta,
		queue: make(chan *wire.Envelope, PushQueueDepth),
	}
}

// Get returns a connection's metadata, or nil if it is not registered.
func (r *Registry) Get(connID string) *types.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return c.meta
}

// Touch updates LastActive and, when non-empty, splices ClientVer/Labels —
// the effect of a ConnectionSetupRequest spliced in by C2 without invoking
// a handler (spec §4.2 precedence rule 1).
func (r *Registry) Touch(connID string, clientVer string, labels map[string]string, now time.Time) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.meta.LastActive = now
	if clientVer != "" {
		c.meta.ClientVer = clientVer
	}
	if labels != nil {
		c.meta.Labels = labels
	}
}

// Queue returns the read side of a connection's outbound queue, for the
// single writer task that drains it to the wire. Returns nil if the
// connection is not registered.
func (r *Registry) Queue(connID string) <-chan *wire.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return c.queue
}

// Push non-blockingly enqueues an envelope for delivery to connID. Returns
// false if the connection is gone or its queue is full/closed — in either
// case the pusher must move on to the next subscriber rather than block.
func (r *Registry) Push(connID string, env *wire.Envelope) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.queue <- env:
		return true
	default:
		log.Printf("connregistry: push to %s dropped (queue full)", connID)
		return false
	}
}

// Unregister closes the send handle and removes the connection, then
// invokes every registered cleanup hook with connID. Safe to call more than
// once for the same ConnID; the second call is a no-op.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	c.closeMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.closeMu.Unlock()

	r.hooksMu.Lock()
	hooks := append([]CleanupHook(nil), r.hooks...)
	r.hooksMu.Unlock()

	for _, hook := range hooks {
		hook(connID)
	}
}

// Len returns the number of currently-registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a point-in-time copy of every registered ConnID, safe to
// enumerate without holding the registry's lock across a push call.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

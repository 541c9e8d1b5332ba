// Package distro implements C9, the Distro anti-entropy protocol: per-data-type
// handlers, debounced per-peer sync tasks, a periodic verify sweep, and
// full-snapshot sync for a newly joined member.
//
// The task-queue-with-retry-then-give-up shape is grounded in the teacher's
// (since deleted, cited for grounding) internal/coop/monitor.go escalation
// loop, generalized from a liveness counter to a bounded per-task retry
// count; the subject-per-data-type fan-out rides internal/cluster/transport's
// embedded NATS bus exactly as C8 does for direct peer RPC.
package distro

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/easynet-cn/batata-sub002/internal/cluster/transport"
)

// Tuning constants per spec §4.9.
const (
	TaskLoopInterval  = 100 * time.Millisecond
	VerifySweepInterval = 5 * time.Second
	MaxTaskAttempts   = 3
	RequestTimeout    = 3 * time.Second
	VerifySampleSize  = 8
)

// VersionedBlob is one data-type's serialized state for a single key, with a
// wall-clock-ms version used to resolve sync direction: ApplySync accepts
// iff the incoming version is >= the local version.
type VersionedBlob struct {
	DataType string `json:"dataType"`
	Key      string `json:"key"`
	Version  int64  `json:"version"`
	Payload  []byte `json:"payload"`
}

// Handler is the per-data-type contract Distro synchronizes. Implementations
// live alongside the data they own (C4 for config, C5 for naming).
type Handler interface {
	AllKeys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (VersionedBlob, error)
	ApplySync(ctx context.Context, blob VersionedBlob) error
	Verify(ctx context.Context, blob VersionedBlob) (bool, error)
	Snapshot(ctx context.Context) ([]VersionedBlob, error)
}

type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// MemberSource supplies the current non-self peer address list.
type MemberSource interface {
	PeerAddresses() []string
}

type taskKey struct {
	peer     string
	dataType string
	key      string
}

type task struct {
	key      taskKey
	attempts int
	dueAt    time.Time
}

// Coordinator owns every registered data-type handler's sync/verify
// scheduling against the cluster's peer set.
type Coordinator struct {
	mu       sync.Mutex
	handlers map[string]Handler
	tasks    map[taskKey]*task

	conn    requester
	members MemberSource
	rng     *time.Timer
	clock   func() time.Time
}

// New builds a Coordinator. conn is the cluster bus's in-process connection
// (transport.Server.Conn()); members supplies the peer roster to fan out to.
func New(conn requester, members MemberSource) *Coordinator {
	return &Coordinator{
		handlers: make(map[string]Handler),
		tasks:    make(map[taskKey]*task),
		conn:     conn,
		members:  members,
		clock:    time.Now,
	}
}

// Register binds a data-type name ("config", "instance", ...) to its
// Handler.
func (c *Coordinator) Register(dataType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[dataType] = h
}

// ScheduleSync debounces a (dataType, key) sync against every current peer:
// if a task for that tuple and peer is already pending, the call is a no-op.
func (c *Coordinator) ScheduleSync(dataType, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, peer := range c.members.PeerAddresses() {
		tk := taskKey{peer: peer, dataType: dataType, key: key}
		if _, pending := c.tasks[tk]; pending {
			continue
		}
		c.tasks[tk] = &task{key: tk, dueAt: c.clock()}
	}
}

// Run starts the 100ms task loop and the periodic verify sweep; both run
// until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	go c.runTaskLoop(ctx)
	go c.runVerifyLoop(ctx)
	<-ctx.Done()
}

func (c *Coordinator) runTaskLoop(ctx context.Context) {
	ticker := time.NewTicker(TaskLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainReadyTasks(ctx)
		}
	}
}

func (c *Coordinator) drainReadyTasks(ctx context.Context) {
	now := c.clock()

	c.mu.Lock()
	var ready []*task
	for k, t := range c.tasks {
		if !t.dueAt.After(now) {
			ready = append(ready, t)
			_ = k
		}
	}
	c.mu.Unlock()

	for _, t := range ready {
		c.runOneTask(ctx, t)
	}
}

func (c *Coordinator) runOneTask(ctx context.Context, t *task) {
	c.mu.Lock()
	h, ok := c.handlers[t.key.dataType]
	c.mu.Unlock()
	if !ok {
		c.removeTask(t.key)
		return
	}

	blob, err := h.Get(ctx, t.key.key)
	if err != nil {
		log.Printf("distro: load %s/%s for sync failed: %v", t.key.dataType, t.key.key, err)
		c.removeTask(t.key)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	err = c.pushTo(sendCtx, t.key.peer, blob)
	cancel()

	if err == nil {
		c.removeTask(t.key)
		return
	}

	t.attempts++
	if t.attempts >= MaxTaskAttempts {
		log.Printf("distro: giving up syncing %s/%s to %s after %d attempts: %v", t.key.dataType, t.key.key, t.key.peer, t.attempts, err)
		c.removeTask(t.key)
		return
	}

	c.mu.Lock()
	t.dueAt = c.clock().Add(TaskLoopInterval)
	c.mu.Unlock()
}

func (c *Coordinator) removeTask(tk taskKey) {
	c.mu.Lock()
	delete(c.tasks, tk)
	c.mu.Unlock()
}

func (c *Coordinator) pushTo(ctx context.Context, peer string, blob VersionedBlob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	subject := transport.SubjectForDistroType(blob.DataType) + "." + peer
	_, err = c.conn.RequestWithContext(ctx, subject, data)
	return err
}

// ApplyIncoming is called by the server's subject subscriber when a peer's
// pushed blob (or sync reply) arrives for dataType. Returns the local
// handler's ApplySync error, if any.
func (c *Coordinator) ApplyIncoming(ctx context.Context, blob VersionedBlob) error {
	c.mu.Lock()
	h, ok := c.handlers[blob.DataType]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return h.ApplySync(ctx, blob)
}

func (c *Coordinator) runVerifyLoop(ctx context.Context) {
	ticker := time.NewTicker(VerifySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunVerifySweep(ctx)
		}
	}
}

// RunVerifySweep samples up to VerifySampleSize keys per registered data
// type, passes each key's local blob (from Get) to Verify, and, where Verify
// returns false, schedules a push of the local copy via ScheduleSync. It
// does not pull a peer's copy.
func (c *Coordinator) RunVerifySweep(ctx context.Context) {
	c.mu.Lock()
	handlers := make(map[string]Handler, len(c.handlers))
	for dt, h := range c.handlers {
		handlers[dt] = h
	}
	c.mu.Unlock()

	for dataType, h := range handlers {
		keys, err := h.AllKeys(ctx)
		if err != nil {
			log.Printf("distro: verify sweep could not list keys for %s: %v", dataType, err)
			continue
		}
		for i, key := range keys {
			if i >= VerifySampleSize {
				break
			}
			blob, err := h.Get(ctx, key)
			if err != nil {
				continue
			}
			ok, err := h.Verify(ctx, blob)
			if err != nil {
				log.Printf("distro: verify %s/%s failed: %v", dataType, key, err)
				continue
			}
			if !ok {
				c.ScheduleSync(dataType, key)
			}
		}
	}
}

// SyncNewMember performs a full snapshot push of every registered data type
// to addr, intended to be called once a peer transitions to Up for the
// first time (spec §4.9's new-node initial sync).
func (c *Coordinator) SyncNewMember(ctx context.Context, addr string) {
	c.mu.Lock()
	handlers := make(map[string]Handler, len(c.handlers))
	for dt, h := range c.handlers {
		handlers[dt] = h
	}
	c.mu.Unlock()

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(TaskLoopInterval), MaxTaskAttempts)

	for dataType, h := range handlers {
		blobs, err := h.Snapshot(ctx)
		if err != nil {
			log.Printf("distro: snapshot for %s failed: %v", dataType, err)
			continue
		}
		for _, blob := range blobs {
			b := blob
			op := func() error {
				sendCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
				defer cancel()
				return c.pushTo(sendCtx, addr, b)
			}
			if err := backoff.Retry(op, policy); err != nil {
				log.Printf("distro: snapshot push of %s/%s to %s failed: %v", dataType, b.Key, addr, err)
			}
		}
	}
}

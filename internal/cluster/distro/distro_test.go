package distro

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type fakeConn struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int
}

func (f *fakeConn) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subj)
	if n := f.fail[subj]; n > 0 {
		f.fail[subj] = n - 1
		return nil, context.DeadlineExceeded
	}
	return &nats.Msg{Data: []byte("{}")}, nil
}

func (f *fakeConn) count(subj string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == subj {
			n++
		}
	}
	return n
}

type fakeMembers struct{ peers []string }

func (f fakeMembers) PeerAddresses() []string { return f.peers }

type fakeHandler struct {
	mu      sync.Mutex
	blobs   map[string]VersionedBlob
	applied []VersionedBlob
	verify  bool
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{blobs: make(map[string]VersionedBlob), verify: true}
}

func (h *fakeHandler) AllKeys(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.blobs))
	for k := range h.blobs {
		keys = append(keys, k)
	}
	return keys, nil
}

func (h *fakeHandler) Get(ctx context.Context, key string) (VersionedBlob, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blobs[key], nil
}

func (h *fakeHandler) ApplySync(ctx context.Context, blob VersionedBlob) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, blob)
	return nil
}

func (h *fakeHandler) Verify(ctx context.Context, blob VersionedBlob) (bool, error) {
	return h.verify, nil
}

func (h *fakeHandler) Snapshot(ctx context.Context) ([]VersionedBlob, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]VersionedBlob, 0, len(h.blobs))
	for _, b := range h.blobs {
		out = append(out, b)
	}
	return out, nil
}

func TestScheduleSyncIsDebouncedPerPeer(t *testing.T) {
	conn := &fakeConn{fail: map[string]int{}}
	members := fakeMembers{peers: []string{"node-b:8848"}}
	c := New(conn, members)
	h := newFakeHandler()
	h.blobs["key-1"] = VersionedBlob{DataType: "config", Key: "key-1", Version: 1}
	c.Register("config", h)

	c.ScheduleSync("config", "key-1")
	c.ScheduleSync("config", "key-1")

	c.mu.Lock()
	n := len(c.tasks)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one debounced task, got %d", n)
	}
}

func TestDrainReadyTasksPushesAndRemovesOnSuccess(t *testing.T) {
	conn := &fakeConn{fail: map[string]int{}}
	members := fakeMembers{peers: []string{"node-b:8848"}}
	c := New(conn, members)
	h := newFakeHandler()
	h.blobs["key-1"] = VersionedBlob{DataType: "config", Key: "key-1", Version: 1}
	c.Register("config", h)

	c.ScheduleSync("config", "key-1")
	c.drainReadyTasks(context.Background())

	c.mu.Lock()
	n := len(c.tasks)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected task to be cleared after successful push, got %d remaining", n)
	}
	if conn.count("batata.cluster.distro.config.node-b:8848") != 1 {
		t.Fatalf("expected one push call, got %d", conn.count("batata.cluster.distro.config.node-b:8848"))
	}
}

func TestTaskGivesUpAfterMaxAttempts(t *testing.T) {
	subj := "batata.cluster.distro.config.node-b:8848"
	conn := &fakeConn{fail: map[string]int{subj: MaxTaskAttempts + 5}}
	members := fakeMembers{peers: []string{"node-b:8848"}}
	c := New(conn, members)
	h := newFakeHandler()
	h.blobs["key-1"] = VersionedBlob{DataType: "config", Key: "key-1", Version: 1}
	c.Register("config", h)

	c.ScheduleSync("config", "key-1")
	for i := 0; i < MaxTaskAttempts+1; i++ {
		c.mu.Lock()
		for _, task := range c.tasks {
			task.dueAt = time.Time{}
		}
		c.mu.Unlock()
		c.drainReadyTasks(context.Background())
	}

	c.mu.Lock()
	n := len(c.tasks)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected task to be abandoned after max attempts, got %d remaining", n)
	}
	if got := conn.count(subj); got != MaxTaskAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", MaxTaskAttempts, got)
	}
}

func TestVerifySweepSchedulesSyncOnMismatch(t *testing.T) {
	conn := &fakeConn{fail: map[string]int{}}
	members := fakeMembers{peers: []string{"node-b:8848"}}
	c := New(conn, members)
	h := newFakeHandler()
	h.verify = false
	h.blobs["key-1"] = VersionedBlob{DataType: "config", Key: "key-1", Version: 1}
	c.Register("config", h)

	c.RunVerifySweep(context.Background())

	c.mu.Lock()
	n := len(c.tasks)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected verify mismatch to schedule one sync task, got %d", n)
	}
}

func TestSyncNewMemberPushesSnapshotOfEveryDataType(t *testing.T) {
	conn := &fakeConn{fail: map[string]int{}}
	members := fakeMembers{peers: nil}
	c := New(conn, members)
	h := newFakeHandler()
	h.blobs["key-1"] = VersionedBlob{DataType: "config", Key: "key-1", Version: 1}
	h.blobs["key-2"] = VersionedBlob{DataType: "config", Key: "key-2", Version: 1}
	c.Register("config", h)

	c.SyncNewMember(context.Background(), "node-new:8848")

	if got := conn.count("batata.cluster.distro.config.node-new:8848"); got != 2 {
		t.Fatalf("expected snapshot push for both keys, got %d", got)
	}
}

func TestApplyIncomingDelegatesToRegisteredHandler(t *testing.T) {
	conn := &fakeConn{fail: map[string]int{}}
	c := New(conn, fakeMembers{})
	h := newFakeHandler()
	c.Register("config", h)

	blob := VersionedBlob{DataType: "config", Key: "key-1", Version: 5}
	if err := c.ApplyIncoming(context.Background(), blob); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.applied) != 1 || h.applied[0].Key != "key-1" {
		t.Fatalf("expected blob to be applied to handler, got %+v", h.applied)
	}
}

package raftstore

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
)

func applyCmd(t *testing.T, fsm *KVStateMachine, index uint64, cmd Command) {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	if res := fsm.Apply(&raft.Log{Index: index, Data: data}); res != nil {
		t.Fatalf("apply returned unexpected error: %v", res)
	}
}

func TestKVStateMachinePutThenGet(t *testing.T) {
	fsm := NewKVStateMachine()
	applyCmd(t, fsm, 1, Command{Op: OpPut, Key: "k1", Value: []byte("v1")})

	v, ok := fsm.Get("k1")
	if !ok || string(v) != "v1" {
		t.Fatalf("expected k1=v1, got %q ok=%v", v, ok)
	}
}

func TestKVStateMachineDeleteRemovesKey(t *testing.T) {
	fsm := NewKVStateMachine()
	applyCmd(t, fsm, 1, Command{Op: OpPut, Key: "k1", Value: []byte("v1")})
	applyCmd(t, fsm, 2, Command{Op: OpDelete, Key: "k1"})

	if _, ok := fsm.Get("k1"); ok {
		t.Fatalf("expected k1 to be absent after delete")
	}
}

func TestKVStateMachineSnapshotRestoreRoundTrip(t *testing.T) {
	fsm := NewKVStateMachine()
	applyCmd(t, fsm, 1, Command{Op: OpPut, Key: "k1", Value: []byte("v1")})
	applyCmd(t, fsm, 2, Command{Op: OpPut, Key: "k2", Value: []byte("v2")})

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	var buf bytes.Buffer
	sink := &fakeSnapshotSink{Buffer: &buf}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("persist: %v", err)
	}

	restored := NewKVStateMachine()
	if err := restored.Restore(io.NopCloser(&buf)); err != nil {
		t.Fatalf("restore: %v", err)
	}

	v, ok := restored.Get("k2")
	if !ok || string(v) != "v2" {
		t.Fatalf("expected restored k2=v2, got %q ok=%v", v, ok)
	}
}

type fakeSnapshotSink struct {
	*bytes.Buffer
}

func (s *fakeSnapshotSink) ID() string      { return "test-snapshot" }
func (s *fakeSnapshotSink) Cancel() error   { return nil }
func (s *fakeSnapshotSink) Close() error    { return nil }

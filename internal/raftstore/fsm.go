package raftstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// CommandOp names a KVStateMachine mutation.
type CommandOp string

const (
	// OpPut upserts a key's raw value.
	OpPut CommandOp = "put"
	// OpDelete removes a key.
	OpDelete CommandOp = "delete"
)

// Command is the unit of work committed through Raft and applied to the
// KVStateMachine on every replica, leader and follower alike.
type Command struct {
	Op    CommandOp `json:"op"`
	Key   string    `json:"key"`
	Value []byte    `json:"value,omitempty"`
}

// KVStateMachine is the Raft FSM applying committed Command entries to a
// flat key/value namespace. Keys and values are opaque to this package; no
// other package in this tree proposes Commands through Node.Apply.
type KVStateMachine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewKVStateMachine builds an empty state machine.
func NewKVStateMachine() *KVStateMachine {
	return &KVStateMachine{data: make(map[string][]byte)}
}

// Get reads a key's current committed value.
func (f *KVStateMachine) Get(key string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

// Apply decodes and applies one committed log entry, satisfying raft.FSM.
func (f *KVStateMachine) Apply(entry *raft.Log) any {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("decode raft command at index %d: %w", entry.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpPut:
		f.data[cmd.Key] = cmd.Value
	case OpDelete:
		delete(f.data, cmd.Key)
	default:
		return fmt.Errorf("unknown raft command op %q", cmd.Op)
	}
	return nil
}

// Snapshot captures the full keyspace for raft.FSM's periodic compaction.
func (f *KVStateMachine) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	clone := make(map[string][]byte, len(f.data))
	for k, v := range f.data {
		cp := make([]byte, len(v))
		copy(cp, v)
		clone[k] = cp
	}
	return &kvSnapshot{data: clone}, nil
}

// Restore replaces the keyspace wholesale from a previously captured
// snapshot, satisfying raft.FSM.
func (f *KVStateMachine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data map[string][]byte
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("decode raft snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = data
	return nil
}

type kvSnapshot struct {
	data map[string][]byte
}

func (s *kvSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *kvSnapshot) Release() {}

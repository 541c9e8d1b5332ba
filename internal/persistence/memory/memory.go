// Package memory implements internal/persistence.Backend with nothing but
// Go maps and a mutex: the default backend for standalone/dev deployments,
// where durability crosses only a process restart, not a disk.
//
// Grounded in the teacher's in-process ephemeral store convention
// (storage/memory, storage/ephemeral, since deleted from this workspace but
// cited here for grounding): a sync.RWMutex-guarded map keyed by the
// domain's natural string identity, with no secondary indices beyond what
// List operations need.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/easynet-cn/batata-sub002/internal/persistence"
	"github.com/easynet-cn/batata-sub002/internal/types"
)

type grayMapKey struct {
	key  string
	name string
}

// Backend is the in-memory persistence.Backend implementation.
type Backend struct {
	mu sync.RWMutex

	configs    map[string]*types.ConfigEntry
	grays      map[grayMapKey]*types.GrayEntry
	grayIndex  map[string][]string // ConfigKey.String() -> gray names, insertion order
	history    map[string][]*types.ConfigHistory
	namespaces map[string]bool
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{
		configs:    make(map[string]*types.ConfigEntry),
		grays:      make(map[grayMapKey]*types.GrayEntry),
		grayIndex:  make(map[string][]string),
		history:    make(map[string][]*types.ConfigHistory),
		namespaces: map[string]bool{types.DefaultNamespace: true},
	}
}

var _ persistence.Backend = (*Backend)(nil)

func (b *Backend) ConfigFindOne(ctx context.Context, key types.ConfigKey) (*types.ConfigEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.configs[key.String()]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (b *Backend) ConfigCreateOrUpdate(ctx context.Context, entry *types.ConfigEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *entry
	b.configs[entry.Key.String()] = &clone
	b.namespaces[entry.Key.Namespace] = true
	return nil
}

func (b *Backend) ConfigDelete(ctx context.Context, key types.ConfigKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.configs, key.String())
	return nil
}

func (b *Backend) ConfigListKeys(ctx context.Context) ([]types.ConfigKey, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.ConfigKey, 0, len(b.configs))
	for _, entry := range b.configs {
		out = append(out, entry.Key)
	}
	return out, nil
}

func (b *Backend) ConfigFindAllGrays(ctx context.Context, key types.ConfigKey) ([]*types.GrayEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := b.grayIndex[key.String()]
	out := make([]*types.GrayEntry, 0, len(names))
	for _, name := range names {
		if g, ok := b.grays[grayMapKey{key: key.String(), name: name}]; ok {
			clone := *g
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (b *Backend) ConfigCreateOrUpdateGray(ctx context.Context, entry *types.GrayEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mk := grayMapKey{key: entry.Key.String(), name: entry.Name}
	if _, exists := b.grays[mk]; !exists {
		b.grayIndex[entry.Key.String()] = append(b.grayIndex[entry.Key.String()], entry.Name)
	}
	clone := *entry
	b.grays[mk] = &clone
	return nil
}

func (b *Backend) ConfigDeleteGray(ctx context.Context, key types.ConfigKey, grayName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.grays, grayMapKey{key: key.String(), name: grayName})
	names := b.grayIndex[key.String()]
	for i, n := range names {
		if n == grayName {
			b.grayIndex[key.String()] = append(names[:i], names[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Backend) HistoryAppend(ctx context.Context, entry *types.ConfigHistory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *entry
	k := entry.Key.String()
	b.history[k] = append(b.history[k], &clone)
	return nil
}

func (b *Backend) HistoryList(ctx context.Context, key types.ConfigKey, limit int) ([]*types.ConfigHistory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := b.history[key.String()]
	// Most recent first.
	out := make([]*types.ConfigHistory, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *Backend) HistoryPrune(ctx context.Context, key types.ConfigKey, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key.String()
	entries := b.history[k]
	if keep < 0 || len(entries) <= keep {
		return nil
	}
	b.history[k] = append([]*types.ConfigHistory(nil), entries[len(entries)-keep:]...)
	return nil
}

func (b *Backend) NamespaceList(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.namespaces))
	for ns := range b.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) NamespaceEnsure(ctx context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.namespaces[namespace] = true
	return nil
}

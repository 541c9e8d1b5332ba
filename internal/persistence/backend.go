// Package persistence defines the storage contract C4 (Config Store) writes
// through, independent of which concrete backend a deployment chooses. C5
// (Service Registry) keeps its instances in memory and does not use it.
//
// The narrow-interface-over-a-richer-store shape follows the teacher's
// storage.StorageProvider convention (storage/factory/factory.go, since
// deleted from this workspace but cited here for grounding): callers depend
// on exactly the operations they need, and a factory picks the concrete
// implementation from a DSN/mode string at startup.
package persistence

import (
	"context"
	"errors"

	"github.com/easynet-cn/batata-sub002/internal/types"
)

// ErrNotFound is returned by Get-style operations that found nothing.
var ErrNotFound = errors.New("persistence: not found")

// Backend is the storage contract for configuration, gray overlays, and
// history. Implementations: internal/persistence/memory (default,
// standalone/dev, and also used in raft mode) and internal/persistence/sql
// (MySQL). There is no Raft-replicated implementation.
type Backend interface {
	ConfigFindOne(ctx context.Context, key types.ConfigKey) (*types.ConfigEntry, error)
	ConfigCreateOrUpdate(ctx context.Context, entry *types.ConfigEntry) error
	ConfigDelete(ctx context.Context, key types.ConfigKey) error
	// ConfigListKeys enumerates every formal entry's key, for C9's Distro
	// anti-entropy sweep (AllKeys/Snapshot) rather than any client-facing op.
	ConfigListKeys(ctx context.Context) ([]types.ConfigKey, error)

	ConfigFindAllGrays(ctx context.Context, key types.ConfigKey) ([]*types.GrayEntry, error)
	ConfigCreateOrUpdateGray(ctx context.Context, entry *types.GrayEntry) error
	ConfigDeleteGray(ctx context.Context, key types.ConfigKey, grayName string) error

	HistoryAppend(ctx context.Context, entry *types.ConfigHistory) error
	HistoryList(ctx context.Context, key types.ConfigKey, limit int) ([]*types.ConfigHistory, error)
	HistoryPrune(ctx context.Context, key types.ConfigKey, keep int) error

	NamespaceList(ctx context.Context) ([]string, error)
	NamespaceEnsure(ctx context.Context, namespace string) error
}

// Package configstore implements C4, the Config Store: formal entries, gray
// overlays, client-visible resolution, change fanout to local subscribers
// and cluster peers, and retained history.
//
// The MD5 digest/change-detection loop is grounded in the teacher's
// rpc/task_watcher.go hash-compare-against-cache idiom (since deleted from
// this workspace but cited here for grounding): every mutator recomputes a
// digest and callers detect drift by comparing digests, never full content.
package configstore

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/easynet-cn/batata-sub002/internal/connregistry"
	"github.com/easynet-cn/batata-sub002/internal/persistence"
	"github.com/easynet-cn/batata-sub002/internal/subindex"
	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

// Broadcaster hands a successful local mutation to C8 for fanout to cluster
// peers. Implemented by internal/cluster/clientpool; a nil Broadcaster is
// valid for standalone mode (Store simply skips the broadcast step).
type Broadcaster interface {
	BroadcastConfigChange(ctx context.Context, args wire.ConfigChangeClusterSyncArgs)
}

// Clock is overridable in tests; production uses time.Now.
type Clock func() time.Time

// Store is the C4 implementation, wiring persistence, C1 (push), C3
// (subscriber enumeration), and C8 (cluster broadcast) together.
type Store struct {
	backend   persistence.Backend
	conns     *connregistry.Registry
	subs      *subindex.Index
	broadcast Broadcaster
	clock     Clock

	retainKeepMu sync.Mutex
	retainKeep   int
}

// New builds a Store. broadcast may be nil (standalone mode). retainKeep is
// the number of history entries kept per key by Prune; 0 disables pruning.
func New(backend persistence.Backend, conns *connregistry.Registry, subs *subindex.Index, broadcast Broadcaster, retainKeep int) *Store {
	return &Store{
		backend:    backend,
		conns:      conns,
		subs:       subs,
		broadcast:  broadcast,
		clock:      time.Now,
		retainKeep: retainKeep,
	}
}

// SetRetainKeep updates the history-retention depth applied by subsequent
// Publish/PublishGray/Delete/DeleteGray calls, for internal/server's config
// hot-reload handler (history_retain is one of the reloadable fields
// internal/config.Loader.Watch pushes without a restart).
func (s *Store) SetRetainKeep(n int) {
	s.retainKeepMu.Lock()
	s.retainKeep = n
	s.retainKeepMu.Unlock()
}

func (s *Store) retainKeepValue() int {
	s.retainKeepMu.Lock()
	defer s.retainKeepMu.Unlock()
	return s.retainKeep
}

// Get returns the formal entry for key, or nil if none exists.
func (s *Store) Get(ctx context.Context, key types.ConfigKey) (*types.ConfigEntry, error) {
	entry, err := s.backend.ConfigFindOne(ctx, key)
	if err == persistence.ErrNotFound {
		return nil, nil
	}
	return entry, err
}

// Publish creates or updates the formal entry for key, appends history, and
// fans the change out locally and to the cluster.
func (s *Store) Publish(ctx context.Context, key types.ConfigKey, content string, meta types.PublishMeta) error {
	now := s.clock()

	existing, err := s.backend.ConfigFindOne(ctx, key)
	op := types.HistoryOpUpdate
	var priorContent, priorDigest string
	if err == persistence.ErrNotFound {
		op = types.HistoryOpCreate
		existing = types.NewConfigEntry(key, "", meta.Type, meta.AppName, now)
	} else if err != nil {
		return err
	} else {
		priorContent, priorDigest = existing.Content, existing.Digest
	}

	existing.SetContent(content, now)
	existing.Type = meta.Type
	existing.AppName = meta.AppName
	existing.EncryptedDataKey = meta.EncryptedDataKey
	existing.Description = meta.Description
	existing.Tags = meta.Tags
	existing.CreateUser = meta.User
	existing.CreateIP = meta.IP

	if err := s.backend.ConfigCreateOrUpdate(ctx, existing); err != nil {
		return err
	}

	if err := s.appendHistory(ctx, key, op, types.PublishFormal, "", meta.User, priorContent, priorDigest, now); err != nil {
		log.Printf("configstore: history append failed for %s: %v", key, err)
	}

	s.publishChange(ctx, key, "")
	return nil
}

// Delete removes the formal entry for key.
func (s *Store) Delete(ctx context.Context, key types.ConfigKey, meta types.PublishMeta) error {
	now := s.clock()
	existing, err := s.backend.ConfigFindOne(ctx, key)
	if err == persistence.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.backend.ConfigDelete(ctx, key); err != nil {
		return err
	}

	if err := s.appendHistory(ctx, key, types.HistoryOpDelete, types.PublishFormal, "", meta.User, existing.Content, existing.Digest, now); err != nil {
		log.Printf("configstore: history append failed for %s: %v", key, err)
	}

	s.publishChange(ctx, key, "")
	return nil
}

// PublishGray creates or replaces the named gray overlay for key.
func (s *Store) PublishGray(ctx context.Context, key types.ConfigKey, grayName string, priority int, rule types.GrayRule, content string, meta types.PublishMeta) error {
	now := s.clock()

	entry := types.NewGrayEntry(key, grayName, priority, rule, content, now)
	entry.EncryptedDataKey = meta.EncryptedDataKey
	if err := s.backend.ConfigCreateOrUpdateGray(ctx, entry); err != nil {
		return err
	}

	if err := s.appendHistory(ctx, key, types.HistoryOpUpdate, types.PublishGray, grayName, meta.User, "", "", now); err != nil {
		log.Printf("configstore: history append failed for %s (gray %s): %v", key, grayName, err)
	}

	s.publishChange(ctx, key, grayName)
	return nil
}

// DeleteGray removes the named gray overlay for key.
func (s *Store) DeleteGray(ctx context.Context, key types.ConfigKey, grayName string, meta types.PublishMeta) error {
	now := s.clock()
	if err := s.backend.ConfigDeleteGray(ctx, key, grayName); err != nil {
		return err
	}

	if err := s.appendHistory(ctx, key, types.HistoryOpDelete, types.PublishGray, grayName, meta.User, "", "", now); err != nil {
		log.Printf("configstore: history append failed for %s (gray %s): %v", key, grayName, err)
	}

	s.publishChange(ctx, key, grayName)
	return nil
}

// FindMatchingGray returns the highest-priority gray overlay matching
// client, or nil if none match.
func (s *Store) FindMatchingGray(ctx context.Context, key types.ConfigKey, client types.ClientLabels) (*types.GrayEntry, error) {
	grays, err := s.backend.ConfigFindAllGrays(ctx, key)
	if err != nil {
		return nil, err
	}
	return types.SelectWinningGray(grays, client), nil
}

// QueryForClient resolves the content visible to client for key: a matching
// gray overlay first, then the formal entry, then not-found.
func (s *Store) QueryForClient(ctx context.Context, key types.ConfigKey, client types.ClientLabels) (types.ResolvedContent, error) {
	gray, err := s.FindMatchingGray(ctx, key, client)
	if err != nil {
		return types.ResolvedContent{}, err
	}
	if gray != nil {
		return types.ResolvedContent{
			Content:          gray.Content,
			Digest:           gray.Digest,
			EncryptedDataKey: gray.EncryptedDataKey,
			ModifyTime:       gray.ModifyTime,
			FromGray:         gray.Name,
			Found:            true,
		}, nil
	}

	formal, err := s.Get(ctx, key)
	if err != nil {
		return types.ResolvedContent{}, err
	}
	if formal == nil {
		return types.ResolvedContent{Found: false}, nil
	}
	return types.ResolvedContent{
		Content:          formal.Content,
		Digest:           formal.Digest,
		EncryptedDataKey: formal.EncryptedDataKey,
		ModifyTime:       formal.ModifyTime,
		Found:            true,
	}, nil
}

// BatchListen subscribes (listen) or unsubscribes connID for every item and,
// when listening, returns the items whose resolved digest differs from the
// client's or that are not found; internal/server wraps the result in
// wire.ConfigChangeBatchListenResult.
func (s *Store) BatchListen(ctx context.Context, connID string, listen bool, items []wire.BatchListenItem) ([]wire.ChangedItem, error) {
	var changed []wire.ChangedItem
	for _, item := range items {
		key := types.NewConfigKey(item.Namespace, item.Group, item.DataID)

		if listen {
			s.subs.SubscribeExact(connID, key, item.ClientDigest)
		} else {
			s.subs.UnsubscribeExact(connID, key)
			continue
		}

		conn := s.conns.Get(connID)
		var client types.ClientLabels
		if conn != nil {
			client = conn.ClientLabels()
		}

		resolved, err := s.QueryForClient(ctx, key, client)
		if err != nil {
			return nil, err
		}
		if !resolved.Found || resolved.Digest != item.ClientDigest {
			changed = append(changed, wire.ChangedItem{Namespace: item.Namespace, Group: item.Group, DataID: item.DataID})
		}
	}
	return changed, nil
}

// publishChange fans a mutation out to local subscribers (exact + fuzzy) and
// then, if a Broadcaster is wired, to cluster peers. Failure to push to any
// one connection is logged, never fatal to the others (spec §4.4).
func (s *Store) publishChange(ctx context.Context, key types.ConfigKey, grayName string) {
	s.notifyLocalSubscribers(key)

	if s.broadcast != nil {
		s.broadcast.BroadcastConfigChange(ctx, wire.ConfigChangeClusterSyncArgs{
			DataID:       key.DataID,
			Group:        key.Group,
			Tenant:       key.Namespace,
			LastModified: s.clock(),
			GrayName:     grayName,
		})
	}
}

// ApplyClusterSync is the receiving side of the cluster-sync contract: a
// peer calls this after a remote mutation and it MUST NOT re-broadcast.
func (s *Store) ApplyClusterSync(ctx context.Context, args wire.ConfigChangeClusterSyncArgs) {
	key := types.NewConfigKey(args.Tenant, args.Group, args.DataID)
	s.notifyLocalSubscribers(key)
}

func (s *Store) notifyLocalSubscribers(key types.ConfigKey) {
	notify := func(connID string) {
		env, err := wire.NewRequest("", wire.TypeConfigChangeNotifyRequest, wire.ConfigChangeNotifyArgs{
			Namespace: key.Namespace, Group: key.Group, DataID: key.DataID,
		})
		if err != nil {
			log.Printf("configstore: failed to build change-notify envelope for %s: %v", key, err)
			return
		}
		if !s.conns.Push(connID, env) {
			log.Printf("configstore: dropped change-notify for %s to connection %s", key, connID)
		}
	}

	for _, connID := range s.subs.GetWatchers(key) {
		notify(connID)
	}
	for _, connID := range s.subs.GetFuzzyMatches(key) {
		s.subs.MarkReceived(connID, key)
		notify(connID)
	}
}

func (s *Store) appendHistory(ctx context.Context, key types.ConfigKey, op types.HistoryOp, pubType types.PublishType, grayName, who, priorContent, priorDigest string, when time.Time) error {
	err := s.backend.HistoryAppend(ctx, &types.ConfigHistory{
		Key:          key,
		Op:           op,
		PublishType:  pubType,
		GrayName:     grayName,
		Who:          who,
		When:         when,
		PriorContent: priorContent,
		PriorDigest:  priorDigest,
	})
	if err != nil {
		return err
	}
	if keep := s.retainKeepValue(); keep > 0 {
		return s.backend.HistoryPrune(ctx, key, keep)
	}
	return nil
}

// History returns up to limit history entries for key, most recent first.
func (s *Store) History(ctx context.Context, key types.ConfigKey, limit int) ([]*types.ConfigHistory, error) {
	return s.backend.HistoryList(ctx, key, limit)
}

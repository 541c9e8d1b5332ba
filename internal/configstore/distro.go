package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/easynet-cn/batata-sub002/internal/cluster/distro"
	"github.com/easynet-cn/batata-sub002/internal/persistence"
	"github.com/easynet-cn/batata-sub002/internal/types"
)

// DistroDataType is the Distro data-type name this package registers under:
// internal/server calls distro.Coordinator.Register(DistroDataType, store).
const DistroDataType = "config"

var _ distro.Handler = (*Store)(nil)

func parseConfigKeyString(s string) (types.ConfigKey, error) {
	parts := strings.SplitN(s, "@@", 3)
	if len(parts) != 3 {
		return types.ConfigKey{}, fmt.Errorf("configstore: malformed key %q", s)
	}
	return types.ConfigKey{Namespace: parts[0], Group: parts[1], DataID: parts[2]}, nil
}

// AllKeys satisfies distro.Handler: every formal entry's canonical key
// string, for the verify sweep to sample from.
func (s *Store) AllKeys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.ConfigListKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out, nil
}

// Get satisfies distro.Handler: loads one entry and wraps it as a
// VersionedBlob versioned by its ModifyTime.
func (s *Store) Get(ctx context.Context, key string) (distro.VersionedBlob, error) {
	ck, err := parseConfigKeyString(key)
	if err != nil {
		return distro.VersionedBlob{}, err
	}
	entry, err := s.backend.ConfigFindOne(ctx, ck)
	if err == persistence.ErrNotFound {
		return distro.VersionedBlob{DataType: DistroDataType, Key: key}, nil
	}
	if err != nil {
		return distro.VersionedBlob{}, err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return distro.VersionedBlob{}, err
	}
	return distro.VersionedBlob{
		DataType: DistroDataType,
		Key:      key,
		Version:  entry.ModifyTime.UnixNano(),
		Payload:  payload,
	}, nil
}

// ApplySync satisfies distro.Handler: accepts a peer's pushed entry iff its
// version is not older than the local one, then notifies local subscribers
// exactly as a local Publish would (but never re-broadcasts, matching the
// cluster-sync contract ApplyClusterSync already established).
func (s *Store) ApplySync(ctx context.Context, blob distro.VersionedBlob) error {
	if len(blob.Payload) == 0 {
		return nil
	}
	var incoming types.ConfigEntry
	if err := json.Unmarshal(blob.Payload, &incoming); err != nil {
		return err
	}

	existing, err := s.backend.ConfigFindOne(ctx, incoming.Key)
	if err != nil && err != persistence.ErrNotFound {
		return err
	}
	if existing != nil && existing.ModifyTime.UnixNano() > blob.Version {
		return nil
	}

	if err := s.backend.ConfigCreateOrUpdate(ctx, &incoming); err != nil {
		return err
	}
	s.notifyLocalSubscribers(incoming.Key)
	return nil
}

// Verify satisfies distro.Handler: true iff the local entry's digest matches
// blob's (the peer push gave us a fresh Get instead, so derive the expected
// digest straight from Payload's encoded entry).
func (s *Store) Verify(ctx context.Context, blob distro.VersionedBlob) (bool, error) {
	ck, err := parseConfigKeyString(blob.Key)
	if err != nil {
		return false, err
	}
	local, err := s.backend.ConfigFindOne(ctx, ck)
	if err == persistence.ErrNotFound {
		return len(blob.Payload) == 0, nil
	}
	if err != nil {
		return false, err
	}
	if len(blob.Payload) == 0 {
		return false, nil
	}
	var remote types.ConfigEntry
	if err := json.Unmarshal(blob.Payload, &remote); err != nil {
		return false, err
	}
	return local.Digest == remote.Digest, nil
}

// Snapshot satisfies distro.Handler: every formal entry as a VersionedBlob,
// for a newly-Up peer's initial full sync.
func (s *Store) Snapshot(ctx context.Context) ([]distro.VersionedBlob, error) {
	keys, err := s.AllKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]distro.VersionedBlob, 0, len(keys))
	for _, key := range keys {
		blob, err := s.Get(ctx, key)
		if err != nil {
			continue
		}
		out = append(out, blob)
	}
	return out, nil
}

package naming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/easynet-cn/batata-sub002/internal/cluster/distro"
	"github.com/easynet-cn/batata-sub002/internal/types"
)

// DistroDataType is the Distro data-type name this package registers under:
// internal/server calls distro.Coordinator.Register(DistroDataType, registry).
const DistroDataType = "instance"

var _ distro.Handler = (*Registry)(nil)

// distroInstance is the wire payload for one instance blob: the ServiceKey
// plus the Instance itself, since an instance's identity is only unique
// within its service.
type distroInstance struct {
	ServiceKey types.ServiceKey `json:"serviceKey"`
	Instance   types.Instance   `json:"instance"`
}

func instanceDistroKey(key types.ServiceKey, inst *types.Instance) string {
	return fmt.Sprintf("%s##%s", key.String(), inst.Key())
}

// InstanceDistroKey exposes instanceDistroKey to internal/server, which needs
// it to call Coordinator.ScheduleSync right after a local register/deregister
// instead of waiting for the next verify sweep to notice the drift.
func InstanceDistroKey(key types.ServiceKey, inst *types.Instance) string {
	return instanceDistroKey(key, inst)
}

func parseInstanceDistroKey(s string) (types.ServiceKey, string, string, int, string, error) {
	parts := strings.SplitN(s, "##", 2)
	if len(parts) != 2 {
		return types.ServiceKey{}, "", "", 0, "", fmt.Errorf("naming: malformed distro key %q", s)
	}
	skParts := strings.SplitN(parts[0], "@@", 3)
	if len(skParts) != 3 {
		return types.ServiceKey{}, "", "", 0, "", fmt.Errorf("naming: malformed service key in %q", s)
	}
	sk := types.ServiceKey{Namespace: skParts[0], Group: skParts[1], ServiceName: skParts[2]}

	instParts := strings.SplitN(parts[1], "#", 3)
	if len(instParts) != 3 {
		return types.ServiceKey{}, "", "", 0, "", fmt.Errorf("naming: malformed instance key in %q", s)
	}
	var port int
	if _, err := fmt.Sscanf(instParts[1], "%d", &port); err != nil {
		return types.ServiceKey{}, "", "", 0, "", fmt.Errorf("naming: bad port in %q: %w", s, err)
	}
	return sk, instParts[0], instParts[2], port, parts[1], nil
}

// AllKeys satisfies distro.Handler: one key per currently registered
// instance, across every service and cluster.
func (r *Registry) AllKeys(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for key, svc := range r.services {
		for _, list := range svc.Clusters {
			for _, inst := range list {
				out = append(out, instanceDistroKey(key, inst))
			}
		}
	}
	return out, nil
}

func (r *Registry) findInstance(sk types.ServiceKey, ip string, port int, cluster string) *types.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[sk]
	if !ok {
		return nil
	}
	instKey := types.InstanceKey(ip, port, cluster)
	for _, inst := range svc.Clusters[cluster] {
		if inst.Key() == instKey {
			return inst
		}
	}
	return nil
}

// Get satisfies distro.Handler: loads one instance and wraps it as a
// VersionedBlob; instances carry no independent modify timestamp, so the
// version is derived from LastHeartbeat, which internal/server sets to the
// registration time for every instance, ephemeral or persistent.
func (r *Registry) Get(ctx context.Context, key string) (distro.VersionedBlob, error) {
	sk, ip, cluster, port, _, err := parseInstanceDistroKey(key)
	if err != nil {
		return distro.VersionedBlob{}, err
	}
	inst := r.findInstance(sk, ip, port, cluster)
	if inst == nil {
		return distro.VersionedBlob{DataType: DistroDataType, Key: key}, nil
	}
	payload, err := json.Marshal(distroInstance{ServiceKey: sk, Instance: *inst})
	if err != nil {
		return distro.VersionedBlob{}, err
	}
	return distro.VersionedBlob{
		DataType: DistroDataType,
		Key:      key,
		Version:  inst.LastHeartbeat.UnixNano(),
		Payload:  payload,
	}, nil
}

// ApplySync satisfies distro.Handler: unless the local copy of the instance
// carries a newer version than the blob, registers/replaces the incoming
// instance locally (connID empty, since a Distro-synced instance is not
// owned by any connection on this node) and republishes to local
// subscribers via the normal RegisterInstance path.
func (r *Registry) ApplySync(ctx context.Context, blob distro.VersionedBlob) error {
	if len(blob.Payload) == 0 {
		return nil
	}
	var di distroInstance
	if err := json.Unmarshal(blob.Payload, &di); err != nil {
		return err
	}
	inst := di.Instance
	if local := r.findInstance(di.ServiceKey, inst.IP, inst.Port, inst.ClusterName); local != nil && local.LastHeartbeat.UnixNano() > blob.Version {
		return nil
	}
	r.RegisterInstance(ctx, "", &inst)
	return nil
}

// Verify satisfies distro.Handler: true iff the local instance's
// healthy/weight/enabled fields match the peer's.
func (r *Registry) Verify(ctx context.Context, blob distro.VersionedBlob) (bool, error) {
	sk, ip, cluster, port, _, err := parseInstanceDistroKey(blob.Key)
	if err != nil {
		return false, err
	}
	local := r.findInstance(sk, ip, port, cluster)
	if len(blob.Payload) == 0 {
		return local == nil, nil
	}
	if local == nil {
		return false, nil
	}
	var di distroInstance
	if err := json.Unmarshal(blob.Payload, &di); err != nil {
		return false, err
	}
	return local.Healthy == di.Instance.Healthy &&
		local.Enabled == di.Instance.Enabled &&
		local.Weight == di.Instance.Weight, nil
}

// Snapshot satisfies distro.Handler: every registered instance as a
// VersionedBlob, for a newly-Up peer's initial full sync.
func (r *Registry) Snapshot(ctx context.Context) ([]distro.VersionedBlob, error) {
	keys, err := r.AllKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]distro.VersionedBlob, 0, len(keys))
	for _, key := range keys {
		blob, err := r.Get(ctx, key)
		if err != nil {
			continue
		}
		out = append(out, blob)
	}
	return out, nil
}

// Package naming implements C5, the Service Registry: instance
// registration, query, health-state aggregation, and subscriber fanout.
//
// Grounded in the teacher's internal/registry/registry.go concurrent,
// semaphore-bounded store (since deleted from this workspace but cited
// here for grounding), adapted from a single flat registry of tracked
// objects to the two-level namespace/group/service -> cluster -> instance
// hierarchy spec.md §3 describes.
package naming

import (
	"context"
	"log"
	"sync"

	"github.com/easynet-cn/batata-sub002/internal/connregistry"
	"github.com/easynet-cn/batata-sub002/internal/subindex"
	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

// ProtectionThreshold is the healthy-ratio floor below which a service's
// ReachProtectionThreshold flag is set (spec §4.5).
const ProtectionThreshold = 0.25

// Registry is the C5 implementation: an in-memory, concurrent-safe store of
// services and their instances, keyed by ServiceKey.
type Registry struct {
	mu       sync.RWMutex
	services map[types.ServiceKey]*types.Service

	// byConnection indexes ephemeral instances by the ConnID that
	// registered them, so DeregisterAllByConnection is O(k) rather than a
	// full scan (mirroring C3's reverse-index teardown invariant).
	byConnection map[string]map[instanceRef]bool

	conns *connregistry.Registry
	subs  *subindex.Index
	fuzzy fuzzyWatchers
}

type instanceRef struct {
	key     types.ServiceKey
	cluster string
	id      string
}

// New builds an empty Registry wired to C1/C3 for change notification.
func New(conns *connregistry.Registry, subs *subindex.Index) *Registry {
	return &Registry{
		services:     make(map[types.ServiceKey]*types.Service),
		byConnection: make(map[string]map[instanceRef]bool),
		conns:        conns,
		subs:         subs,
	}
}

func (r *Registry) serviceLocked(key types.ServiceKey) *types.Service {
	svc, ok := r.services[key]
	if !ok {
		svc = &types.Service{Key: key, Clusters: make(map[string][]*types.Instance)}
		r.services[key] = svc
	}
	return svc
}

// RegisterInstance adds or replaces an instance within its service/cluster.
// ephemeral instances registered over a live connection are torn down
// automatically when that connection closes.
func (r *Registry) RegisterInstance(ctx context.Context, connID string, inst *types.Instance) {
	r.mu.Lock()
	svc := r.serviceLocked(inst.ServiceKey)
	cluster := inst.ClusterName
	list := svc.Clusters[cluster]

	replaced := false
	for i, existing := range list {
		if existing.Key() == inst.Key() {
			list[i] = inst
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, inst)
	}
	svc.Clusters[cluster] = list
	r.recomputeProtectionLocked(svc)

	if inst.Ephemeral && connID != "" {
		ref := instanceRef{key: inst.ServiceKey, cluster: cluster, id: inst.Key()}
		set, ok := r.byConnection[connID]
		if !ok {
			set = make(map[instanceRef]bool)
			r.byConnection[connID] = set
		}
		set[ref] = true
	}
	r.mu.Unlock()

	r.publishChange(inst.ServiceKey)
}

// DeregisterInstance removes one instance by its (ip, port, cluster) key.
func (r *Registry) DeregisterInstance(ctx context.Context, key types.ServiceKey, ip string, port int, cluster string) {
	r.mu.Lock()
	svc, ok := r.services[key]
	if !ok {
		r.mu.Unlock()
		return
	}

	instKey := types.InstanceKey(ip, port, cluster)
	list := svc.Clusters[cluster]
	for i, existing := range list {
		if existing.Key() == instKey {
			svc.Clusters[cluster] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.recomputeProtectionLocked(svc)
	r.mu.Unlock()

	r.publishChange(key)
}

// GetInstances returns the instance view for key, filtered to cluster (all
// clusters if empty) and, if healthyOnly is requested and the service is
// not under reach-protection, to healthy instances only.
func (r *Registry) GetInstances(key types.ServiceKey, cluster string, healthyOnly bool) ([]*types.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[key]
	if !ok {
		return nil, false
	}

	var out []*types.Instance
	for clusterName, list := range svc.Clusters {
		if cluster != "" && clusterName != cluster {
			continue
		}
		for _, inst := range list {
			if healthyOnly && !svc.ReachProtectionThreshold && !inst.Healthy {
				continue
			}
			out = append(out, inst)
		}
	}
	return out, svc.ReachProtectionThreshold
}

// UpdateInstanceHealth sets an instance's Healthy flag to the value C6
// reports for one check's transition and reports whether the instance was
// found. No aggregation across several checks of one instance is done.
func (r *Registry) UpdateInstanceHealth(key types.ServiceKey, ip string, port int, cluster string, healthy bool) bool {
	r.mu.Lock()
	svc, ok := r.services[key]
	if !ok {
		r.mu.Unlock()
		return false
	}

	instKey := types.InstanceKey(ip, port, cluster)
	found := false
	for _, inst := range svc.Clusters[cluster] {
		if inst.Key() == instKey {
			inst.Healthy = healthy
			found = true
			break
		}
	}
	if found {
		r.recomputeProtectionLocked(svc)
	}
	r.mu.Unlock()

	if found {
		r.publishChange(key)
	}
	return found
}

// ListServices returns up to pageSize ServiceKeys within namespace/group,
// starting at offset, for pagination over the registry's service set.
func (r *Registry) ListServices(namespace, group string, offset, pageSize int) []types.ServiceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []types.ServiceKey
	for key := range r.services {
		if key.Namespace == namespace && (group == "" || key.Group == group) {
			matched = append(matched, key)
		}
	}
	if offset >= len(matched) {
		return nil
	}
	end := offset + pageSize
	if pageSize <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

// Subscribe registers connID for change notifications on key.
func (r *Registry) Subscribe(connID string, key types.ServiceKey) {
	r.subs.SubscribeNaming(connID, key)
}

// Unsubscribe removes connID's subscription to key.
func (r *Registry) Unsubscribe(connID string, key types.ServiceKey) {
	r.subs.UnsubscribeNaming(connID, key)
}

// DeregisterAllByConnection removes every ephemeral instance connID
// registered and returns the list of ServiceKeys affected, so the caller
// (C1's unregister hook) can be sure fanout happened for each. O(k) in the
// connection's own registered instances.
func (r *Registry) DeregisterAllByConnection(connID string) []types.ServiceKey {
	r.mu.Lock()
	refs, ok := r.byConnection[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byConnection, connID)

	var affected []types.ServiceKey
	for ref := range refs {
		svc, ok := r.services[ref.key]
		if !ok {
			continue
		}
		list := svc.Clusters[ref.cluster]
		for i, inst := range list {
			if inst.Key() == ref.id {
				svc.Clusters[ref.cluster] = append(list[:i], list[i+1:]...)
				break
			}
		}
		r.recomputeProtectionLocked(svc)
		affected = append(affected, ref.key)
	}
	r.mu.Unlock()

	for _, key := range affected {
		r.publishChange(key)
	}
	return affected
}

// recomputeProtectionLocked updates svc.ReachProtectionThreshold; caller
// must hold r.mu.
func (r *Registry) recomputeProtectionLocked(svc *types.Service) {
	svc.ReachProtectionThreshold = svc.HealthyRatio() < ProtectionThreshold
}

// publishChange delivers a NotifySubscriberArgs push to every subscriber of
// key. Individual push failures are logged and do not abort the fanout.
func (r *Registry) publishChange(key types.ServiceKey) {
	instances, _ := r.GetInstances(key, "", false)
	views := make([]wire.InstanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, wire.InstanceView{
			IP: inst.IP, Port: inst.Port, ClusterName: inst.ClusterName,
			Weight: inst.Weight, Healthy: inst.Healthy, Enabled: inst.Enabled,
			Ephemeral: inst.Ephemeral, Metadata: inst.Metadata,
		})
	}

	for _, connID := range r.subs.GetNamingSubscribers(key) {
		env, err := wire.NewRequest("", wire.TypeNotifySubscriberRequest, wire.NotifySubscriberArgs{
			Namespace: key.Namespace, Group: key.Group, ServiceName: key.ServiceName, Instances: views,
		})
		if err != nil {
			log.Printf("naming: failed to build notify-subscriber envelope for %s: %v", key, err)
			continue
		}
		if !r.conns.Push(connID, env) {
			log.Printf("naming: dropped notify-subscriber push for %s to connection %s", key, connID)
		}
	}

	r.notifyFuzzyWatchers(key)
}

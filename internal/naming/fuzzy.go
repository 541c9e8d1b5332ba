package naming

import (
	"log"
	"sync"

	"github.com/easynet-cn/batata-sub002/internal/subindex"
	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

// fuzzyWatch is one NamingFuzzyWatchRequest subscription: every service name
// within namespace/group matching pattern (subindex.MatchesGlob's
// prefix/suffix/contains/exact grammar).
type fuzzyWatch struct {
	connID, namespace, group, pattern string
}

// fuzzyWatchers holds NamingFuzzyWatchRequest subscriptions. Kept separate
// from subindex.Index (built for ConfigKey/ServiceKey exact-match indexing)
// since a fuzzy naming watch matches against a bare service-name pattern
// scoped to a namespace/group pair, not a full ServiceKey.
type fuzzyWatchers struct {
	mu   sync.Mutex
	list []*fuzzyWatch
}

// SubscribeFuzzy registers connID for NamingFuzzyWatchNotifyRequest pushes
// whenever a service matching pattern within namespace/group changes.
func (r *Registry) SubscribeFuzzy(connID, namespace, group, pattern string) {
	r.fuzzy.mu.Lock()
	defer r.fuzzy.mu.Unlock()
	r.fuzzy.list = append(r.fuzzy.list, &fuzzyWatch{connID: connID, namespace: namespace, group: group, pattern: pattern})
}

// UnsubscribeFuzzy removes connID's fuzzy naming subscription matching the
// given namespace/group/pattern exactly.
func (r *Registry) UnsubscribeFuzzy(connID, namespace, group, pattern string) {
	r.fuzzy.mu.Lock()
	defer r.fuzzy.mu.Unlock()
	for i, f := range r.fuzzy.list {
		if f.connID == connID && f.namespace == namespace && f.group == group && f.pattern == pattern {
			r.fuzzy.list = append(r.fuzzy.list[:i], r.fuzzy.list[i+1:]...)
			return
		}
	}
}

// ForgetConnectionFuzzy removes every fuzzy naming subscription connID
// holds, for C1's connection-close cleanup hook.
func (r *Registry) ForgetConnectionFuzzy(connID string) {
	r.fuzzy.mu.Lock()
	defer r.fuzzy.mu.Unlock()
	kept := r.fuzzy.list[:0]
	for _, f := range r.fuzzy.list {
		if f.connID != connID {
			kept = append(kept, f)
		}
	}
	r.fuzzy.list = kept
}

// notifyFuzzyWatchers pushes the current matching-service-name list to every
// fuzzy watcher whose namespace/group/pattern matches key, called from
// publishChange alongside the exact-subscriber fanout.
func (r *Registry) notifyFuzzyWatchers(key types.ServiceKey) {
	r.fuzzy.mu.Lock()
	var matches []*fuzzyWatch
	for _, f := range r.fuzzy.list {
		if f.namespace == key.Namespace && (f.group == "" || f.group == key.Group) && subindex.MatchesGlob(f.pattern, key.ServiceName) {
			matches = append(matches, f)
		}
	}
	r.fuzzy.mu.Unlock()

	for _, f := range matches {
		var names []string
		for _, sk := range r.ListServices(f.namespace, f.group, 0, 0) {
			if subindex.MatchesGlob(f.pattern, sk.ServiceName) {
				names = append(names, sk.ServiceName)
			}
		}

		env, err := wire.NewRequest("", wire.TypeNamingFuzzyWatchNotifyRequest, wire.NamingFuzzyWatchNotifyArgs{
			Namespace: f.namespace, Group: f.group, Pattern: f.pattern, Services: names,
		})
		if err != nil {
			log.Printf("naming: failed to build fuzzy-watch-notify envelope for %s/%s/%s: %v", f.namespace, f.group, f.pattern, err)
			continue
		}
		if !r.conns.Push(f.connID, env) {
			log.Printf("naming: dropped fuzzy-watch-notify push to connection %s", f.connID)
		}
	}
}

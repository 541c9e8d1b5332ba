// Package subindex implements C3, the Subscription Index: three
// sub-indices (config exact, config fuzzy, naming) plus the reverse index
// needed for O(k) teardown on connection close.
//
// The snapshot-before-enumerate invariant below is grounded in the
// teacher's eventbus.Bus.Dispatch (internal/eventbus/bus.go): take a
// locked snapshot of the matching set, then release the lock before
// invoking anything that might take a while (here, a push call instead of
// a handler invocation).
package subindex

import (
	"strings"
	"sync"

	"github.com/easynet-cn/batata-sub002/internal/types"
)

// fuzzyEntry is one registered fuzzy-pattern subscription plus the set of
// keys already delivered to it. The set is recorded by MarkReceived;
// GetFuzzyMatches does not consult it.
type fuzzyEntry struct {
	connID  string
	pattern string
	seen    map[string]bool
}

// Index is the concurrent-safe C3 implementation. Not sharded: Go's built-in
// maps guarded by a single RWMutex shared by all three sub-indices —
// moderate write volume, so one lock is sufficient, and readers (the
// common case: enumerate watchers on every config/service mutation) never
// block each other.
type Index struct {
	mu sync.RWMutex

	exact  map[types.ConfigKey]map[string]string // ConfigKey -> connID -> clientDigest
	fuzzy  []*fuzzyEntry
	naming map[types.ServiceKey]map[string]bool // ServiceKey -> connID set

	// reverse is the connID -> subscription-set index that makes
	// ForgetConnection O(k) instead of a full scan; its consistency with
	// the forward maps above is the invariant §4.3 calls out as a bug (not
	// a tolerated case) if it is ever violated.
	reverse map[string]*reverseEntry
}

type reverseEntry struct {
	exactKeys  map[types.ConfigKey]bool
	fuzzyIdx   map[int]bool
	namingKeys map[types.ServiceKey]bool
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		exact:   make(map[types.ConfigKey]map[string]string),
		naming:  make(map[types.ServiceKey]map[string]bool),
		reverse: make(map[string]*reverseEntry),
	}
}

func (ix *Index) reverseFor(connID string) *reverseEntry {
	r, ok := ix.reverse[connID]
	if !ok {
		r = &reverseEntry{
			exactKeys:  make(map[types.ConfigKey]bool),
			fuzzyIdx:   make(map[int]bool),
			namingKeys: make(map[types.ServiceKey]bool),
		}
		ix.reverse[connID] = r
	}
	return r
}

// SubscribeExact registers an exact-key config subscription.
func (ix *Index) SubscribeExact(connID string, key types.ConfigKey, clientDigest string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	subs, ok := ix.exact[key]
	if !ok {
		subs = make(map[string]string)
		ix.exact[key] = subs
	}
	subs[connID] = clientDigest
	ix.reverseFor(connID).exactKeys[key] = true
}

// UnsubscribeExact removes an exact-key config subscription.
func (ix *Index) UnsubscribeExact(connID string, key types.ConfigKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.unsubscribeExactLocked(connID, key)
}

func (ix *Index) unsubscribeExactLocked(connID string, key types.ConfigKey) {
	if subs, ok := ix.exact[key]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(ix.exact, key)
		}
	}
	if r, ok := ix.reverse[connID]; ok {
		delete(r.exactKeys, key)
	}
}

// SubscribeFuzzy registers a fuzzy-pattern config subscription and returns
// an opaque handle a caller can pass to UnsubscribeFuzzy.
func (ix *Index) SubscribeFuzzy(connID, pattern string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	idx := len(ix.fuzzy)
	ix.fuzzy = append(ix.fuzzy, &fuzzyEntry{connID: connID, pattern: pattern, seen: make(map[string]bool)})
	ix.reverseFor(connID).fuzzyIdx[idx] = true
	return idx
}

// UnsubscribeFuzzy removes a fuzzy subscription by the handle SubscribeFuzzy
// returned.
func (ix *Index) UnsubscribeFuzzy(connID string, handle int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.unsubscribeFuzzyLocked(connID, handle)
}

// UnsubscribeFuzzyByPattern removes connID's fuzzy subscription matching
// pattern exactly, without requiring the caller to have kept the handle
// SubscribeFuzzy returned (a client only knows the pattern it asked for).
func (ix *Index) UnsubscribeFuzzyByPattern(connID, pattern string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for idx, f := range ix.fuzzy {
		if f != nil && f.connID == connID && f.pattern == pattern {
			ix.unsubscribeFuzzyLocked(connID, idx)
		}
	}
}

func (ix *Index) unsubscribeFuzzyLocked(connID string, handle int) {
	if handle < 0 || handle >= len(ix.fuzzy) || ix.fuzzy[handle] == nil {
		return
	}
	if ix.fuzzy[handle].connID == connID {
		ix.fuzzy[handle] = nil
	}
	if r, ok := ix.reverse[connID]; ok {
		delete(r.fuzzyIdx, handle)
	}
}

// SubscribeNaming registers a service-change subscription.
func (ix *Index) SubscribeNaming(connID string, key types.ServiceKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	subs, ok := ix.naming[key]
	if !ok {
		subs = make(map[string]bool)
		ix.naming[key] = subs
	}
	subs[connID] = true
	ix.reverseFor(connID).namingKeys[key] = true
}

// UnsubscribeNaming removes a service-change subscription.
func (ix *Index) UnsubscribeNaming(connID string, key types.ServiceKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.unsubscribeNamingLocked(connID, key)
}

func (ix *Index) unsubscribeNamingLocked(connID string, key types.ServiceKey) {
	if subs, ok := ix.naming[key]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(ix.naming, key)
		}
	}
	if r, ok := ix.reverse[connID]; ok {
		delete(r.namingKeys, key)
	}
}

// GetWatchers returns a snapshot of connIds exactly subscribed to key.
func (ix *Index) GetWatchers(key types.ConfigKey) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	subs := ix.exact[key]
	out := make([]string, 0, len(subs))
	for connID := range subs {
		out = append(out, connID)
	}
	return out
}

// GetFuzzyMatches returns a snapshot of connIds whose fuzzy pattern matches
// key's path components.
func (ix *Index) GetFuzzyMatches(key types.ConfigKey) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []string
	for _, f := range ix.fuzzy {
		if f == nil {
			continue
		}
		if PatternMatches(f.pattern, key) {
			out = append(out, f.connID)
		}
	}
	return out
}

// GetNamingSubscribers returns a snapshot of connIds subscribed to key.
func (ix *Index) GetNamingSubscribers(key types.ServiceKey) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	subs := ix.naming[key]
	out := make([]string, 0, len(subs))
	for connID := range subs {
		out = append(out, connID)
	}
	return out
}

// MarkReceived records that connID has now seen key, via its fuzzy
// subscription(s). Nothing in this package reads the record back, so it
// does not suppress later deliveries of the same key.
func (ix *Index) MarkReceived(connID string, key types.ConfigKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	marker := key.String()
	for _, f := range ix.fuzzy {
		if f != nil && f.connID == connID {
			f.seen[marker] = true
		}
	}
}

// ForgetConnection removes every index entry (forward and reverse)
// referencing connID. O(k) in the number of that connection's own
// subscriptions, per spec §4.3 invariant (a).
func (ix *Index) ForgetConnection(connID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	r, ok := ix.reverse[connID]
	if !ok {
		return
	}
	for key := range r.exactKeys {
		ix.unsubscribeExactLocked(connID, key)
	}
	for idx := range r.fuzzyIdx {
		ix.unsubscribeFuzzyLocked(connID, idx)
	}
	for key := range r.namingKeys {
		ix.unsubscribeNamingLocked(connID, key)
	}
	delete(ix.reverse, connID)
}

// PatternMatches implements the fuzzy-watch grammar: prefix "foo*", suffix
// "*bar", contains "*x*", and exact-match on any of the three path
// components (namespace, group, dataId) joined by the ConfigKey's
// canonical separator.
func PatternMatches(pattern string, key types.ConfigKey) bool {
	candidates := []string{key.Namespace, key.Group, key.DataID, key.String()}

	for _, candidate := range candidates {
		if matchesOne(pattern, candidate) {
			return true
		}
	}
	return false
}

// MatchesGlob exposes the same prefix/suffix/contains/exact grammar
// PatternMatches applies to a ConfigKey, for callers matching against a
// plain string instead (internal/naming's fuzzy service-name watch).
func MatchesGlob(pattern, candidate string) bool {
	return matchesOne(pattern, candidate)
}

func matchesOne(pattern, candidate string) bool {
	switch {
	case pattern == candidate:
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) >= 2:
		return strings.Contains(candidate, pattern[1:len(pattern)-1])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(candidate, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(candidate, pattern[1:])
	default:
		return false
	}
}

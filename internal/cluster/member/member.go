// Package member implements C7, the Member Manager: the per-peer gossip
// state machine {Starting, Up, Suspicious, Down, Isolation} and the
// periodic probe loop driving its transitions.
//
// The ticker/context-cancel/typed-outcome loop shape is the same one C6
// uses, grounded in the teacher's internal/coop/monitor.go (since deleted
// from this workspace but cited here for grounding): reused verbatim for
// peer liveness instead of agent liveness.
package member

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/easynet-cn/batata-sub002/internal/types"
)

// Defaults per spec §4.7.
const (
	ProbeInterval         = 5 * time.Second
	ProbeTimeout          = 3 * time.Second
	SuspiciousAtFailCount = 1
	DownAtFailCount       = 3
)

// Prober performs one liveness probe against a peer address. Real
// implementations dial the peer's cluster port; tests use a stub.
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) error
}

// Manager tracks every peer's Member state plus the local self member.
type Manager struct {
	mu      sync.RWMutex
	self    *types.Member
	members map[string]*types.Member

	prober     Prober
	clock      func() time.Time
	onMemberUp func(addr string)
}

// New builds a Manager whose self address is selfAddr. The self member is
// always reported Up locally, per spec §4.7.
func New(selfAddr string, weight float64, raftPort int, version string, prober Prober) *Manager {
	now := time.Now()
	self := &types.Member{
		Address: selfAddr, State: types.MemberUp, Weight: weight,
		RaftPort: raftPort, Version: version, LastUpdate: now, StartTime: now,
	}
	return &Manager{
		self:    self,
		members: map[string]*types.Member{selfAddr: self},
		prober:  prober,
		clock:   time.Now,
	}
}

// AllMembers returns a point-in-time snapshot of every known member
// (including self), safe to enumerate without the Manager's lock held.
func (m *Manager) AllMembers() []*types.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Member, 0, len(m.members))
	for _, mem := range m.members {
		clone := *mem
		out = append(out, &clone)
	}
	return out
}

// GetSelf returns the local node's own Member record.
func (m *Manager) GetSelf() *types.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clone := *m.self
	return &clone
}

// IsStandalone reports whether this node has no known peers besides itself.
func (m *Manager) IsStandalone() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members) <= 1
}

// PeerAddresses returns every known member's address except self, in no
// particular order. Used by C9 to fan out Distro sync tasks.
func (m *Manager) PeerAddresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members))
	for addr := range m.members {
		if addr == m.self.Address {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// SetOnMemberUp registers a callback invoked whenever a peer (not self)
// transitions into the Up state from some other state, including its first
// appearance. internal/server wires this to distro.Coordinator.SyncNewMember
// so a newly joined or recovered node receives a full snapshot.
func (m *Manager) SetOnMemberUp(fn func(addr string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMemberUp = fn
}

// ReportUp records an incoming MemberReport from addr: its state becomes Up
// and its failAccessCount resets.
func (m *Manager) ReportUp(addr string, weight float64, raftPort int, version string) {
	m.mu.Lock()

	mem, ok := m.members[addr]
	if !ok {
		mem = &types.Member{Address: addr, StartTime: m.clock()}
		m.members[addr] = mem
	}
	wasUp := ok && mem.State == types.MemberUp
	mem.State = types.MemberUp
	mem.FailAccessCount = 0
	mem.Weight = weight
	mem.RaftPort = raftPort
	mem.Version = version
	mem.LastUpdate = m.clock()
	cb := m.onMemberUp
	m.mu.Unlock()

	if !wasUp && cb != nil && addr != m.self.Address {
		cb(addr)
	}
}

// SeedPeer records a statically-known peer's advertised weight and Raft port
// ahead of its first gossip report, leaving its state at Starting rather
// than Up — unlike ReportUp, this does not assert liveness, so it does not
// fire the onMemberUp callback. Used to apply a --topology roster at
// startup so the first probe/gossip round already has accurate weight and
// Raft port instead of the zero-value defaults.
func (m *Manager) SeedPeer(addr string, weight float64, raftPort int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[addr]
	if !ok {
		mem = &types.Member{Address: addr, State: types.MemberStarting, StartTime: m.clock()}
		m.members[addr] = mem
	}
	mem.Weight = weight
	mem.RaftPort = raftPort
	mem.LastUpdate = m.clock()
}

// UpdateMemberState forcibly sets addr's state, used for administrative
// isolation (or restoring a previously isolated node).
func (m *Manager) UpdateMemberState(addr string, state types.MemberState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[addr]
	if !ok {
		mem = &types.Member{Address: addr, StartTime: m.clock()}
		m.members[addr] = mem
	}
	mem.State = state
	mem.LastUpdate = m.clock()
}

// recordProbeOutcome applies one probe result's failure-count state machine
// to addr (spec §4.7): success resets to Up; failure increments and escalates
// to Suspicious at >=1 and Down at >=3. A member administratively isolated
// is left untouched — probing still runs (so it can self-heal once
// un-isolated) but the outcome does not override Isolation.
func (m *Manager) recordProbeOutcome(addr string, success bool) {
	m.mu.Lock()

	mem, ok := m.members[addr]
	if !ok {
		m.mu.Unlock()
		return
	}
	if mem.State == types.MemberIsolation {
		m.mu.Unlock()
		return
	}

	wasUp := mem.State == types.MemberUp
	if success {
		mem.State = types.MemberUp
		mem.FailAccessCount = 0
	} else {
		mem.FailAccessCount++
		switch {
		case mem.FailAccessCount >= DownAtFailCount:
			mem.State = types.MemberDown
		case mem.FailAccessCount >= SuspiciousAtFailCount:
			mem.State = types.MemberSuspicious
		}
	}
	mem.LastUpdate = m.clock()
	cb := m.onMemberUp
	m.mu.Unlock()

	if success && !wasUp && cb != nil {
		cb(addr)
	}
}

// RunProbeSweep probes every known peer (excluding self) once. Intended to
// be called from a "sleep ProbeInterval, then probe" loop owned by the
// server runtime.
func (m *Manager) RunProbeSweep(ctx context.Context) {
	if m.prober == nil {
		return
	}

	for _, mem := range m.AllMembers() {
		if mem.Address == m.self.Address {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
		err := m.prober.Probe(probeCtx, mem.Address, ProbeTimeout)
		cancel()

		if err != nil {
			log.Printf("member: probe to %s failed: %v", mem.Address, err)
		}
		m.recordProbeOutcome(mem.Address, err == nil)
	}
}

// Run starts the periodic probe loop; it returns when ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunProbeSweep(ctx)
		}
	}
}

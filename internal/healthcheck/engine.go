// Package healthcheck implements C6, the Health Check Engine: active
// protocol probes with an adaptive interval, passive TTL heartbeats, and the
// deregister-critical reaper, all funneling status changes into C5's
// UpdateInstanceHealth.
//
// The poll-loop / threshold-state-machine shape (ticker, context-cancel,
// typed outcome) is grounded in the teacher's internal/coop/monitor.go
// (since deleted from this workspace but cited here for grounding),
// generalized from single-agent liveness monitoring to per-check health
// monitoring.
package healthcheck

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/easynet-cn/batata-sub002/internal/types"
)

// Defaults per spec §4.6.
const (
	DefaultIntervalMin     = 2000 * time.Millisecond
	DefaultIntervalMax     = 5000 * time.Millisecond
	DefaultProbeTimeout    = 500 * time.Millisecond
	SuccessShrinkFactor    = 0.85
	FailureGrowthFactor    = 0.5
	DefaultHeartbeatTTL    = 15 * time.Second
	DefaultIPDeleteTimeout = 30 * time.Second
	PassiveSweepInterval   = 5 * time.Second
	DeregisterSweepInterval = 5 * time.Second
)

// Prober performs one active probe against a check's target. Real
// implementations (TCP dial, HTTP GET, gRPC health call) live outside this
// package; tests use a stub.
type Prober interface {
	Probe(ctx context.Context, check *types.HealthCheck, timeout time.Duration) (success bool, output string, err error)
}

// HealthSink is what the engine updates on every status transition —
// satisfied by internal/naming.Registry's UpdateInstanceHealth, kept as a
// narrow interface so this package does not import naming.
type HealthSink interface {
	UpdateInstanceHealth(key types.ServiceKey, ip string, port int, cluster string, healthy bool) bool
	DeregisterInstance(ctx context.Context, key types.ServiceKey, ip string, port int, cluster string)
}

type trackedCheck struct {
	check       *types.HealthCheck
	status      *types.HealthCheckStatus
	serviceKey  types.ServiceKey
	ip          string
	port        int
	cluster     string
	cancel      context.CancelFunc
	lastHeartbeat time.Time
}

// Engine owns every registered check's runtime state.
type Engine struct {
	mu     sync.Mutex
	checks map[string]*trackedCheck

	prober Prober
	sink   HealthSink
	clock  func() time.Time
	rng    *rand.Rand
}

// New builds an Engine. prober may be nil if only passive (TTL) checks will
// ever be registered.
func New(prober Prober, sink HealthSink) *Engine {
	return &Engine{
		checks: make(map[string]*trackedCheck),
		prober: prober,
		sink:   sink,
		clock:  time.Now,
		rng:    rand.New(rand.NewSource(1)),
	}
}

// RegisterActiveCheck starts an independent probe loop for check. ctx
// governs the loop's lifetime; cancel it (or call Unregister) to stop.
func (e *Engine) RegisterActiveCheck(ctx context.Context, key types.ServiceKey, ip string, port int, cluster string, check *types.HealthCheck) {
	loopCtx, cancel := context.WithCancel(ctx)
	tc := &trackedCheck{
		check:      check,
		status:     types.NewHealthCheckStatus(check.InitialStatus),
		serviceKey: key,
		ip:         ip,
		port:       port,
		cluster:    cluster,
		cancel:     cancel,
	}

	e.mu.Lock()
	e.checks[check.CheckID] = tc
	e.mu.Unlock()

	go e.activeLoop(loopCtx, tc)
}

// RegisterPassiveCheck registers a TTL-heartbeat-backed check with no active
// probe loop; its state is driven entirely by RecordHeartbeat and the
// passive sweep.
func (e *Engine) RegisterPassiveCheck(key types.ServiceKey, ip string, port int, cluster string, check *types.HealthCheck, now time.Time) {
	tc := &trackedCheck{
		check:         check,
		status:        types.NewHealthCheckStatus(check.InitialStatus),
		serviceKey:    key,
		ip:            ip,
		port:          port,
		cluster:       cluster,
		lastHeartbeat: now,
	}

	e.mu.Lock()
	e.checks[check.CheckID] = tc
	e.mu.Unlock()
}

// Unregister stops an active check's loop (if any) and forgets its state.
func (e *Engine) Unregister(checkID string) {
	e.mu.Lock()
	tc, ok := e.checks[checkID]
	if ok {
		delete(e.checks, checkID)
	}
	e.mu.Unlock()

	if ok && tc.cancel != nil {
		tc.cancel()
	}
}

// RecordHeartbeat updates lastHeartbeat for the passive check matching
// instance (serviceKey, ip, port, cluster). No-op if no such check exists.
func (e *Engine) RecordHeartbeat(key types.ServiceKey, ip string, port int, cluster string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tc := range e.checks {
		if tc.serviceKey == key && tc.ip == ip && tc.port == port && tc.cluster == cluster {
			tc.lastHeartbeat = now
		}
	}
}

// Status returns the current HealthStatus tracked for checkID, or "" if
// unknown.
func (e *Engine) Status(checkID string) types.HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.checks[checkID]
	if !ok {
		return ""
	}
	return tc.status.Status
}

// activeLoop runs one check's adaptive-interval probe cycle until ctx is
// canceled.
func (e *Engine) activeLoop(ctx context.Context, tc *trackedCheck) {
	intervalMin, intervalMax := boundsFor(tc.check)
	interval := randomizedInitialInterval(e.rng, intervalMin, intervalMax)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		timeout := tc.check.Timeout
		if timeout == 0 {
			timeout = DefaultProbeTimeout
		}

		success, output, err := true, "", error(nil)
		if e.prober != nil {
			success, output, err = e.prober.Probe(ctx, tc.check, timeout)
		}
		if err != nil {
			success = false
			output = err.Error()
		}

		e.applyOutcome(tc, success, output, 0)
		interval = nextInterval(interval, intervalMin, intervalMax, success)
		timer.Reset(interval)
	}
}

func (e *Engine) applyOutcome(tc *trackedCheck, success bool, output string, responseTime time.Duration) {
	e.mu.Lock()
	wasHealthy := tc.status.Status.Healthy()
	tc.status.RecordOutcome(success, tc.check, e.clock(), output, responseTime)
	nowHealthy := tc.status.Status.Healthy()
	e.mu.Unlock()

	if wasHealthy != nowHealthy && e.sink != nil {
		if !e.sink.UpdateInstanceHealth(tc.serviceKey, tc.ip, tc.port, tc.cluster, nowHealthy) {
			log.Printf("healthcheck: UpdateInstanceHealth found no instance for check %s", tc.check.CheckID)
		}
	}
}

// RunPassiveSweep scans every registered check that carries a TTL once:
// heartbeatTimeout elapsed marks the instance unhealthy, ipDeleteTimeout
// elapsed additionally deregisters it through the sink. The sink deregisters
// whichever instance it is given; internal/server sets a TTL only on the
// checks of ephemeral instances, so persistent instances are never
// deregistered by this sweep.
func (e *Engine) RunPassiveSweep(ctx context.Context, now time.Time) {
	type toDeregister struct {
		key     types.ServiceKey
		ip      string
		port    int
		cluster string
	}
	var deregister []toDeregister

	e.mu.Lock()
	for _, tc := range e.checks {
		if tc.check.TTL == nil {
			continue
		}
		elapsed := now.Sub(tc.lastHeartbeat)
		heartbeatTimeout := DefaultHeartbeatTTL
		if *tc.check.TTL > 0 {
			heartbeatTimeout = *tc.check.TTL
		}
		// ipDeleteTimeout tracks heartbeatTimeout by the same ratio as the
		// package defaults (30s/15s = 2x), preserving the
		// ipDeleteTimeout > heartbeatTimeout invariant for any configured TTL.
		ipDeleteTimeout := 2 * heartbeatTimeout

		wasHealthy := tc.status.Status.Healthy()
		if elapsed > heartbeatTimeout {
			tc.status.Status = types.StatusCritical
			if tc.status.CriticalSince == nil {
				t := now
				tc.status.CriticalSince = &t
			}
		}
		nowHealthy := tc.status.Status.Healthy()

		if wasHealthy != nowHealthy && e.sink != nil {
			e.sink.UpdateInstanceHealth(tc.serviceKey, tc.ip, tc.port, tc.cluster, nowHealthy)
		}

		if elapsed > ipDeleteTimeout {
			deregister = append(deregister, toDeregister{key: tc.serviceKey, ip: tc.ip, port: tc.port, cluster: tc.cluster})
		}
	}
	e.mu.Unlock()

	for _, d := range deregister {
		if e.sink != nil {
			e.sink.DeregisterInstance(ctx, d.key, d.ip, d.port, d.cluster)
		}
	}
}

// RunDeregisterCriticalSweep scans every check whose status is Critical,
// whose DeregisterAfter is set, and whose time-in-Critical has reached it;
// deregisters the underlying instance and tears the check down.
func (e *Engine) RunDeregisterCriticalSweep(ctx context.Context, now time.Time) {
	type toDeregister struct {
		checkID string
		key     types.ServiceKey
		ip      string
		port    int
		cluster string
	}
	var victims []toDeregister

	e.mu.Lock()
	for id, tc := range e.checks {
		if tc.status.Status != types.StatusCritical || tc.check.DeregisterAfter == nil || tc.status.CriticalSince == nil {
			continue
		}
		if now.Sub(*tc.status.CriticalSince) >= *tc.check.DeregisterAfter {
			victims = append(victims, toDeregister{checkID: id, key: tc.serviceKey, ip: tc.ip, port: tc.port, cluster: tc.cluster})
		}
	}
	e.mu.Unlock()

	for _, v := range victims {
		e.Unregister(v.checkID)
		if e.sink != nil {
			e.sink.DeregisterInstance(ctx, v.key, v.ip, v.port, v.cluster)
		}
	}
}

func boundsFor(check *types.HealthCheck) (time.Duration, time.Duration) {
	if check.Type == types.CheckTCP || check.Type == "" {
		return DefaultIntervalMin, DefaultIntervalMax
	}
	return DefaultIntervalMin, DefaultIntervalMax
}

func randomizedInitialInterval(rng *rand.Rand, lower, upper time.Duration) time.Duration {
	span := upper - lower
	if span <= 0 {
		return lower
	}
	return lower + time.Duration(rng.Int63n(int64(span)))
}

// nextInterval applies the adaptive-interval formula: shrink toward
// intervalMin on success, grow toward intervalMax on failure.
func nextInterval(current, intervalMin, intervalMax time.Duration, success bool) time.Duration {
	if success {
		next := time.Duration(float64(current) * SuccessShrinkFactor)
		if next < intervalMin {
			next = intervalMin
		}
		return next
	}
	next := current + time.Duration(FailureGrowthFactor*float64(intervalMax-current))
	if next > intervalMax {
		next = intervalMax
	}
	return next
}

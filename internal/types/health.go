package types

import "time"

// HealthStatus is the threshold state machine's current classification for
// one health check.
type HealthStatus string

const (
	StatusPassing  HealthStatus = "passing"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// Healthy reports whether status counts toward an instance's aggregated
// healthy flag (Passing and Warning both do; only Critical does not).
func (s HealthStatus) Healthy() bool {
	return s == StatusPassing || s == StatusWarning
}

// CheckOrigin distinguishes an active protocol probe from a passive TTL
// heartbeat, mostly for logging/introspection — both funnel through the
// same unified registry update per the spec's resolved open question.
type CheckOrigin string

const (
	OriginActive  CheckOrigin = "active"
	OriginPassive CheckOrigin = "passive"
)

// HealthCheck is the static configuration of one registered check.
type HealthCheck struct {
	CheckID          string
	InstanceKey      string
	Type             CheckType
	TargetLocation   string // host:port, or override path/grpc-target
	Interval         time.Duration
	Timeout          time.Duration
	TTL              *time.Duration // nil for active checks
	SuccessThreshold int
	FailureThreshold int
	DeregisterAfter  *time.Duration // nil disables the deregister-critical reaper for this check
	InitialStatus    HealthStatus
	Origin           CheckOrigin
}

// HealthCheckStatus is the mutable runtime state of one HealthCheck.
type HealthCheckStatus struct {
	Status            HealthStatus
	ConsecutiveSucc   int
	ConsecutiveFail   int
	CriticalSince     *time.Time
	LastOutput        string
	LastResponseTime  time.Duration
}

// NewHealthCheckStatus initializes runtime state at a check's InitialStatus.
func NewHealthCheckStatus(initial HealthStatus) *HealthCheckStatus {
	return &HealthCheckStatus{Status: initial}
}

// RecordOutcome applies a single probe/heartbeat outcome to the threshold
// state machine: increments the matching streak and zeroes the other,
// transitions to Passing once ConsecutiveSucc exceeds SuccessThreshold, to
// Critical once ConsecutiveFail exceeds FailureThreshold, and maintains the
// CriticalSince invariant (non-nil iff Status == Critical).
func (s *HealthCheckStatus) RecordOutcome(success bool, check *HealthCheck, now time.Time, output string, responseTime time.Duration) {
	s.LastOutput = output
	s.LastResponseTime = responseTime

	wasCritical := s.Status == StatusCritical

	if success {
		s.ConsecutiveSucc++
		s.ConsecutiveFail = 0
		if s.ConsecutiveSucc > check.SuccessThreshold {
			s.Status = StatusPassing
		}
	} else {
		s.ConsecutiveFail++
		s.ConsecutiveSucc = 0
		if s.ConsecutiveFail > check.FailureThreshold {
			s.Status = StatusCritical
		}
	}

	nowCritical := s.Status == StatusCritical
	switch {
	case nowCritical && !wasCritical:
		t := now
		s.CriticalSince = &t
	case !nowCritical && wasCritical:
		s.CriticalSince = nil
	}
}

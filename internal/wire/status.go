package wire

import "fmt"

// Code is a stable error code surfaced to clients (spec §7 taxonomy).
type Code string

const (
	CodeParameterMissing Code = "ParameterMissing"
	CodeParameterInvalid Code = "ParameterInvalid"
	CodeConfigNotFound   Code = "ConfigNotFound"
	CodeInstanceNotFound Code = "InstanceNotFound"
	CodeServiceNotFound  Code = "ServiceNotFound"
	CodeUnauthenticated  Code = "Unauthenticated"
	CodePermissionDenied Code = "PermissionDenied"
	CodeNotLeader        Code = "NotLeader"
	CodeConflict         Code = "Conflict"
	CodeServerError      Code = "ServerError"
	CodeUnavailable      Code = "Unavailable"
)

// Status is the typed RPC error returned to a client. NotLeader additionally
// carries the current leader's id/address so the client can retry there.
type Status struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	LeaderID   string `json:"leaderId,omitempty"`
	LeaderAddr string `json:"leaderAddr,omitempty"`
}

func (s *Status) Error() string {
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// NewStatus builds a Status with the given code and formatted message.
func NewStatus(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewNotLeader builds a NotLeader status carrying the current leader so the
// client can redirect its retry there.
func NewNotLeader(leaderID, leaderAddr string) *Status {
	return &Status{
		Code:       CodeNotLeader,
		Message:    "this node is not the raft leader",
		LeaderID:   leaderID,
		LeaderAddr: leaderAddr,
	}
}

// AsStatus unwraps err into a *Status if it already is one, or wraps it as
// a ServerError otherwise. Used at the C2 dispatch boundary — the single
// place internal errors are mapped to wire statuses, per spec §7's
// propagation policy.
func AsStatus(err error) *Status {
	if err == nil {
		return nil
	}
	if st, ok := err.(*Status); ok {
		return st
	}
	return NewStatus(CodeServerError, "%v", err)
}

package types

import "time"

// MemberState is the per-peer state machine state (C7 Member Manager).
type MemberState string

const (
	MemberStarting   MemberState = "starting"
	MemberUp         MemberState = "up"
	MemberSuspicious MemberState = "suspicious"
	MemberDown       MemberState = "down"
	MemberIsolation  MemberState = "isolation"
)

// Member is one entry in the cluster roster.
type Member struct {
	Address         string // ip:port of the member's client port
	State           MemberState
	FailAccessCount int

	// Extend info.
	Weight     float64
	RaftPort   int
	Version    string
	LastUpdate time.Time
	StartTime  time.Time
}

// ClusterPortOffset is the fixed offset from the main client port to the
// inter-cluster RPC port (C8's pooled connections dial address:port+offset).
const ClusterPortOffset = 1000

// RaftPortOffset is the fixed offset from the main client port to the Raft
// transport port.
const RaftPortOffset = 2000

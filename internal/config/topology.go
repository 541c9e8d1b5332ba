package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TopologyPeer describes one statically-known cluster peer: its client
// address plus the advertised weight/Raft port a hand-authored roster can
// supply ahead of that peer's first gossip report.
type TopologyPeer struct {
	Address  string  `yaml:"address"`
	Weight   float64 `yaml:"weight"`
	RaftPort int     `yaml:"raft_port"`
}

// TopologyFile is the shape of a --topology YAML document, an alternative
// to the bare `peers` string list for operators who want to pin weight and
// Raft port rather than wait for them to arrive via gossip.
type TopologyFile struct {
	Peers []TopologyPeer `yaml:"peers"`
}

// LoadTopology reads and parses a YAML peer roster from path.
func LoadTopology(path string) (*TopologyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file %s: %w", path, err)
	}
	var f TopologyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse topology file %s: %w", path, err)
	}
	return &f, nil
}

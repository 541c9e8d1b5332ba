// Package seed loads a node's optional bootstrap fixture: a TOML file
// listing config entries and service instances to preload before the node
// starts accepting client traffic. Grounded in the teacher's
// internal/formula package (parser.go), which reads its own recipe
// definitions from disk with the same BurntSushi/toml decoder rather than a
// hand-rolled parser.
package seed

import "github.com/BurntSushi/toml"

// File is the top-level shape of a seed TOML document.
type File struct {
	Configs   []ConfigEntry   `toml:"configs"`
	Instances []InstanceEntry `toml:"instances"`
}

// ConfigEntry seeds one formal config entry.
type ConfigEntry struct {
	Namespace string `toml:"namespace"`
	Group     string `toml:"group"`
	DataID    string `toml:"data_id"`
	Content   string `toml:"content"`
	Type      string `toml:"type"`
	AppName   string `toml:"app_name"`
}

// InstanceEntry seeds one persistent (non-ephemeral) service instance.
type InstanceEntry struct {
	Namespace   string            `toml:"namespace"`
	Group       string            `toml:"group"`
	ServiceName string            `toml:"service_name"`
	IP          string            `toml:"ip"`
	Port        int               `toml:"port"`
	ClusterName string            `toml:"cluster_name"`
	Weight      float64           `toml:"weight"`
	Metadata    map[string]string `toml:"metadata"`
}

// Load parses the seed file at path.
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

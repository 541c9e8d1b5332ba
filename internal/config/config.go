// Package config layers the server's runtime configuration the way the
// teacher's CLI tooling does: cobra flags override BATATA_-prefixed
// environment variables, which override a config file, which override
// built-in defaults. fsnotify (via viper's WatchConfig) hands a reloaded
// Config to a running server without a restart; of its non-structural
// settings the server applies history retention, and only logs the log
// level and health-check interval bounds. Structural settings (bind
// addresses, data directory, persistence backend) only take effect on the
// next start.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend selects which internal/persistence implementation the config
// store and service registry use.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendMySQL  Backend = "mysql"
	BackendRaft   Backend = "raft"
)

// Config is the full set of knobs a running node needs. Hot-reloadable
// fields are called out in their own comment; everything else is read once
// at startup.
type Config struct {
	NodeID   string
	ListenAddr string
	DataDir    string

	ClusterBindAddr string
	ClusterToken    string
	ClusterBusURL   string // set instead of ClusterBindAddr to join an externally run bus
	RaftBindAddr    string
	RaftBootstrap   bool
	Peers           []string

	Backend      Backend
	PersistenceDSN string

	// Reread on hot reload; a running server applies only HistoryRetain.
	LogLevel            string
	HistoryRetain        int
	HealthIntervalMin   time.Duration
	HealthIntervalMax   time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "node-1")
	v.SetDefault("listen_addr", "0.0.0.0:8848")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("cluster_bind_addr", "0.0.0.0:9848")
	v.SetDefault("cluster_token", "")
	v.SetDefault("cluster_bus_url", "")
	v.SetDefault("raft_bind_addr", "0.0.0.0:10848")
	v.SetDefault("raft_bootstrap", false)
	v.SetDefault("peers", []string{})
	v.SetDefault("backend", string(BackendMemory))
	v.SetDefault("persistence_dsn", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("history_retain", 30)
	v.SetDefault("health_interval_min", 5*time.Second)
	v.SetDefault("health_interval_max", 15*time.Second)
}

// Loader owns the viper instance backing a running node's Config, so
// Watch's fsnotify callback and explicit reloads share one source of truth.
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

// New builds a Loader, binds flags (if non-nil), and reads configFile (if
// non-empty) on top of the built-in defaults and BATATA_-prefixed env vars.
func New(flags *pflag.FlagSet, configFile string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BATATA")
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	return &Loader{v: v}, nil
}

// Load materializes the current Config.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := &Config{
		NodeID:            l.v.GetString("node_id"),
		ListenAddr:        l.v.GetString("listen_addr"),
		DataDir:           l.v.GetString("data_dir"),
		ClusterBindAddr:   l.v.GetString("cluster_bind_addr"),
		ClusterToken:      l.v.GetString("cluster_token"),
		ClusterBusURL:     l.v.GetString("cluster_bus_url"),
		RaftBindAddr:      l.v.GetString("raft_bind_addr"),
		RaftBootstrap:     l.v.GetBool("raft_bootstrap"),
		Peers:             l.v.GetStringSlice("peers"),
		Backend:           Backend(l.v.GetString("backend")),
		PersistenceDSN:    l.v.GetString("persistence_dsn"),
		LogLevel:          l.v.GetString("log_level"),
		HistoryRetain:     l.v.GetInt("history_retain"),
		HealthIntervalMin: l.v.GetDuration("health_interval_min"),
		HealthIntervalMax: l.v.GetDuration("health_interval_max"),
	}

	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node_id must not be empty")
	}
	switch cfg.Backend {
	case BackendMemory, BackendMySQL, BackendRaft:
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return cfg, nil
}

// Watch re-reads the config file on every fsnotify change event and invokes
// onChange with the freshly loaded Config. The caller (internal/server) is
// responsible for applying only the hot-reloadable fields and ignoring the
// structural ones.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Package transport embeds a NATS server with JetStream to carry
// cluster-internal traffic: Distro anti-entropy fan-out and the raw change
// broadcast the Cluster Client Pool uses when a direct peer RPC is not
// required. Subjects are namespaced under "batata.cluster.>".
package transport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultPort is the default TCP port for the embedded cluster bus.
	DefaultPort = 4222

	// DefaultMaxMem is the default JetStream memory limit (256 MiB).
	DefaultMaxMem = 256 << 20

	// DefaultMaxStore is the default JetStream file storage limit (1 GiB).
	DefaultMaxStore = 1 << 30

	// ConnectionInfoFile is written under the store directory's parent so
	// sidecar tooling (e.g. a console/admin process) can discover the bus.
	ConnectionInfoFile = "cluster-bus-info.json"

	// ClusterStreamName is the JetStream stream backing Distro fan-out.
	ClusterStreamName = "CLUSTER_SYNC"

	// ClusterSubjectPrefix scopes all cluster-internal subjects.
	ClusterSubjectPrefix = "batata.cluster"
)

// Server wraps an embedded NATS server with JetStream and provides lifecycle
// management (start, stop, health check) for the cluster transport.
type Server struct {
	server   *server.Server
	conn     *nats.Conn // in-process connection for this node's own components
	storeDir string
	port     int
}

// Config holds configuration for the embedded cluster bus.
type Config struct {
	Port     int    // TCP port for inter-node connections (default 4222)
	StoreDir string // JetStream file storage directory
	Token    string // Auth token shared by all cluster members
}

// ConfigFromEnv builds Config from environment variables and defaults.
func ConfigFromEnv(runtimeDir string) Config {
	cfg := Config{
		Port:     DefaultPort,
		StoreDir: filepath.Join(runtimeDir, "cluster-bus"),
		Token:    os.Getenv("BATATA_CLUSTER_TOKEN"),
	}

	if portStr := os.Getenv("BATATA_CLUSTER_BUS_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
			cfg.Port = p
		}
	}

	if dir := os.Getenv("BATATA_CLUSTER_BUS_STORE_DIR"); dir != "" {
		cfg.StoreDir = dir
	}

	return cfg
}

// Start creates and starts an embedded NATS server with JetStream enabled.
// It listens on the configured TCP port for other cluster members and
// returns an in-process connection for this node's own publishers/subscribers.
func Start(cfg Config) (*Server, error) {
	if err := os.MkdirAll(cfg.StoreDir, 0700); err != nil {
		return nil, fmt.Errorf("create cluster bus store dir: %w", err)
	}

	opts := &server.Options{
		ServerName:         "batata-cluster-bus",
		Host:               "0.0.0.0",
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: DefaultMaxMem,
		JetStreamMaxStore:  DefaultMaxStore,
		StoreDir:           cfg.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	}

	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create cluster bus server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("cluster bus failed to become ready within 10 seconds")
	}

	connectURL := fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	connectOpts := []nats.Option{nats.Name("batata-cluster-bus-internal")}
	if cfg.Token != "" {
		connectOpts = append(connectOpts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(connectURL, connectOpts...)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("in-process cluster bus connection: %w", err)
	}

	return &Server{server: ns, conn: nc, storeDir: cfg.StoreDir, port: cfg.Port}, nil
}

// Conn returns the in-process connection for this node's own handlers.
func (s *Server) Conn() *nats.Conn { return s.conn }

// Port returns the TCP port the bus is listening on.
func (s *Server) Port() int { return s.port }

// Shutdown gracefully stops the bus. Drains the in-process connection first,
// then shuts down the server and waits for completion.
func (s *Server) Shutdown() {
	if s.conn != nil {
		s.conn.Drain()
		s.conn.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
}

// Health returns a point-in-time snapshot of the bus's state.
func (s *Server) Health() Health {
	h := Health{Port: s.port}

	if s.server == nil {
		h.Status = "stopped"
		return h
	}

	varz, err := s.server.Varz(nil)
	if err != nil {
		h.Status = "error"
		h.Error = err.Error()
		return h
	}

	h.Status = "running"
	h.Connections = int(varz.Connections)
	h.InMsgs = varz.InMsgs
	h.OutMsgs = varz.OutMsgs
	h.Uptime = varz.Now.Sub(varz.Start).String()

	jsz, err := s.server.Jsz(nil)
	if err == nil && jsz != nil {
		h.JetStream = true
		h.Streams = int(jsz.Streams)
		h.Consumers = int(jsz.Consumers)
		h.Messages = jsz.Messages
	}

	return h
}

// ConnectionInfo is written for sidecar discovery of the running cluster bus.
type ConnectionInfo struct {
	URL       string `json:"url"`
	Port      int    `json:"port"`
	Token     string `json:"token,omitempty"`
	JetStream bool   `json:"jetstream"`
	Stream    string `json:"stream"`
	Subjects  string `json:"subjects"`
}

// WriteConnectionInfo writes connection details to a JSON file in the
// runtime directory so sidecar processes can discover the bus.
func (s *Server) WriteConnectionInfo(token string) error {
	info := ConnectionInfo{
		URL:       fmt.Sprintf("nats://127.0.0.1:%d", s.port),
		Port:      s.port,
		Token:     token,
		JetStream: true,
		Stream:    ClusterStreamName,
		Subjects:  ClusterSubjectPrefix + ".>",
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connection info: %w", err)
	}
	infoPath := filepath.Join(s.storeDir, "..", ConnectionInfoFile)
	if err := os.WriteFile(infoPath, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", infoPath, err)
	}
	return nil
}

// RemoveConnectionInfo removes the connection-info file on shutdown.
func (s *Server) RemoveConnectionInfo() {
	infoPath := filepath.Join(s.storeDir, "..", ConnectionInfoFile)
	os.Remove(infoPath)
}

// ExternalConn wraps a client-only connection to a standalone cluster bus,
// used when BATATA_CLUSTER_BUS_URL points at an externally-run NATS cluster
// instead of this node embedding its own.
type ExternalConn struct {
	conn *nats.Conn
	url  string
}

// ConnectExternal establishes a client connection to a standalone cluster
// bus at the given URL. The token is used for auth if non-empty.
func ConnectExternal(busURL, token string) (*ExternalConn, error) {
	opts := []nats.Option{
		nats.Name("batata-cluster-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(busURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to external cluster bus at %s: %w", busURL, err)
	}

	return &ExternalConn{conn: nc, url: busURL}, nil
}

// Conn returns the underlying NATS connection.
func (e *ExternalConn) Conn() *nats.Conn { return e.conn }

// URL returns the cluster bus URL.
func (e *ExternalConn) URL() string { return e.url }

// Close drains and closes the connection.
func (e *ExternalConn) Close() {
	if e.conn != nil {
		e.conn.Drain()
		e.conn.Close()
	}
}

// Health is a point-in-time snapshot of the cluster bus's state.
type Health struct {
	Status      string `json:"status"`
	Port        int    `json:"port"`
	Connections int    `json:"connections"`
	InMsgs      int64  `json:"in_msgs"`
	OutMsgs     int64  `json:"out_msgs"`
	Uptime      string `json:"uptime,omitempty"`
	JetStream   bool   `json:"jetstream"`
	Streams     int    `json:"streams,omitempty"`
	Consumers   int    `json:"consumers,omitempty"`
	Messages    uint64 `json:"messages,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SubjectForPeer returns the Distro/broadcast subject for a specific peer
// address, so requests can be routed point-to-point over the shared bus
// instead of only via direct per-peer TCP connections.
func SubjectForPeer(addr string) string {
	return fmt.Sprintf("%s.peer.%s", ClusterSubjectPrefix, sanitizeSubjectToken(addr))
}

// SubjectForDistroType returns the Distro anti-entropy subject for a given
// data-type name (e.g. "instance").
func SubjectForDistroType(dataType string) string {
	return fmt.Sprintf("%s.distro.%s", ClusterSubjectPrefix, sanitizeSubjectToken(dataType))
}

func sanitizeSubjectToken(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

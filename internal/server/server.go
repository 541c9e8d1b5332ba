// Package server wires every component (C1-C10) plus persistence, auth, and
// telemetry into one running node: the piece spec.md §2 describes as "a
// single process" but that, before this package existed, had no file
// anywhere actually constructing it.
//
// The construction order below — persistence, then the index/registry pair,
// then the cluster bus, then the components that depend on the bus, then the
// dispatch table, then the bus subscriptions that route inbound cluster
// traffic to those components — follows the teacher's daemon bring-up
// sequence (internal/daemon, since deleted from this workspace but cited
// here for grounding): open storage first, start the transport the rest of
// the process depends on next, then wire the pieces that need both.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/easynet-cn/batata-sub002/internal/auth"
	"github.com/easynet-cn/batata-sub002/internal/cluster/clientpool"
	"github.com/easynet-cn/batata-sub002/internal/cluster/distro"
	"github.com/easynet-cn/batata-sub002/internal/cluster/member"
	"github.com/easynet-cn/batata-sub002/internal/cluster/transport"
	"github.com/easynet-cn/batata-sub002/internal/config"
	"github.com/easynet-cn/batata-sub002/internal/configstore"
	"github.com/easynet-cn/batata-sub002/internal/connregistry"
	"github.com/easynet-cn/batata-sub002/internal/dispatch"
	"github.com/easynet-cn/batata-sub002/internal/healthcheck"
	"github.com/easynet-cn/batata-sub002/internal/idgen"
	"github.com/easynet-cn/batata-sub002/internal/naming"
	"github.com/easynet-cn/batata-sub002/internal/persistence"
	"github.com/easynet-cn/batata-sub002/internal/persistence/memory"
	sqlbackend "github.com/easynet-cn/batata-sub002/internal/persistence/sql"
	"github.com/easynet-cn/batata-sub002/internal/raftstore"
	"github.com/easynet-cn/batata-sub002/internal/subindex"
	"github.com/easynet-cn/batata-sub002/internal/telemetry"
	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

// NodeVersion is this build's self-reported version, gossiped in
// MemberReportArgs and checked against a connecting client's declared
// ConnectionSetupArgs.ClientVersion.
const NodeVersion = "1.4.0"

// MinClientVersion is the oldest client version this node accepts on
// ConnectionSetupRequest.
const MinClientVersion = "v1.0.0"

// connReadyTimeout bounds how long a just-joined peer's snapshot sync is
// allowed to take before the request context is abandoned.
const connReadyTimeout = 30 * time.Second

// Server is the running node: every component wired together, plus the
// listener and bus subscriptions that feed it live traffic.
type Server struct {
	cfg *config.Config
	tel *telemetry.Provider

	backend  persistence.Backend
	conns    *connregistry.Registry
	subs     *subindex.Index
	store    *configstore.Store
	registry *naming.Registry
	health   *healthcheck.Engine
	members  *member.Manager
	pool     *clientpool.Pool
	distro   *distro.Coordinator
	raft     *raftstore.Node

	bus      *transport.Server
	external *transport.ExternalConn
	busConn  *nats.Conn

	dispatcher *dispatch.Dispatcher
	loader     *config.Loader

	listener net.Listener
	idNonce  atomic.Int64
}

// New wires every component for one node and returns it, not yet serving.
// Call Run to start the accept loop and every background loop. loader may be
// nil (no hot-reload wiring), matching a one-shot config load.
func New(ctx context.Context, cfg *config.Config, tel *telemetry.Provider, loader *config.Loader) (*Server, error) {
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	conns := connregistry.New()
	subs := subindex.New()
	registry := naming.New(conns, subs)
	health := healthcheck.New(tcpHealthProber{}, registry)

	bus, external, busConn, err := startBus(cfg)
	if err != nil {
		return nil, err
	}

	raftPort, err := portOf(cfg.RaftBindAddr)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	members := member.New(cfg.ListenAddr, 1.0, raftPort, NodeVersion, tcpMemberProber{})
	for _, peer := range cfg.Peers {
		members.UpdateMemberState(peer, types.MemberStarting)
	}

	pool := clientpool.New(busConn, members)
	store := configstore.New(backend, conns, subs, pool, cfg.HistoryRetain)

	distroCoord := distro.New(busConn, members)
	distroCoord.Register(configstore.DistroDataType, store)
	distroCoord.Register(naming.DistroDataType, registry)
	members.SetOnMemberUp(func(addr string) {
		if tel != nil {
			tel.Metrics.MemberStateChanges.Add(context.Background(), 1)
		}
		syncCtx, cancel := context.WithTimeout(context.Background(), connReadyTimeout)
		defer cancel()
		distroCoord.SyncNewMember(syncCtx, addr)
	})

	var raftNode *raftstore.Node
	if cfg.Backend == config.BackendRaft {
		raftNode, err = raftstore.NewNode(raftstore.Config{
			LocalID:   cfg.NodeID,
			BindAddr:  cfg.RaftBindAddr,
			DataDir:   filepath.Join(cfg.DataDir, "raft"),
			Bootstrap: cfg.RaftBootstrap,
		})
		if err != nil {
			return nil, fmt.Errorf("server: start raft node: %w", err)
		}
	}

	s := &Server{
		cfg: cfg, tel: tel,
		backend: backend, conns: conns, subs: subs,
		store: store, registry: registry, health: health,
		members: members, pool: pool, distro: distroCoord, raft: raftNode,
		bus: bus, external: external, busConn: busConn,
		loader: loader,
	}

	conns.OnUnregister(func(connID string) {
		subs.ForgetConnection(connID)
		registry.DeregisterAllByConnection(connID)
		registry.ForgetConnectionFuzzy(connID)
	})

	table := dispatch.NewTable()
	s.registerHandlers(table)
	s.dispatcher = dispatch.New(table, conns, auth.NoAuth{})

	if err := s.subscribeBus(); err != nil {
		return nil, err
	}

	return s, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (persistence.Backend, error) {
	switch cfg.Backend {
	case config.BackendMySQL:
		b, err := sqlbackend.Open(ctx, cfg.PersistenceDSN)
		if err != nil {
			return nil, fmt.Errorf("server: open mysql backend: %w", err)
		}
		return b, nil
	default:
		// BackendRaft still uses the in-memory formal-entry store for now;
		// raftstore.Node is layered alongside it as a separate consensus
		// substrate rather than a persistence.Backend implementation (see
		// the "Known gaps" paragraph of DESIGN.md's internal/server section).
		return memory.New(), nil
	}
}

func startBus(cfg *config.Config) (*transport.Server, *transport.ExternalConn, *nats.Conn, error) {
	if cfg.ClusterBusURL != "" {
		ec, err := transport.ConnectExternal(cfg.ClusterBusURL, cfg.ClusterToken)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("server: connect external cluster bus: %w", err)
		}
		return nil, ec, ec.Conn(), nil
	}

	port, err := portOf(cfg.ClusterBindAddr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("server: %w", err)
	}
	bus, err := transport.Start(transport.Config{
		Port:     port,
		StoreDir: filepath.Join(cfg.DataDir, "cluster-bus"),
		Token:    cfg.ClusterToken,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("server: start embedded cluster bus: %w", err)
	}
	if err := bus.WriteConnectionInfo(cfg.ClusterToken); err != nil {
		log.Printf("server: write cluster bus connection info: %v", err)
	}
	return bus, nil, bus.Conn(), nil
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse bind addr %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parse bind port %s: %w", portStr, err)
	}
	return port, nil
}

// tcpMemberProber implements member.Prober with a bare TCP dial against a
// peer's client port.
type tcpMemberProber struct{}

func (tcpMemberProber) Probe(ctx context.Context, address string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// tcpHealthProber implements healthcheck.Prober for CheckTCP (and, absent a
// protocol-specific implementation, as the fallback for every other
// CheckType): a bare dial against the check's TargetLocation.
type tcpHealthProber struct{}

func (tcpHealthProber) Probe(ctx context.Context, check *types.HealthCheck, timeout time.Duration) (bool, string, error) {
	if check.TargetLocation == "" {
		return false, "no target location configured", nil
	}
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", check.TargetLocation)
	if err != nil {
		return false, err.Error(), nil
	}
	conn.Close()
	return true, fmt.Sprintf("connected in %s", time.Since(start)), nil
}

// subscribeBus binds this node's peer-RPC and per-data-type Distro ingress
// subjects on the cluster bus.
func (s *Server) subscribeBus() error {
	selfAddr := s.cfg.ListenAddr

	if _, err := s.busConn.Subscribe(transport.SubjectForPeer(selfAddr), s.handlePeerMessage); err != nil {
		return fmt.Errorf("server: subscribe peer subject: %w", err)
	}

	for _, dataType := range []string{configstore.DistroDataType, naming.DistroDataType} {
		dt := dataType
		subject := transport.SubjectForDistroType(dt) + "." + selfAddr
		if _, err := s.busConn.Subscribe(subject, func(msg *nats.Msg) { s.handleDistroMessage(dt, msg) }); err != nil {
			return fmt.Errorf("server: subscribe distro subject for %s: %w", dt, err)
		}
	}
	return nil
}

func (s *Server) handlePeerMessage(msg *nats.Msg) {
	var env wire.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("server: malformed peer envelope: %v", err)
		return
	}

	switch env.Metadata.Type {
	case wire.TypeConfigChangeClusterSyncRequest:
		var args wire.ConfigChangeClusterSyncArgs
		if err := env.Decode(&args); err != nil {
			log.Printf("server: malformed cluster-sync args: %v", err)
		} else {
			s.store.ApplyClusterSync(context.Background(), args)
		}
	case wire.TypeMemberReportRequest:
		var args wire.MemberReportArgs
		if err := env.Decode(&args); err != nil {
			log.Printf("server: malformed member-report args: %v", err)
		} else {
			s.members.ReportUp(args.Address, args.Weight, args.RaftPort, args.Version)
		}
	default:
		log.Printf("server: unhandled peer message type %q", env.Metadata.Type)
	}

	s.ackPeer(msg, env.RequestID, env.Metadata.Type)
}

func (s *Server) ackPeer(msg *nats.Msg, requestID, inReplyToType string) {
	if msg.Reply == "" {
		return
	}
	reply, err := wire.NewRequest(requestID, inReplyToType+"Ack", struct{}{})
	if err != nil {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := s.busConn.Publish(msg.Reply, data); err != nil {
		log.Printf("server: ack publish failed: %v", err)
	}
}

func (s *Server) handleDistroMessage(dataType string, msg *nats.Msg) {
	var blob distro.VersionedBlob
	if err := json.Unmarshal(msg.Data, &blob); err != nil {
		log.Printf("server: malformed distro blob for %s: %v", dataType, err)
		return
	}
	if err := s.distro.ApplyIncoming(context.Background(), blob); err != nil {
		log.Printf("server: applying distro sync for %s/%s failed: %v", dataType, blob.Key, err)
		if s.tel != nil {
			s.tel.Metrics.DistroTasksRetried.Add(context.Background(), 1)
		}
	}
	if msg.Reply != "" {
		if err := s.busConn.Publish(msg.Reply, msg.Data); err != nil {
			log.Printf("server: distro ack publish failed: %v", err)
		}
	}
}

// Run starts the accept loop and every background loop (member probing,
// Distro's task/verify loops, health sweeps, gossip, config hot-reload) and
// blocks until ctx is canceled or one of them returns an error.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { s.members.Run(gctx); return nil })
	g.Go(func() error { s.distro.Run(gctx); return nil })
	g.Go(func() error { s.runHealthSweeps(gctx); return nil })
	g.Go(func() error { s.runGossipLoop(gctx); return nil })
	if s.bus != nil {
		g.Go(func() error { s.runBusHealthReport(gctx); return nil })
	}
	g.Go(func() error { return s.Serve(gctx) })

	if s.loader != nil {
		s.loader.Watch(s.applyHotReload)
	}

	return g.Wait()
}

// applyHotReload applies HistoryRetain from a freshly reloaded Config and
// logs LogLevel and the health-check interval bounds without applying them;
// structural fields (bind addresses, backend choice) are ignored here, per
// internal/config's documented hot-reload contract.
func (s *Server) applyHotReload(cfg *config.Config) {
	s.store.SetRetainKeep(cfg.HistoryRetain)
	telemetry.Logf("info", "server: applied config reload (log_level=%s history_retain=%d health_interval=[%s,%s])",
		cfg.LogLevel, cfg.HistoryRetain, cfg.HealthIntervalMin, cfg.HealthIntervalMax)
}

func (s *Server) runHealthSweeps(ctx context.Context) {
	passive := time.NewTicker(healthcheck.PassiveSweepInterval)
	defer passive.Stop()
	reaper := time.NewTicker(healthcheck.DeregisterSweepInterval)
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-passive.C:
			s.health.RunPassiveSweep(ctx, time.Now())
		case <-reaper.C:
			s.health.RunDeregisterCriticalSweep(ctx, time.Now())
		}
	}
}

// busHealthReportInterval bounds how often the embedded cluster bus's Varz/
// Jsz snapshot is logged.
const busHealthReportInterval = 60 * time.Second

// runBusHealthReport periodically logs the embedded cluster bus's Health
// snapshot. Only runs when this node embeds the bus itself (s.bus != nil);
// a node joined to an externally run bus has no local server to probe.
func (s *Server) runBusHealthReport(ctx context.Context) {
	ticker := time.NewTicker(busHealthReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := s.bus.Health()
			telemetry.Logf("info", "server: cluster bus health status=%s connections=%d in_msgs=%d out_msgs=%d jetstream=%v uptime=%s",
				h.Status, h.Connections, h.InMsgs, h.OutMsgs, h.JetStream, h.Uptime)
		}
	}
}

// runGossipLoop periodically announces this node's own Member record to
// every known peer, the push half of C7's gossip-style liveness protocol
// (RunProbeSweep, driven by member.Manager.Run, is the pull half).
func (s *Server) runGossipLoop(ctx context.Context) {
	ticker := time.NewTicker(member.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.gossipOnce(ctx)
		}
	}
}

func (s *Server) gossipOnce(ctx context.Context) {
	self := s.members.GetSelf()
	env, err := wire.NewRequest("", wire.TypeMemberReportRequest, wire.MemberReportArgs{
		Address: self.Address, Weight: self.Weight, RaftPort: self.RaftPort, Version: self.Version,
	})
	if err != nil {
		return
	}

	for _, addr := range s.members.PeerAddresses() {
		addr := addr
		go func() {
			sendCtx, cancel := context.WithTimeout(ctx, clientpool.RequestTimeout)
			defer cancel()
			if _, err := s.pool.Send(sendCtx, addr, env); err != nil {
				log.Printf("server: gossip to %s failed: %v", addr, err)
			}
		}()
	}
}

// Serve runs the client-facing TCP accept loop until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	log.Printf("server: accepting client connections on %s", s.cfg.ListenAddr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handleConn(ctx, c)
	}
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	remoteIP, remotePortStr, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		remoteIP = c.RemoteAddr().String()
	}
	remotePort, _ := strconv.Atoi(remotePortStr)

	now := time.Now()
	nonce := int(s.idNonce.Add(1))
	connID := idgen.GenerateID("conn", []string{remoteIP, remotePortStr}, now, 12, nonce)

	s.conns.Register(&types.Connection{
		ConnID: connID, RemoteIP: remoteIP, RemotePort: remotePort,
		Namespace: types.DefaultNamespace, CreateTime: now, LastActive: now,
	})
	if s.tel != nil {
		s.tel.Metrics.ConnectionsActive.Add(context.Background(), 1)
	}

	writerDone := make(chan struct{})
	go s.writeLoop(c, connID, writerDone)

	defer func() {
		// Unregister first: it closes the connection's push queue, which is
		// what lets writeLoop's range over that queue return.
		s.conns.Unregister(connID)
		<-writerDone
		c.Close()
		if s.tel != nil {
			s.tel.Metrics.ConnectionsActive.Add(context.Background(), -1)
		}
	}()

	dec := wire.NewDecoder(c)
	for {
		env, err := dec.Next()
		if err != nil {
			return
		}

		if env.Metadata.Type == wire.TypeConnectionSetupRequest {
			if rejected := s.rejectIfStaleClient(connID, env); rejected {
				return
			}
		}

		if reply := s.dispatcher.Dispatch(ctx, connID, env); reply != nil {
			s.conns.Push(connID, reply)
		}
	}
}

// rejectIfStaleClient enforces MinClientVersion before handing a
// ConnectionSetupRequest to the dispatcher (whose own setup handling only
// splices metadata and never rejects). Dispatch's precedence rule 1 still
// runs afterward on the same envelope for a client that passes.
func (s *Server) rejectIfStaleClient(connID string, env *wire.Envelope) bool {
	var args wire.ConnectionSetupArgs
	if err := env.Decode(&args); err != nil || args.ClientVersion == "" {
		return false
	}
	if err := checkClientVersion(args.ClientVersion); err != nil {
		reply, buildErr := wire.NewRequest(env.RequestID, wire.TypeConnectionSetupRequest+"Error",
			wire.NewStatus(wire.CodeParameterInvalid, "%v", err))
		if buildErr == nil {
			s.conns.Push(connID, reply)
		}
		return true
	}
	return false
}

func checkClientVersion(v string) error {
	vv := v
	if vv[0] != 'v' {
		vv = "v" + vv
	}
	if !semver.IsValid(vv) {
		return fmt.Errorf("malformed client version %q", v)
	}
	if semver.Compare(vv, MinClientVersion) < 0 {
		return fmt.Errorf("client version %s is older than the minimum supported %s", v, MinClientVersion)
	}
	return nil
}

func (s *Server) writeLoop(c net.Conn, connID string, done chan struct{}) {
	defer close(done)
	q := s.conns.Queue(connID)
	if q == nil {
		return
	}
	enc := wire.NewEncoder(c)
	for env := range q {
		if err := enc.Encode(env); err != nil {
			return
		}
	}
}

// Shutdown tears down every component with an external resource: the
// listener, the Raft node, the cluster bus, and the persistence backend (if
// it holds a connection pool worth closing).
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.raft != nil {
		if err := s.raft.Shutdown(); err != nil {
			log.Printf("server: raft shutdown: %v", err)
		}
	}
	if s.bus != nil {
		s.bus.RemoveConnectionInfo()
		s.bus.Shutdown()
	}
	if s.external != nil {
		s.external.Close()
	}
	if closer, ok := s.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Printf("server: closing persistence backend: %v", err)
		}
	}
}

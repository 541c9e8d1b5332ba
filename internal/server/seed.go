package server

import (
	"context"
	"fmt"
	"time"

	"github.com/easynet-cn/batata-sub002/internal/config"
	"github.com/easynet-cn/batata-sub002/internal/configstore"
	"github.com/easynet-cn/batata-sub002/internal/idgen"
	"github.com/easynet-cn/batata-sub002/internal/naming"
	"github.com/easynet-cn/batata-sub002/internal/seed"
	"github.com/easynet-cn/batata-sub002/internal/types"
)

// SeedTopology records every peer in f's roster with its advertised
// weight/Raft port ahead of their first gossip report, for cmd/batata-server's
// --topology flag.
func (s *Server) SeedTopology(f *config.TopologyFile) {
	for _, p := range f.Peers {
		s.members.SeedPeer(p.Address, p.Weight, p.RaftPort)
	}
}

// ApplySeed publishes every config entry and registers every instance from a
// bootstrap seed file, for cmd/batata-server's --seed flag. Seeded instances
// are registered persistent (non-ephemeral, no owning connection), the same
// way a Distro-synced instance from a peer is applied.
func (s *Server) ApplySeed(ctx context.Context, f *seed.File) error {
	for _, c := range f.Configs {
		key := types.NewConfigKey(c.Namespace, c.Group, c.DataID)
		meta := types.PublishMeta{Type: c.Type, AppName: c.AppName}
		if err := s.store.Publish(ctx, key, c.Content, meta); err != nil {
			return fmt.Errorf("server: seed config %s: %w", key, err)
		}
		s.distro.ScheduleSync(configstore.DistroDataType, key.String())
	}

	for _, item := range f.Instances {
		key := types.NewServiceKey(item.Namespace, item.Group, item.ServiceName)
		cluster := item.ClusterName
		if cluster == "" {
			cluster = "DEFAULT"
		}
		weight := item.Weight
		if weight <= 0 {
			weight = 1.0
		}

		now := time.Now()
		id := idgen.GenerateID("inst", []string{key.String(), item.IP, fmt.Sprint(item.Port), cluster}, now, 10, int(s.idNonce.Add(1)))
		inst := &types.Instance{
			InstanceID: id, ServiceKey: key, IP: item.IP, Port: item.Port, ClusterName: cluster,
			Weight: weight, Healthy: true, Enabled: true, Ephemeral: false,
			Metadata: item.Metadata, LastHeartbeat: now,
		}
		s.registry.RegisterInstance(ctx, "", inst)
		s.distro.ScheduleSync(naming.DistroDataType, naming.InstanceDistroKey(key, inst))
	}
	return nil
}

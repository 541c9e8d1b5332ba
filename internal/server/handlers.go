package server

import (
	"context"
	"fmt"
	"time"

	"github.com/easynet-cn/batata-sub002/internal/auth"
	"github.com/easynet-cn/batata-sub002/internal/configstore"
	"github.com/easynet-cn/batata-sub002/internal/dispatch"
	"github.com/easynet-cn/batata-sub002/internal/healthcheck"
	"github.com/easynet-cn/batata-sub002/internal/idgen"
	"github.com/easynet-cn/batata-sub002/internal/naming"
	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

// registerHandlers builds the dispatch table for every client-facing
// message type spec.md's wire protocol defines. Connection setup and plain
// response envelopes are handled by dispatch.Dispatcher itself before any of
// these run (see dispatch's precedence rules); ConnectionResetRequest is
// registered here like any other request.
func (s *Server) registerHandlers(table *dispatch.Table) {
	table.Register(wire.TypeConnectionResetRequest, dispatch.Handler{
		Fn:           s.handleConnectionReset,
		AuthRequired: auth.RequireNone,
	})
	table.Register(wire.TypeHealthCheckRequest, dispatch.Handler{
		Fn:           s.handleHealthCheck,
		AuthRequired: auth.RequireNone,
	})

	table.Register(wire.TypeConfigQueryRequest, dispatch.Handler{
		Fn: s.handleConfigQuery, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "config", Action: auth.ActionRead,
	})
	table.Register(wire.TypeConfigPublishRequest, dispatch.Handler{
		Fn: s.handleConfigPublish, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "config", Action: auth.ActionWrite,
	})
	table.Register(wire.TypeConfigPublishGrayRequest, dispatch.Handler{
		Fn: s.handleConfigPublishGray, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "config", Action: auth.ActionWrite,
	})
	table.Register(wire.TypeConfigRemoveRequest, dispatch.Handler{
		Fn: s.handleConfigRemove, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "config", Action: auth.ActionWrite,
	})
	table.Register(wire.TypeConfigBatchListenRequest, dispatch.Handler{
		Fn: s.handleConfigBatchListen, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "config", Action: auth.ActionRead,
	})
	table.Register(wire.TypeConfigFuzzyWatchRequest, dispatch.Handler{
		Fn: s.handleConfigFuzzyWatch, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "config", Action: auth.ActionRead,
	})

	table.Register(wire.TypeInstanceRequest, dispatch.Handler{
		Fn: s.handleInstance, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "naming", Action: auth.ActionWrite,
	})
	table.Register(wire.TypeBatchInstanceRequest, dispatch.Handler{
		Fn: s.handleBatchInstance, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "naming", Action: auth.ActionWrite,
	})
	table.Register(wire.TypeServiceQueryRequest, dispatch.Handler{
		Fn: s.handleServiceQuery, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "naming", Action: auth.ActionRead,
	})
	table.Register(wire.TypeServiceListRequest, dispatch.Handler{
		Fn: s.handleServiceList, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "naming", Action: auth.ActionRead,
	})
	table.Register(wire.TypeSubscribeServiceRequest, dispatch.Handler{
		Fn: s.handleSubscribeService, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "naming", Action: auth.ActionRead,
	})
	table.Register(wire.TypeNamingFuzzyWatchRequest, dispatch.Handler{
		Fn: s.handleNamingFuzzyWatch, AuthRequired: auth.RequireResourcePermission,
		ResourceType: "naming", Action: auth.ActionRead,
	})
}

func (s *Server) handleConnectionReset(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	return struct{}{}, nil
}

func (s *Server) handleHealthCheck(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.HeartbeatArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	key := types.NewServiceKey(args.Namespace, args.Group, args.ServiceName)
	s.health.RecordHeartbeat(key, args.IP, args.Port, args.ClusterName, time.Now())
	return struct{}{}, nil
}

func (s *Server) handleConfigQuery(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.ConfigQueryArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	key := types.NewConfigKey(args.Namespace, args.Group, args.DataID)

	resolved, err := s.store.QueryForClient(ctx, key, conn.ClientLabels())
	if err != nil {
		return nil, err
	}
	if !resolved.Found {
		return nil, wire.NewStatus(wire.CodeConfigNotFound, "config %s not found", key)
	}
	return wire.ConfigQueryResult{
		Content: resolved.Content, Digest: resolved.Digest,
		EncryptedDataKey: resolved.EncryptedDataKey, Found: true,
	}, nil
}

func (s *Server) handleConfigPublish(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.ConfigPublishArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	key := types.NewConfigKey(args.Namespace, args.Group, args.DataID)
	meta := types.PublishMeta{
		AppName: args.AppName, Type: args.Type,
		Description: args.Description, Tags: args.Tags, IP: conn.RemoteIP,
	}
	if err := s.store.Publish(ctx, key, args.Content, meta); err != nil {
		return nil, err
	}
	s.distro.ScheduleSync(configstore.DistroDataType, key.String())
	if s.tel != nil {
		s.tel.Metrics.ConfigPublishes.Add(ctx, 1)
	}
	return struct{}{}, nil
}

func (s *Server) handleConfigPublishGray(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.ConfigPublishGrayArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	var rule types.GrayRule
	switch args.RuleKind {
	case "beta":
		rule = types.NewBetaRule(args.BetaIPs)
	case "tag":
		rule = types.NewTagRule(args.TagKey, args.TagValue)
	default:
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "unknown gray rule kind %q", args.RuleKind)
	}

	key := types.NewConfigKey(args.Namespace, args.Group, args.DataID)
	meta := types.PublishMeta{IP: conn.RemoteIP}
	if err := s.store.PublishGray(ctx, key, args.GrayName, args.Priority, rule, args.Content, meta); err != nil {
		return nil, err
	}
	s.distro.ScheduleSync(configstore.DistroDataType, key.String())
	if s.tel != nil {
		s.tel.Metrics.ConfigPublishes.Add(ctx, 1)
	}
	return struct{}{}, nil
}

func (s *Server) handleConfigRemove(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.ConfigRemoveArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	key := types.NewConfigKey(args.Namespace, args.Group, args.DataID)
	meta := types.PublishMeta{IP: conn.RemoteIP}

	var err error
	if args.GrayName == "" {
		err = s.store.Delete(ctx, key, meta)
	} else {
		err = s.store.DeleteGray(ctx, key, args.GrayName, meta)
	}
	if err != nil {
		return nil, err
	}
	s.distro.ScheduleSync(configstore.DistroDataType, key.String())
	return struct{}{}, nil
}

func (s *Server) handleConfigBatchListen(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.ConfigBatchListenArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	changed, err := s.store.BatchListen(ctx, conn.ConnID, args.Listen, args.Items)
	if err != nil {
		return nil, err
	}
	return wire.ConfigChangeBatchListenResult{Changed: changed}, nil
}

func (s *Server) handleConfigFuzzyWatch(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.ConfigFuzzyWatchArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	if args.Listen {
		s.subs.SubscribeFuzzy(conn.ConnID, args.Pattern)
	} else {
		s.subs.UnsubscribeFuzzyByPattern(conn.ConnID, args.Pattern)
	}
	return struct{}{}, nil
}

// instanceHealthCheckID names the health check tracking one instance, shared
// by the register and deregister paths so a deregister can find and drop the
// check the matching register created.
func instanceHealthCheckID(key types.ServiceKey, ip string, port int, cluster string) string {
	return fmt.Sprintf("%s::%s", key.String(), types.InstanceKey(ip, port, cluster))
}

// applyInstanceOp registers or deregisters one instance against a
// previously resolved ServiceKey, shared by InstanceRequest and
// BatchInstanceRequest (whose items carry no ServiceKey of their own).
func (s *Server) applyInstanceOp(ctx context.Context, connID string, key types.ServiceKey, item wire.InstanceArgs) {
	cluster := item.ClusterName
	if cluster == "" {
		cluster = "DEFAULT"
	}
	weight := item.Weight
	if weight <= 0 {
		weight = 1.0
	}

	if !item.Register {
		s.registry.DeregisterInstance(ctx, key, item.IP, item.Port, cluster)
		s.health.Unregister(instanceHealthCheckID(key, item.IP, item.Port, cluster))
		s.distro.ScheduleSync(naming.DistroDataType, naming.InstanceDistroKey(key, &types.Instance{
			ServiceKey: key, IP: item.IP, Port: item.Port, ClusterName: cluster,
		}))
		return
	}

	now := time.Now()
	nonce := int(s.idNonce.Add(1))
	id := idgen.GenerateID("inst", []string{key.String(), item.IP, fmt.Sprint(item.Port), cluster}, now, 10, nonce)

	inst := &types.Instance{
		InstanceID: id, ServiceKey: key, IP: item.IP, Port: item.Port, ClusterName: cluster,
		Weight: weight, Healthy: true, Enabled: item.Enabled, Ephemeral: item.Ephemeral,
		Metadata: item.Metadata, RegisteredBy: connID, LastHeartbeat: now,
	}
	s.registry.RegisterInstance(ctx, connID, inst)
	s.distro.ScheduleSync(naming.DistroDataType, naming.InstanceDistroKey(key, inst))

	ttl := healthcheck.DefaultHeartbeatTTL
	check := &types.HealthCheck{
		CheckID:          instanceHealthCheckID(key, inst.IP, inst.Port, cluster),
		InstanceKey:      inst.Key(),
		Type:             types.CheckTCP,
		TargetLocation:   fmt.Sprintf("%s:%d", inst.IP, inst.Port),
		Interval:         healthcheck.DefaultIntervalMin,
		Timeout:          healthcheck.DefaultProbeTimeout,
		SuccessThreshold: 1,
		FailureThreshold: 3,
		InitialStatus:    types.StatusPassing,
	}
	if inst.Ephemeral {
		check.Origin = types.OriginPassive
		check.TTL = &ttl
		s.health.RegisterPassiveCheck(key, inst.IP, inst.Port, cluster, check, now)
	} else {
		check.Origin = types.OriginActive
		s.health.RegisterActiveCheck(ctx, key, inst.IP, inst.Port, cluster, check)
	}
}

func (s *Server) handleInstance(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.InstanceArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	key := types.NewServiceKey(args.Namespace, args.Group, args.ServiceName)
	s.applyInstanceOp(ctx, conn.ConnID, key, args)
	return struct{}{}, nil
}

func (s *Server) handleBatchInstance(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.BatchInstanceArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	key := types.NewServiceKey(args.Namespace, args.Group, args.ServiceName)
	for _, item := range args.Instances {
		s.applyInstanceOp(ctx, conn.ConnID, key, item)
	}
	return struct{}{}, nil
}

func (s *Server) handleServiceQuery(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.ServiceQueryArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	key := types.NewServiceKey(args.Namespace, args.Group, args.ServiceName)
	instances, protectionFlag := s.registry.GetInstances(key, args.ClusterName, args.HealthyOnly)
	if instances == nil && !protectionFlag {
		return nil, wire.NewStatus(wire.CodeServiceNotFound, "service %s not found", key)
	}

	views := make([]wire.InstanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, wire.InstanceView{
			IP: inst.IP, Port: inst.Port, ClusterName: inst.ClusterName,
			Weight: inst.Weight, Healthy: inst.Healthy, Enabled: inst.Enabled,
			Ephemeral: inst.Ephemeral, Metadata: inst.Metadata,
		})
	}
	return wire.ServiceQueryResult{Instances: views, ReachProtectionThreshold: protectionFlag}, nil
}

func (s *Server) handleServiceList(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.ServiceListArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	keys := s.registry.ListServices(args.Namespace, args.Group, args.Offset, args.PageSize)
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, key.ServiceName)
	}
	return wire.ServiceListResult{Services: names, Count: len(names)}, nil
}

func (s *Server) handleSubscribeService(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.SubscribeServiceArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	key := types.NewServiceKey(args.Namespace, args.Group, args.ServiceName)
	if args.Subscribe {
		s.registry.Subscribe(conn.ConnID, key)
	} else {
		s.registry.Unsubscribe(conn.ConnID, key)
	}
	return struct{}{}, nil
}

func (s *Server) handleNamingFuzzyWatch(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
	var args wire.NamingFuzzyWatchArgs
	if err := env.Decode(&args); err != nil {
		return nil, wire.NewStatus(wire.CodeParameterInvalid, "%v", err)
	}
	if args.Listen {
		s.registry.SubscribeFuzzy(conn.ConnID, args.Namespace, args.Group, args.Pattern)
	} else {
		s.registry.UnsubscribeFuzzy(conn.ConnID, args.Namespace, args.Group, args.Pattern)
	}
	return struct{}{}, nil
}

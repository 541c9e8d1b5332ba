package types

import (
	"fmt"
	"time"
)

// ServiceKey identifies a service by its three scoping dimensions, mirroring
// ConfigKey's (namespace, group) convention.
type ServiceKey struct {
	Namespace   string
	Group       string
	ServiceName string
}

// NewServiceKey builds a ServiceKey, normalizing an empty namespace.
func NewServiceKey(namespace, group, serviceName string) ServiceKey {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return ServiceKey{Namespace: namespace, Group: group, ServiceName: serviceName}
}

// String returns the canonical namespace@@group@@serviceName form.
func (k ServiceKey) String() string {
	return fmt.Sprintf("%s@@%s@@%s", k.Namespace, k.Group, k.ServiceName)
}

// CheckType enumerates the active health-check protocols a ClusterConfig may
// request.
type CheckType string

const (
	CheckNone CheckType = "none"
	CheckTCP  CheckType = "tcp"
	CheckHTTP CheckType = "http"
	CheckGRPC CheckType = "grpc"
)

// ClusterConfig is the health-check configuration for one (ServiceKey,
// clusterName) pair.
type ClusterConfig struct {
	ServiceKey       ServiceKey
	ClusterName      string
	Check            CheckType
	CheckPort        int // 0 means "use the instance's own port"
	SuccessThreshold int
	FailureThreshold int
	Metadata         map[string]string
}

// InstanceKey is the unique key of an Instance within a Service:
// ip#port#clusterName.
func InstanceKey(ip string, port int, clusterName string) string {
	return fmt.Sprintf("%s#%d#%s", ip, port, clusterName)
}

// Instance is one registered endpoint of a service.
type Instance struct {
	InstanceID  string
	ServiceKey  ServiceKey
	IP          string
	Port        int
	ClusterName string
	Weight      float64 // > 0; default 1.0
	Healthy     bool
	Enabled     bool
	Ephemeral   bool
	Metadata    map[string]string

	// RegisteredBy is the connectionId that registered this instance, set
	// only when Ephemeral is true; used by DeregisterAllByConnection.
	RegisteredBy string

	// LastHeartbeat is set to the registration time by internal/server;
	// heartbeats recorded by internal/healthcheck do not update it.
	// internal/naming uses it as the instance's Distro version.
	LastHeartbeat time.Time
}

// Key returns this instance's key within its service.
func (i *Instance) Key() string {
	return InstanceKey(i.IP, i.Port, i.ClusterName)
}

// Service is the derived aggregate of instances for a ServiceKey.
type Service struct {
	Key                      ServiceKey
	Clusters                 map[string][]*Instance // clusterName -> instances
	ReachProtectionThreshold bool
}

// HealthyRatio computes the fraction of instances across all clusters whose
// Healthy flag is true. Returns 1.0 for a service with no instances.
func (s *Service) HealthyRatio() float64 {
	total, healthy := 0, 0
	for _, instances := range s.Clusters {
		for _, inst := range instances {
			total++
			if inst.Healthy {
				healthy++
			}
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(healthy) / float64(total)
}

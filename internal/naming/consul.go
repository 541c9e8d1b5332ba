// Consul-compatible health endpoint adapter: a read-only view translating
// this registry's instances and C6's health status into the JSON shape
// Consul's /v1/health/service/:service endpoint returns, so tooling built
// against Consul's health API can point at this server unmodified.
//
// Grounded in original_source's src/api/consul/health.rs translation layer
// and the third-party-protocol-bridge pattern spec.md §1 calls out: specify
// the contract, give it a minimal concrete adapter since it needs no new
// component of its own, just a view over C5/C6.
package naming

import "github.com/easynet-cn/batata-sub002/internal/types"

// ConsulServiceEntry mirrors one element of Consul's
// /v1/health/service/:service response array.
type ConsulServiceEntry struct {
	Node    ConsulNode    `json:"Node"`
	Service ConsulService `json:"Service"`
	Checks  []ConsulCheck `json:"Checks"`
}

// ConsulNode is a minimal stand-in for Consul's Node object; this server has
// no separate node concept, so Node.Node is synthesized from the instance's
// address.
type ConsulNode struct {
	Node    string `json:"Node"`
	Address string `json:"Address"`
}

// ConsulService mirrors Consul's AgentService shape.
type ConsulService struct {
	ID      string            `json:"ID"`
	Service string            `json:"Service"`
	Tags    []string          `json:"Tags,omitempty"`
	Address string            `json:"Address"`
	Port    int               `json:"Port"`
	Meta    map[string]string `json:"Meta,omitempty"`
}

// ConsulCheck mirrors Consul's HealthCheck shape, collapsed from this
// server's Passing/Warning/Critical HealthStatus.
type ConsulCheck struct {
	Node        string `json:"Node"`
	CheckID     string `json:"CheckID"`
	Name        string `json:"Name"`
	Status      string `json:"Status"`
	ServiceID   string `json:"ServiceID"`
	ServiceName string `json:"ServiceName"`
	Output      string `json:"Output"`
}

// ConsulHealthView builds the Consul-shaped response for a service's
// current instance set. statusFor resolves an instance's aggregated
// HealthStatus (typically backed by internal/healthcheck's tracker); it may
// return "" for an instance with no tracked check, which is translated to
// Consul's "passing" default (an instance with no check is trivially
// healthy).
func ConsulHealthView(key types.ServiceKey, instances []*types.Instance, statusFor func(inst *types.Instance) types.HealthStatus) []ConsulServiceEntry {
	out := make([]ConsulServiceEntry, 0, len(instances))
	for _, inst := range instances {
		status := statusFor(inst)
		if status == "" {
			status = types.StatusPassing
		}

		out = append(out, ConsulServiceEntry{
			Node:    ConsulNode{Node: inst.IP, Address: inst.IP},
			Service: ConsulService{
				ID:      inst.Key(),
				Service: key.ServiceName,
				Address: inst.IP,
				Port:    inst.Port,
				Meta:    inst.Metadata,
			},
			Checks: []ConsulCheck{{
				Node:        inst.IP,
				CheckID:     "service:" + inst.Key(),
				Name:        "Service health check",
				Status:      string(status),
				ServiceID:   inst.Key(),
				ServiceName: key.ServiceName,
			}},
		})
	}
	return out
}

package naming

import (
	"context"
	"testing"

	"github.com/easynet-cn/batata-sub002/internal/connregistry"
	"github.com/easynet-cn/batata-sub002/internal/subindex"
	"github.com/easynet-cn/batata-sub002/internal/types"
)

func newTestRegistry() (*Registry, *connregistry.Registry, *subindex.Index) {
	conns := connregistry.New()
	subs := subindex.New()
	return New(conns, subs), conns, subs
}

func TestRegisterAndGetInstances(t *testing.T) {
	r, _, _ := newTestRegistry()
	key := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")

	r.RegisterInstance(context.Background(), "", &types.Instance{
		ServiceKey: key, IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT", Healthy: true, Enabled: true,
	})

	instances, protected := r.GetInstances(key, "", false)
	if len(instances) != 1 || protected {
		t.Fatalf("unexpected result: %+v protected=%v", instances, protected)
	}
}

func TestHealthyOnlyFilterRespectsProtectionThreshold(t *testing.T) {
	r, _, _ := newTestRegistry()
	key := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")

	// One healthy, three unhealthy -> healthy ratio 0.25, at the threshold
	// boundary (ProtectionThreshold requires strictly below 0.25 to trip).
	r.RegisterInstance(context.Background(), "", &types.Instance{ServiceKey: key, IP: "10.0.0.1", Port: 1, Healthy: true})
	for i := 2; i <= 4; i++ {
		r.RegisterInstance(context.Background(), "", &types.Instance{ServiceKey: key, IP: "10.0.0.1", Port: i, Healthy: false})
	}

	instances, protected := r.GetInstances(key, "", true)
	if protected {
		t.Fatalf("expected ratio at threshold boundary not to trip protection")
	}
	if len(instances) != 1 {
		t.Fatalf("expected only the healthy instance returned, got %d", len(instances))
	}
}

func TestProtectionThresholdReturnsFullSetWhenTripped(t *testing.T) {
	r, _, _ := newTestRegistry()
	key := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")

	r.RegisterInstance(context.Background(), "", &types.Instance{ServiceKey: key, IP: "10.0.0.1", Port: 1, Healthy: true})
	for i := 2; i <= 10; i++ {
		r.RegisterInstance(context.Background(), "", &types.Instance{ServiceKey: key, IP: "10.0.0.1", Port: i, Healthy: false})
	}

	instances, protected := r.GetInstances(key, "", true)
	if !protected {
		t.Fatalf("expected protection to trip with 1/10 healthy")
	}
	if len(instances) != 10 {
		t.Fatalf("expected full instance set under protection, got %d", len(instances))
	}
}

func TestUpdateInstanceHealthTogglesFlag(t *testing.T) {
	r, _, _ := newTestRegistry()
	key := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	r.RegisterInstance(context.Background(), "", &types.Instance{ServiceKey: key, IP: "10.0.0.1", Port: 8080, Healthy: false})

	if !r.UpdateInstanceHealth(key, "10.0.0.1", 8080, "", true) {
		t.Fatalf("expected instance found")
	}
	instances, _ := r.GetInstances(key, "", true)
	if len(instances) != 1 {
		t.Fatalf("expected instance now visible as healthy")
	}

	if r.UpdateInstanceHealth(key, "10.0.0.9", 1, "", true) {
		t.Fatalf("expected unknown instance to report not found")
	}
}

func TestDeregisterAllByConnectionRemovesOnlyThatConnsInstances(t *testing.T) {
	r, _, _ := newTestRegistry()
	key := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")

	r.RegisterInstance(context.Background(), "connA", &types.Instance{ServiceKey: key, IP: "10.0.0.1", Port: 1, Ephemeral: true, Healthy: true})
	r.RegisterInstance(context.Background(), "connB", &types.Instance{ServiceKey: key, IP: "10.0.0.2", Port: 2, Ephemeral: true, Healthy: true})

	affected := r.DeregisterAllByConnection("connA")
	if len(affected) != 1 || affected[0] != key {
		t.Fatalf("expected key reported as affected, got %+v", affected)
	}

	instances, _ := r.GetInstances(key, "", false)
	if len(instances) != 1 || instances[0].IP != "10.0.0.2" {
		t.Fatalf("expected only connB's instance left, got %+v", instances)
	}

	// Second call for the same connection must be a safe no-op.
	if affected := r.DeregisterAllByConnection("connA"); affected != nil {
		t.Fatalf("expected no-op on repeat deregister, got %+v", affected)
	}
}

func TestListServicesFiltersAndPaginates(t *testing.T) {
	r, _, _ := newTestRegistry()
	for i := 0; i < 5; i++ {
		key := types.NewServiceKey("public", "DEFAULT_GROUP", "svc")
		key.ServiceName = key.ServiceName + string(rune('A'+i))
		r.RegisterInstance(context.Background(), "", &types.Instance{ServiceKey: key, IP: "10.0.0.1", Port: i})
	}

	page := r.ListServices("public", "DEFAULT_GROUP", 0, 2)
	if len(page) != 2 {
		t.Fatalf("expected page size 2, got %d", len(page))
	}

	page = r.ListServices("public", "DEFAULT_GROUP", 4, 2)
	if len(page) != 1 {
		t.Fatalf("expected final partial page of 1, got %d", len(page))
	}
}

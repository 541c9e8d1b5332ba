package naming

import (
	"testing"

	"github.com/easynet-cn/batata-sub002/internal/types"
)

func TestConsulHealthViewDefaultsToPassingWithNoTrackedCheck(t *testing.T) {
	key := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	instances := []*types.Instance{{ServiceKey: key, IP: "10.0.0.1", Port: 8080}}

	view := ConsulHealthView(key, instances, func(inst *types.Instance) types.HealthStatus { return "" })
	if len(view) != 1 || view[0].Checks[0].Status != string(types.StatusPassing) {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestConsulHealthViewReflectsCriticalStatus(t *testing.T) {
	key := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	instances := []*types.Instance{{ServiceKey: key, IP: "10.0.0.1", Port: 8080}}

	view := ConsulHealthView(key, instances, func(inst *types.Instance) types.HealthStatus { return types.StatusCritical })
	if view[0].Checks[0].Status != string(types.StatusCritical) {
		t.Fatalf("expected critical status reflected, got %+v", view[0].Checks[0])
	}
	if view[0].Service.ID != instances[0].Key() {
		t.Fatalf("unexpected service id: %s", view[0].Service.ID)
	}
}

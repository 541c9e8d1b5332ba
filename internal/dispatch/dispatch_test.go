package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/easynet-cn/batata-sub002/internal/auth"
	"github.com/easynet-cn/batata-sub002/internal/connregistry"
	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

func newTestDispatcher(t *testing.T, ev auth.Evaluator) (*Dispatcher, *connregistry.Registry, *Table) {
	t.Helper()
	conns := connregistry.New()
	conns.Register(&types.Connection{ConnID: "c1"})
	table := NewTable()
	return New(table, conns, ev), conns, table
}

func TestDispatchSplicesConnectionSetupWithoutHandler(t *testing.T) {
	d, conns, _ := newTestDispatcher(t, nil)

	req, _ := wire.NewRequest("r1", wire.TypeConnectionSetupRequest, wire.ConnectionSetupArgs{
		ClientVersion: "1.2.3",
		Labels:        map[string]string{"env": "prod"},
	})

	reply := d.Dispatch(context.Background(), "c1", req)
	if reply == nil || reply.Metadata.Type != wire.TypeConnectionSetupResponse {
		t.Fatalf("expected ConnectionSetupResponse, got %+v", reply)
	}

	conn := conns.Get("c1")
	if conn.ClientVer != "1.2.3" || conn.Labels["env"] != "prod" {
		t.Fatalf("expected metadata spliced into connection, got %+v", conn)
	}
}

func TestDispatchDropsResponseTypesSilently(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)

	req, _ := wire.NewRequest("r1", wire.TypeConfigChangeNotifyResponse, struct{}{})
	if reply := d.Dispatch(context.Background(), "c1", req); reply != nil {
		t.Fatalf("expected nil reply for a dropped Response type, got %+v", reply)
	}
}

func TestDispatchUnknownTypeReturnsParameterInvalid(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)

	req, _ := wire.NewRequest("r1", "SomeMadeUpRequest", struct{}{})
	reply := d.Dispatch(context.Background(), "c1", req)

	var st wire.Status
	if err := reply.Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Code != wire.CodeParameterInvalid {
		t.Fatalf("expected ParameterInvalid, got %s", st.Code)
	}
}

func TestDispatchInvokesHandlerAndWrapsResult(t *testing.T) {
	d, _, table := newTestDispatcher(t, nil)
	table.Register(wire.TypeConfigQueryRequest, Handler{
		Fn: func(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
			return wire.ConfigQueryResult{Content: "hello", Found: true}, nil
		},
		AuthRequired: auth.RequireNone,
	})

	req, _ := wire.NewRequest("r1", wire.TypeConfigQueryRequest, wire.ConfigQueryArgs{DataID: "d"})
	reply := d.Dispatch(context.Background(), "c1", req)

	if reply.Metadata.Type != wire.TypeConfigQueryResponse {
		t.Fatalf("expected ConfigQueryResponse, got %s", reply.Metadata.Type)
	}
	var result wire.ConfigQueryResult
	if err := reply.Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Content != "hello" || !result.Found {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDispatchHandlerErrorBecomesStatus(t *testing.T) {
	d, _, table := newTestDispatcher(t, nil)
	table.Register(wire.TypeConfigQueryRequest, Handler{
		Fn: func(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
			return nil, wire.NewStatus(wire.CodeConfigNotFound, "no such config")
		},
		AuthRequired: auth.RequireNone,
	})

	req, _ := wire.NewRequest("r1", wire.TypeConfigQueryRequest, wire.ConfigQueryArgs{DataID: "missing"})
	reply := d.Dispatch(context.Background(), "c1", req)

	var st wire.Status
	if err := reply.Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Code != wire.CodeConfigNotFound {
		t.Fatalf("expected ConfigNotFound, got %s", st.Code)
	}
}

type alwaysDenyEvaluator struct{}

func (alwaysDenyEvaluator) Enabled() bool { return true }
func (alwaysDenyEvaluator) ParseIdentity(conn *types.Connection) (auth.Identity, error) {
	return auth.Identity{Username: "bob"}, nil
}
func (alwaysDenyEvaluator) CheckPermission(identity auth.Identity, resourceType, resourceID string, action auth.Action) error {
	return errors.New("denied")
}

func TestDispatchEnforcesAuthBeforeInvokingHandler(t *testing.T) {
	d, _, table := newTestDispatcher(t, alwaysDenyEvaluator{})
	called := false
	table.Register(wire.TypeConfigPublishRequest, Handler{
		Fn: func(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) {
			called = true
			return struct{}{}, nil
		},
		AuthRequired: auth.RequireResourcePermission,
		ResourceType: "config",
		Action:       auth.ActionWrite,
	})

	req, _ := wire.NewRequest("r1", wire.TypeConfigPublishRequest, wire.ConfigPublishArgs{Namespace: "public", DataID: "d"})
	reply := d.Dispatch(context.Background(), "c1", req)

	if called {
		t.Fatalf("expected handler not to be invoked when auth denies")
	}
	var st wire.Status
	if err := reply.Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Code != wire.CodePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %s", st.Code)
	}
}

func TestDispatchUnregisteredConnectionIsUnavailable(t *testing.T) {
	d, _, table := newTestDispatcher(t, nil)
	table.Register(wire.TypeConfigQueryRequest, Handler{
		Fn:           func(ctx context.Context, conn *types.Connection, env *wire.Envelope) (any, error) { return struct{}{}, nil },
		AuthRequired: auth.RequireNone,
	})

	req, _ := wire.NewRequest("r1", wire.TypeConfigQueryRequest, wire.ConfigQueryArgs{DataID: "d"})
	reply := d.Dispatch(context.Background(), "unknown-conn", req)

	var st wire.Status
	if err := reply.Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Code != wire.CodeUnavailable {
		t.Fatalf("expected Unavailable, got %s", st.Code)
	}
}

package auth

import (
	"errors"
	"testing"

	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

func TestNoAuthAlwaysPasses(t *testing.T) {
	ev := NoAuth{}
	conn := &types.Connection{ConnID: "c1"}

	if st := Enforce(ev, conn, RequireResourcePermission, "config", "public", ActionWrite); st != nil {
		t.Fatalf("expected NoAuth to never reject, got %v", st)
	}
}

type denyEvaluator struct{}

func (denyEvaluator) Enabled() bool { return true }
func (denyEvaluator) ParseIdentity(conn *types.Connection) (Identity, error) {
	return Identity{Username: "bob"}, nil
}
func (denyEvaluator) CheckPermission(identity Identity, resourceType, resourceID string, action Action) error {
	return errors.New("not allowed")
}

func TestEnforceRequireResourcePermissionRejects(t *testing.T) {
	ev := denyEvaluator{}
	conn := &types.Connection{ConnID: "c1"}

	st := Enforce(ev, conn, RequireResourcePermission, "config", "public", ActionWrite)
	if st == nil || st.Code != wire.CodePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", st)
	}
}

func TestEnforceRequireIdentitySkipsPermissionCheck(t *testing.T) {
	ev := denyEvaluator{}
	conn := &types.Connection{ConnID: "c1"}

	if st := Enforce(ev, conn, RequireIdentity, "config", "public", ActionRead); st != nil {
		t.Fatalf("expected RequireIdentity to pass once identity resolves, got %v", st)
	}
}

type failIdentityEvaluator struct{}

func (failIdentityEvaluator) Enabled() bool { return true }
func (failIdentityEvaluator) ParseIdentity(conn *types.Connection) (Identity, error) {
	return Identity{}, errors.New("no token")
}
func (failIdentityEvaluator) CheckPermission(identity Identity, resourceType, resourceID string, action Action) error {
	return nil
}

func TestEnforceParseIdentityFailureIsUnauthenticated(t *testing.T) {
	ev := failIdentityEvaluator{}
	conn := &types.Connection{ConnID: "c1"}

	st := Enforce(ev, conn, RequireIdentity, "config", "public", ActionRead)
	if st == nil || st.Code != wire.CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", st)
	}
}

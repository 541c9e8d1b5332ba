package configstore

import (
	"context"
	"testing"
	"time"

	"github.com/easynet-cn/batata-sub002/internal/connregistry"
	"github.com/easynet-cn/batata-sub002/internal/persistence/memory"
	"github.com/easynet-cn/batata-sub002/internal/subindex"
	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

type recordingBroadcaster struct {
	calls []wire.ConfigChangeClusterSyncArgs
}

func (r *recordingBroadcaster) BroadcastConfigChange(ctx context.Context, args wire.ConfigChangeClusterSyncArgs) {
	r.calls = append(r.calls, args)
}

func newTestStore(t *testing.T, bc Broadcaster) (*Store, *connregistry.Registry, *subindex.Index) {
	t.Helper()
	conns := connregistry.New()
	subs := subindex.New()
	backend := memory.New()
	return New(backend, conns, subs, bc, 10), conns, subs
}

func TestPublishThenGet(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()
	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")

	if err := s.Publish(ctx, key, "a: 1", types.PublishMeta{User: "alice"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	entry, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry == nil || entry.Content != "a: 1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	history, err := s.History(ctx, key, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Op != types.HistoryOpCreate {
		t.Fatalf("expected a single create history entry, got %+v", history)
	}
}

func TestPublishNotifiesExactWatchersAndBroadcasts(t *testing.T) {
	bc := &recordingBroadcaster{}
	s, conns, subs := newTestStore(t, bc)
	ctx := context.Background()
	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")

	conns.Register(&types.Connection{ConnID: "c1"})
	subs.SubscribeExact("c1", key, "")

	if err := s.Publish(ctx, key, "a: 1", types.PublishMeta{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	queue := conns.Queue("c1")
	select {
	case env := <-queue:
		if env.Metadata.Type != wire.TypeConfigChangeNotifyRequest {
			t.Fatalf("unexpected push type: %s", env.Metadata.Type)
		}
	default:
		t.Fatalf("expected a change-notify push")
	}

	if len(bc.calls) != 1 || bc.calls[0].DataID != "app.yaml" {
		t.Fatalf("expected one broadcast call, got %+v", bc.calls)
	}
}

func TestApplyClusterSyncDoesNotReBroadcast(t *testing.T) {
	bc := &recordingBroadcaster{}
	s, _, _ := newTestStore(t, bc)

	s.ApplyClusterSync(context.Background(), wire.ConfigChangeClusterSyncArgs{
		DataID: "app.yaml", Group: "DEFAULT_GROUP", Tenant: "public", LastModified: time.Now(),
	})

	if len(bc.calls) != 0 {
		t.Fatalf("expected ApplyClusterSync not to re-broadcast, got %+v", bc.calls)
	}
}

func TestFindMatchingGrayAndQueryForClient(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()
	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")

	if err := s.Publish(ctx, key, "formal", types.PublishMeta{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := s.PublishGray(ctx, key, "beta", 10, types.NewBetaRule([]string{"10.0.0.5"}), "beta content", types.PublishMeta{}); err != nil {
		t.Fatalf("PublishGray: %v", err)
	}

	betaClient := types.ClientLabels{IP: "10.0.0.5"}
	resolved, err := s.QueryForClient(ctx, key, betaClient)
	if err != nil {
		t.Fatalf("QueryForClient: %v", err)
	}
	if !resolved.Found || resolved.FromGray != "beta" || resolved.Content != "beta content" {
		t.Fatalf("expected beta gray to win, got %+v", resolved)
	}

	otherClient := types.ClientLabels{IP: "10.0.0.9"}
	resolved, err = s.QueryForClient(ctx, key, otherClient)
	if err != nil {
		t.Fatalf("QueryForClient: %v", err)
	}
	if !resolved.Found || resolved.FromGray != "" || resolved.Content != "formal" {
		t.Fatalf("expected formal entry for non-matching client, got %+v", resolved)
	}
}

func TestQueryForClientNotFound(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	resolved, err := s.QueryForClient(context.Background(), types.NewConfigKey("public", "DEFAULT_GROUP", "missing.yaml"), types.ClientLabels{})
	if err != nil {
		t.Fatalf("QueryForClient: %v", err)
	}
	if resolved.Found {
		t.Fatalf("expected not found, got %+v", resolved)
	}
}

func TestBatchListenReportsChangedAndMissing(t *testing.T) {
	s, conns, _ := newTestStore(t, nil)
	ctx := context.Background()
	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")

	conns.Register(&types.Connection{ConnID: "c1"})
	if err := s.Publish(ctx, key, "a: 1", types.PublishMeta{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	changed, err := s.BatchListen(ctx, "c1", true, []wire.BatchListenItem{
		{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "app.yaml", ClientDigest: "stale-digest"},
		{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "missing.yaml", ClientDigest: ""},
	})
	if err != nil {
		t.Fatalf("BatchListen: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected both entries reported changed, got %+v", changed)
	}
}

func TestDeleteRemovesEntryAndNotifies(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()
	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")

	if err := s.Publish(ctx, key, "a: 1", types.PublishMeta{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := s.Delete(ctx, key, types.PublishMeta{User: "alice"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	entry, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected entry removed, got %+v", entry)
	}
}

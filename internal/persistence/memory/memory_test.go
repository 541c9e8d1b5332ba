package memory

import (
	"context"
	"testing"
	"time"

	"github.com/easynet-cn/batata-sub002/internal/persistence"
	"github.com/easynet-cn/batata-sub002/internal/types"
)

func TestConfigCreateFindDelete(t *testing.T) {
	b := New()
	ctx := context.Background()
	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")

	if _, err := b.ConfigFindOne(ctx, key); err != persistence.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entry := types.NewConfigEntry(key, "a: 1", "yaml", "app", time.Now())
	if err := b.ConfigCreateOrUpdate(ctx, entry); err != nil {
		t.Fatalf("ConfigCreateOrUpdate: %v", err)
	}

	got, err := b.ConfigFindOne(ctx, key)
	if err != nil {
		t.Fatalf("ConfigFindOne: %v", err)
	}
	if got.Content != "a: 1" || got.Digest != types.ComputeDigest("a: 1") {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if err := b.ConfigDelete(ctx, key); err != nil {
		t.Fatalf("ConfigDelete: %v", err)
	}
	if _, err := b.ConfigFindOne(ctx, key); err != persistence.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestGrayCreateFindDelete(t *testing.T) {
	b := New()
	ctx := context.Background()
	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")

	g1 := types.NewGrayEntry(key, "beta", 10, types.NewBetaRule([]string{"10.0.0.1"}), "beta content", time.Now())
	g2 := types.NewGrayEntry(key, "canary", 20, types.NewTagRule("env", "canary"), "canary content", time.Now())
	if err := b.ConfigCreateOrUpdateGray(ctx, g1); err != nil {
		t.Fatalf("create gray1: %v", err)
	}
	if err := b.ConfigCreateOrUpdateGray(ctx, g2); err != nil {
		t.Fatalf("create gray2: %v", err)
	}

	grays, err := b.ConfigFindAllGrays(ctx, key)
	if err != nil {
		t.Fatalf("ConfigFindAllGrays: %v", err)
	}
	if len(grays) != 2 {
		t.Fatalf("expected 2 grays, got %d", len(grays))
	}

	if err := b.ConfigDeleteGray(ctx, key, "beta"); err != nil {
		t.Fatalf("ConfigDeleteGray: %v", err)
	}
	grays, _ = b.ConfigFindAllGrays(ctx, key)
	if len(grays) != 1 || grays[0].Name != "canary" {
		t.Fatalf("expected only canary left, got %+v", grays)
	}
}

func TestHistoryAppendListPrune(t *testing.T) {
	b := New()
	ctx := context.Background()
	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")

	for i := 0; i < 5; i++ {
		if err := b.HistoryAppend(ctx, &types.ConfigHistory{Key: key, Op: types.HistoryOpUpdate, When: time.Now()}); err != nil {
			t.Fatalf("HistoryAppend: %v", err)
		}
	}

	list, err := b.HistoryList(ctx, key, 0)
	if err != nil {
		t.Fatalf("HistoryList: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(list))
	}

	if err := b.HistoryPrune(ctx, key, 2); err != nil {
		t.Fatalf("HistoryPrune: %v", err)
	}
	list, _ = b.HistoryList(ctx, key, 0)
	if len(list) != 2 {
		t.Fatalf("expected 2 entries after prune, got %d", len(list))
	}
}

func TestNamespaceListIncludesDefault(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.NamespaceEnsure(ctx, "team-a"); err != nil {
		t.Fatalf("NamespaceEnsure: %v", err)
	}
	names, err := b.NamespaceList(ctx)
	if err != nil {
		t.Fatalf("NamespaceList: %v", err)
	}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found[types.DefaultNamespace] || !found["team-a"] {
		t.Fatalf("expected public and team-a, got %v", names)
	}
}

package sql

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/easynet-cn/batata-sub002/internal/persistence"
	"github.com/easynet-cn/batata-sub002/internal/types"
)

// newTestBackend boots a throwaway MySQL container via testcontainers-go,
// applies Schema, and returns a Backend pointed at it. Skipped in -short
// mode; otherwise a missing or unreachable Docker daemon fails the test
// when the container cannot be started.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MySQL-backed integration test in -short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "test",
			"MYSQL_DATABASE":      "batata",
		},
		WaitingFor: wait.ForLog("ready for connections").WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mysql container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "3306/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	dsn := fmt.Sprintf("root:test@tcp(%s:%s)/batata?parseTime=true", host, port.Port())

	bootstrap, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open bootstrap connection: %v", err)
	}
	defer bootstrap.Close()
	for _, stmt := range splitStatements(Schema) {
		if _, err := bootstrap.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}

	backend, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func splitStatements(schema string) []string {
	var out []string
	var cur string
	for _, line := range splitLines(schema) {
		cur += line + "\n"
		if len(line) > 0 && line[len(line)-1] == ';' {
			out = append(out, cur)
			cur = ""
		}
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func TestBackendConfigRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")
	entry := types.NewConfigEntry(key, "a: 1", "yaml", "demo-app", time.Now())

	if err := b.ConfigCreateOrUpdate(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := b.ConfigFindOne(ctx, key)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Content != "a: 1" || got.Digest != types.ComputeDigest("a: 1") {
		t.Fatalf("unexpected entry: %+v", got)
	}

	// Second read should be served from cache, same content.
	got2, err := b.ConfigFindOne(ctx, key)
	if err != nil {
		t.Fatalf("second find: %v", err)
	}
	if got2.Content != got.Content {
		t.Fatalf("cached read diverged: %+v vs %+v", got2, got)
	}

	if err := b.ConfigDelete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.ConfigFindOne(ctx, key); err != persistence.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBackendGrayAndHistory(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	key := types.NewConfigKey("public", "DEFAULT_GROUP", "app.yaml")
	gray := types.NewGrayEntry(key, "beta", 10, types.NewBetaRule([]string{"10.0.0.1"}), "a: 2", time.Now())
	if err := b.ConfigCreateOrUpdateGray(ctx, gray); err != nil {
		t.Fatalf("create gray: %v", err)
	}

	grays, err := b.ConfigFindAllGrays(ctx, key)
	if err != nil {
		t.Fatalf("list grays: %v", err)
	}
	if len(grays) != 1 || grays[0].Name != "beta" {
		t.Fatalf("unexpected grays: %+v", grays)
	}

	hist := &types.ConfigHistory{Key: key, Op: types.HistoryOpCreate, PublishType: types.PublishFormal, Who: "tester", When: time.Now()}
	if err := b.HistoryAppend(ctx, hist); err != nil {
		t.Fatalf("append history: %v", err)
	}
	list, err := b.HistoryList(ctx, key, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one history entry, got %d", len(list))
	}
}

// Package sql implements internal/persistence.Backend against a MySQL-
// compatible server, for deployments that want conventional relational
// durability instead of the in-process internal/persistence/memory backend.
//
// Structurally mirrors internal/persistence/memory's defensive-copy
// discipline, but swaps the guarding mutex for database/sql's connection
// pool and adds a read-through hashicorp/golang-lru/v2 cache in front of
// ConfigFindOne, since a round trip to the database on every client config
// query would undo most of the latency benefit client-side long-polling is
// meant to provide.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/easynet-cn/batata-sub002/internal/persistence"
	"github.com/easynet-cn/batata-sub002/internal/types"
)

// DefaultCacheSize bounds the ConfigFindOne read-through cache.
const DefaultCacheSize = 4096

// Schema is the DDL a deployment applies (via its own migration tooling)
// before pointing a Backend at a database. Kept here as documentation of
// the exact shape this package reads and writes, not executed automatically.
const Schema = `
CREATE TABLE IF NOT EXISTS config_entries (
  namespace VARCHAR(128) NOT NULL,
  group_name VARCHAR(128) NOT NULL,
  data_id VARCHAR(256) NOT NULL,
  content MEDIUMTEXT NOT NULL,
  digest CHAR(32) NOT NULL,
  type VARCHAR(32) NOT NULL,
  app_name VARCHAR(128) NOT NULL DEFAULT '',
  encrypted_data_key TEXT,
  description TEXT,
  tags TEXT,
  create_time DATETIME(3) NOT NULL,
  modify_time DATETIME(3) NOT NULL,
  create_user VARCHAR(128) NOT NULL DEFAULT '',
  create_ip VARCHAR(64) NOT NULL DEFAULT '',
  PRIMARY KEY (namespace, group_name, data_id)
);

CREATE TABLE IF NOT EXISTS config_grays (
  namespace VARCHAR(128) NOT NULL,
  group_name VARCHAR(128) NOT NULL,
  data_id VARCHAR(256) NOT NULL,
  gray_name VARCHAR(128) NOT NULL,
  priority INT NOT NULL,
  rule_json TEXT NOT NULL,
  content MEDIUMTEXT NOT NULL,
  digest CHAR(32) NOT NULL,
  encrypted_data_key TEXT,
  modify_time DATETIME(3) NOT NULL,
  PRIMARY KEY (namespace, group_name, data_id, gray_name)
);

CREATE TABLE IF NOT EXISTS config_history (
  namespace VARCHAR(128) NOT NULL,
  group_name VARCHAR(128) NOT NULL,
  data_id VARCHAR(256) NOT NULL,
  op VARCHAR(16) NOT NULL,
  publish_type VARCHAR(16) NOT NULL,
  gray_name VARCHAR(128) NOT NULL DEFAULT '',
  who VARCHAR(128) NOT NULL DEFAULT '',
  happened_at DATETIME(3) NOT NULL,
  prior_content MEDIUMTEXT,
  prior_digest CHAR(32),
  INDEX idx_history_key (namespace, group_name, data_id, happened_at)
);

CREATE TABLE IF NOT EXISTS namespaces (
  namespace VARCHAR(128) NOT NULL PRIMARY KEY
);
`

// Backend is the MySQL-backed persistence.Backend implementation.
type Backend struct {
	db    *sql.DB
	cache *lru.Cache[string, *types.ConfigEntry]
}

// Open connects to dsn (a go-sql-driver/mysql DSN) and returns a ready
// Backend. The caller is responsible for having applied Schema (or an
// equivalent migration) beforehand.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql backend: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql backend: %w", err)
	}

	cache, err := lru.New[string, *types.ConfigEntry](DefaultCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build config cache: %w", err)
	}

	return &Backend{db: db, cache: cache}, nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error { return b.db.Close() }

var _ persistence.Backend = (*Backend)(nil)

func joinTags(tags []string) string { return strings.Join(tags, ",") }

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (b *Backend) ConfigFindOne(ctx context.Context, key types.ConfigKey) (*types.ConfigEntry, error) {
	if cached, ok := b.cache.Get(key.String()); ok {
		clone := *cached
		return &clone, nil
	}

	row := b.db.QueryRowContext(ctx, `
		SELECT content, digest, type, app_name, encrypted_data_key, description, tags,
		       create_time, modify_time, create_user, create_ip
		FROM config_entries WHERE namespace = ? AND group_name = ? AND data_id = ?`,
		key.Namespace, key.Group, key.DataID)

	var entry types.ConfigEntry
	entry.Key = key
	var tagsRaw string
	if err := row.Scan(&entry.Content, &entry.Digest, &entry.Type, &entry.AppName,
		&entry.EncryptedDataKey, &entry.Description, &tagsRaw,
		&entry.CreateTime, &entry.ModifyTime, &entry.CreateUser, &entry.CreateIP); err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("find config %s: %w", key.String(), err)
	}
	entry.Tags = splitTags(tagsRaw)

	clone := entry
	b.cache.Add(key.String(), &clone)
	return &entry, nil
}

func (b *Backend) ConfigCreateOrUpdate(ctx context.Context, entry *types.ConfigEntry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO config_entries
			(namespace, group_name, data_id, content, digest, type, app_name,
			 encrypted_data_key, description, tags, create_time, modify_time, create_user, create_ip)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE
			content = VALUES(content), digest = VALUES(digest), type = VALUES(type),
			app_name = VALUES(app_name), encrypted_data_key = VALUES(encrypted_data_key),
			description = VALUES(description), tags = VALUES(tags),
			modify_time = VALUES(modify_time), create_user = VALUES(create_user),
			create_ip = VALUES(create_ip)`,
		entry.Key.Namespace, entry.Key.Group, entry.Key.DataID, entry.Content, entry.Digest,
		entry.Type, entry.AppName, entry.EncryptedDataKey, entry.Description, joinTags(entry.Tags),
		entry.CreateTime, entry.ModifyTime, entry.CreateUser, entry.CreateIP)
	if err != nil {
		return fmt.Errorf("upsert config %s: %w", entry.Key.String(), err)
	}

	if err := b.NamespaceEnsure(ctx, entry.Key.Namespace); err != nil {
		return err
	}

	b.cache.Remove(entry.Key.String())
	return nil
}

func (b *Backend) ConfigDelete(ctx context.Context, key types.ConfigKey) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM config_entries WHERE namespace = ? AND group_name = ? AND data_id = ?`,
		key.Namespace, key.Group, key.DataID)
	b.cache.Remove(key.String())
	if err != nil {
		return fmt.Errorf("delete config %s: %w", key.String(), err)
	}
	return nil
}

func (b *Backend) ConfigListKeys(ctx context.Context) ([]types.ConfigKey, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT namespace, group_name, data_id FROM config_entries`)
	if err != nil {
		return nil, fmt.Errorf("list config keys: %w", err)
	}
	defer rows.Close()

	var out []types.ConfigKey
	for rows.Next() {
		var k types.ConfigKey
		if err := rows.Scan(&k.Namespace, &k.Group, &k.DataID); err != nil {
			return nil, fmt.Errorf("scan config key row: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (b *Backend) ConfigFindAllGrays(ctx context.Context, key types.ConfigKey) ([]*types.GrayEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT gray_name, priority, rule_json, content, digest, encrypted_data_key, modify_time
		FROM config_grays WHERE namespace = ? AND group_name = ? AND data_id = ?`,
		key.Namespace, key.Group, key.DataID)
	if err != nil {
		return nil, fmt.Errorf("list grays for %s: %w", key.String(), err)
	}
	defer rows.Close()

	var out []*types.GrayEntry
	for rows.Next() {
		var g types.GrayEntry
		g.Key = key
		var ruleJSON string
		if err := rows.Scan(&g.Name, &g.Priority, &ruleJSON, &g.Content, &g.Digest,
			&g.EncryptedDataKey, &g.ModifyTime); err != nil {
			return nil, fmt.Errorf("scan gray row for %s: %w", key.String(), err)
		}
		if err := json.Unmarshal([]byte(ruleJSON), &g.Rule); err != nil {
			return nil, fmt.Errorf("decode gray rule for %s/%s: %w", key.String(), g.Name, err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (b *Backend) ConfigCreateOrUpdateGray(ctx context.Context, entry *types.GrayEntry) error {
	ruleJSON, err := json.Marshal(entry.Rule)
	if err != nil {
		return fmt.Errorf("encode gray rule for %s/%s: %w", entry.Key.String(), entry.Name, err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO config_grays
			(namespace, group_name, data_id, gray_name, priority, rule_json, content, digest, encrypted_data_key, modify_time)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE
			priority = VALUES(priority), rule_json = VALUES(rule_json), content = VALUES(content),
			digest = VALUES(digest), encrypted_data_key = VALUES(encrypted_data_key),
			modify_time = VALUES(modify_time)`,
		entry.Key.Namespace, entry.Key.Group, entry.Key.DataID, entry.Name, entry.Priority,
		string(ruleJSON), entry.Content, entry.Digest, entry.EncryptedDataKey, entry.ModifyTime)
	if err != nil {
		return fmt.Errorf("upsert gray %s/%s: %w", entry.Key.String(), entry.Name, err)
	}
	return nil
}

func (b *Backend) ConfigDeleteGray(ctx context.Context, key types.ConfigKey, grayName string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM config_grays WHERE namespace = ? AND group_name = ? AND data_id = ? AND gray_name = ?`,
		key.Namespace, key.Group, key.DataID, grayName)
	if err != nil {
		return fmt.Errorf("delete gray %s/%s: %w", key.String(), grayName, err)
	}
	return nil
}

func (b *Backend) HistoryAppend(ctx context.Context, entry *types.ConfigHistory) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO config_history
			(namespace, group_name, data_id, op, publish_type, gray_name, who, happened_at, prior_content, prior_digest)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		entry.Key.Namespace, entry.Key.Group, entry.Key.DataID, entry.Op, entry.PublishType,
		entry.GrayName, entry.Who, entry.When, entry.PriorContent, entry.PriorDigest)
	if err != nil {
		return fmt.Errorf("append history for %s: %w", entry.Key.String(), err)
	}
	return nil
}

func (b *Backend) HistoryList(ctx context.Context, key types.ConfigKey, limit int) ([]*types.ConfigHistory, error) {
	query := `
		SELECT op, publish_type, gray_name, who, happened_at, prior_content, prior_digest
		FROM config_history WHERE namespace = ? AND group_name = ? AND data_id = ?
		ORDER BY happened_at DESC`
	args := []any{key.Namespace, key.Group, key.DataID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", key.String(), err)
	}
	defer rows.Close()

	var out []*types.ConfigHistory
	for rows.Next() {
		h := &types.ConfigHistory{Key: key}
		if err := rows.Scan(&h.Op, &h.PublishType, &h.GrayName, &h.Who, &h.When,
			&h.PriorContent, &h.PriorDigest); err != nil {
			return nil, fmt.Errorf("scan history row for %s: %w", key.String(), err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (b *Backend) HistoryPrune(ctx context.Context, key types.ConfigKey, keep int) error {
	if keep < 0 {
		return nil
	}
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM config_history
		WHERE namespace = ? AND group_name = ? AND data_id = ?
		  AND happened_at < (
		    SELECT happened_at FROM (
		      SELECT happened_at FROM config_history
		      WHERE namespace = ? AND group_name = ? AND data_id = ?
		      ORDER BY happened_at DESC LIMIT 1 OFFSET ?
		    ) AS cutoff
		  )`,
		key.Namespace, key.Group, key.DataID, key.Namespace, key.Group, key.DataID, keep)
	if err != nil {
		return fmt.Errorf("prune history for %s: %w", key.String(), err)
	}
	return nil
}

func (b *Backend) NamespaceList(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT namespace FROM namespaces ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace row: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (b *Backend) NamespaceEnsure(ctx context.Context, namespace string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT IGNORE INTO namespaces (namespace) VALUES (?)`, namespace)
	if err != nil {
		return fmt.Errorf("ensure namespace %s: %w", namespace, err)
	}
	return nil
}

// pingInterval is how often a long-lived Backend should verify its
// connection is still usable when embedded in a health check loop.
const pingInterval = 30 * time.Second

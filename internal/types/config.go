// Package types holds the data model shared by every component: config keys
// and entries, gray overlays, history, service/instance/health records,
// cluster membership, and connection metadata.
package types

import (
	"crypto/md5" //nolint:gosec // digest is a change-detection fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultNamespace is the canonical form of the empty namespace.
const DefaultNamespace = "public"

// DefaultGroup is the group used when a caller does not specify one.
const DefaultGroup = "DEFAULT_GROUP"

// ConfigKey identifies a configuration entry by its three scoping
// dimensions. The empty namespace is normalized to DefaultNamespace by
// NewConfigKey; callers that build a ConfigKey by struct literal are
// responsible for the same normalization.
type ConfigKey struct {
	Namespace string
	Group     string
	DataID    string
}

// NewConfigKey builds a ConfigKey, normalizing an empty namespace to
// DefaultNamespace.
func NewConfigKey(namespace, group, dataID string) ConfigKey {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return ConfigKey{Namespace: namespace, Group: group, DataID: dataID}
}

// String returns the canonical namespace@@group@@dataId form, used both as
// a stable map key and as a cluster-sync / wire identifier.
func (k ConfigKey) String() string {
	return fmt.Sprintf("%s@@%s@@%s", k.Namespace, k.Group, k.DataID)
}

// ConfigEntry is the formal (canonical) configuration value for a ConfigKey.
type ConfigEntry struct {
	Key              ConfigKey
	Content          string
	Digest           string // MD5(Content), hex-encoded; recomputed by every mutator
	Type             string // content type tag, e.g. "yaml", "properties", "text"
	AppName          string
	EncryptedDataKey string
	CreateTime       time.Time
	ModifyTime       time.Time
	CreateUser       string
	CreateIP         string
	Description      string
	Tags             []string
}

// ComputeDigest returns the hex MD5 digest of content. ConfigEntry's and
// GrayEntry's invariant is that Digest always equals ComputeDigest(Content);
// every mutator must call this before persisting.
func ComputeDigest(content string) string {
	sum := md5.Sum([]byte(content)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// NewConfigEntry builds a ConfigEntry with its digest freshly computed.
func NewConfigEntry(key ConfigKey, content, typeTag, appName string, now time.Time) *ConfigEntry {
	return &ConfigEntry{
		Key:        key,
		Content:    content,
		Digest:     ComputeDigest(content),
		Type:       typeTag,
		AppName:    appName,
		CreateTime: now,
		ModifyTime: now,
	}
}

// SetContent replaces Content and recomputes Digest/ModifyTime, preserving
// the digest invariant.
func (e *ConfigEntry) SetContent(content string, now time.Time) {
	e.Content = content
	e.Digest = ComputeDigest(content)
	e.ModifyTime = now
}

// PublishMeta carries the caller-attributable fields for a Publish/Delete
// mutation.
type PublishMeta struct {
	AppName          string
	Type             string
	EncryptedDataKey string
	Description      string
	Tags             []string
	User             string
	IP               string
}

// ResolvedContent is what QueryForClient returns: the content actually
// visible to a specific client, whichever of formal/gray won.
type ResolvedContent struct {
	Content          string
	Digest           string
	EncryptedDataKey string
	ModifyTime       time.Time
	FromGray         string // gray name, empty if resolved from the formal entry
	Found            bool
}

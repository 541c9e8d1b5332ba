package types

import (
	"net"
	"strings"
	"time"
)

// RuleKind distinguishes the two gray-rule variants the system supports.
type RuleKind int

const (
	// RuleBeta matches clients whose remote IP is in an explicit set.
	RuleBeta RuleKind = iota
	// RuleTag matches clients whose label set has a given tag=value pair.
	RuleTag
)

// GrayRule is a tagged union over {BetaRule, TagRule}; exactly one of the
// two payload fields is meaningful, selected by Kind. Future variants are
// added by extending RuleKind plus a new payload field, not by subclassing.
type GrayRule struct {
	Kind RuleKind

	// BetaIPs is used when Kind == RuleBeta.
	BetaIPs []string

	// TagKey/TagValue are used when Kind == RuleTag.
	TagKey   string
	TagValue string
}

// NewBetaRule builds a RuleBeta matching the given IP set.
func NewBetaRule(ips []string) GrayRule {
	return GrayRule{Kind: RuleBeta, BetaIPs: append([]string(nil), ips...)}
}

// NewTagRule builds a RuleTag matching clients with TagKey=TagValue among
// their labels.
func NewTagRule(key, value string) GrayRule {
	return GrayRule{Kind: RuleTag, TagKey: key, TagValue: value}
}

// ClientLabels is the set of attributes a gray rule matches against: the
// connecting client's remote IP plus whatever labels it announced on
// ConnectionSetupRequest.
type ClientLabels struct {
	IP     string
	Labels map[string]string
}

// Matches reports whether the rule selects a client with the given labels.
func (r GrayRule) Matches(client ClientLabels) bool {
	switch r.Kind {
	case RuleBeta:
		return matchesAnyIP(client.IP, r.BetaIPs)
	case RuleTag:
		if client.Labels == nil {
			return false
		}
		v, ok := client.Labels[r.TagKey]
		return ok && v == r.TagValue
	default:
		return false
	}
}

func matchesAnyIP(clientIP string, ips []string) bool {
	ip := net.ParseIP(strings.TrimSpace(clientIP))
	for _, candidate := range ips {
		candidate = strings.TrimSpace(candidate)
		if candidate == clientIP {
			return true
		}
		if ip == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(candidate); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if candIP := net.ParseIP(candidate); candIP != nil && candIP.Equal(ip) {
			return true
		}
	}
	return false
}

// GrayEntry overlays a ConfigEntry for the subset of clients its Rule
// selects. Invariant: among multiple matching grays for one ConfigKey, the
// one with strictly highest Priority wins; ties are broken by the most
// recent ModifyTime (see Precedes below).
type GrayEntry struct {
	Key              ConfigKey
	Name             string
	Priority         int
	Rule             GrayRule
	Content          string
	Digest           string
	EncryptedDataKey string
	ModifyTime       time.Time
}

// NewGrayEntry builds a GrayEntry with its digest freshly computed.
func NewGrayEntry(key ConfigKey, name string, priority int, rule GrayRule, content string, now time.Time) *GrayEntry {
	return &GrayEntry{
		Key:        key,
		Name:       name,
		Priority:   priority,
		Rule:       rule,
		Content:    content,
		Digest:     ComputeDigest(content),
		ModifyTime: now,
	}
}

// SetContent replaces Content and recomputes Digest/ModifyTime.
func (g *GrayEntry) SetContent(content string, now time.Time) {
	g.Content = content
	g.Digest = ComputeDigest(content)
	g.ModifyTime = now
}

// Precedes reports whether g should be preferred over other under the
// spec's tie-break: higher priority wins; on equal priority, the more
// recently modified entry wins.
func (g *GrayEntry) Precedes(other *GrayEntry) bool {
	if g.Priority != other.Priority {
		return g.Priority > other.Priority
	}
	return g.ModifyTime.After(other.ModifyTime)
}

// SelectWinningGray returns the highest-priority (tie-broken by most recent
// modify time) gray among those whose Rule matches client, or nil if none
// match. Grounds Config Store's FindMatchingGray.
func SelectWinningGray(grays []*GrayEntry, client ClientLabels) *GrayEntry {
	var winner *GrayEntry
	for _, g := range grays {
		if !g.Rule.Matches(client) {
			continue
		}
		if winner == nil || g.Precedes(winner) {
			winner = g
		}
	}
	return winner
}

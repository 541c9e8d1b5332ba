package types

import (
	"testing"
	"time"
)

func TestConfigEntryDigestInvariant(t *testing.T) {
	now := time.Now()
	key := NewConfigKey("", "g", "d")
	entry := NewConfigEntry(key, "hello", "text", "app", now)

	if entry.Digest != ComputeDigest("hello") {
		t.Fatalf("digest mismatch on create")
	}

	entry.SetContent("world", now.Add(time.Second))
	if entry.Digest != ComputeDigest("world") {
		t.Fatalf("digest mismatch after SetContent")
	}
}

func TestConfigKeyNamespaceNormalization(t *testing.T) {
	key := NewConfigKey("", "g", "d")
	if key.Namespace != DefaultNamespace {
		t.Fatalf("expected empty namespace normalized to %q, got %q", DefaultNamespace, key.Namespace)
	}
	if key.String() != "public@@g@@d" {
		t.Fatalf("unexpected canonical form: %s", key.String())
	}
}

func TestGrayPriorityTieBreak(t *testing.T) {
	now := time.Now()
	key := NewConfigKey("ns1", "g", "d")
	client := ClientLabels{IP: "1.2.3.4"}

	g1 := NewGrayEntry(key, "g1", 10, NewBetaRule([]string{"1.2.3.4"}), "base", now)
	g2 := NewGrayEntry(key, "g2", 20, NewBetaRule([]string{"1.2.3.4"}), "beta", now)

	winner := SelectWinningGray([]*GrayEntry{g1, g2}, client)
	if winner == nil || winner.Content != "beta" {
		t.Fatalf("expected g2 (higher priority) to win, got %+v", winner)
	}

	// Demote g2 below g1: g1 should now win.
	g2.Priority = 5
	winner = SelectWinningGray([]*GrayEntry{g1, g2}, client)
	if winner == nil || winner.Content != "base" {
		t.Fatalf("expected g1 to win after demotion, got %+v", winner)
	}
}

func TestGrayPriorityTieBrokenByModifyTime(t *testing.T) {
	now := time.Now()
	key := NewConfigKey("ns1", "g", "d")
	client := ClientLabels{IP: "1.2.3.4"}

	older := NewGrayEntry(key, "older", 10, NewBetaRule([]string{"1.2.3.4"}), "old", now)
	newer := NewGrayEntry(key, "newer", 10, NewBetaRule([]string{"1.2.3.4"}), "new", now.Add(time.Minute))

	winner := SelectWinningGray([]*GrayEntry{older, newer}, client)
	if winner == nil || winner.Content != "new" {
		t.Fatalf("expected most recently modified entry to win a priority tie, got %+v", winner)
	}
}

func TestTagRuleMatching(t *testing.T) {
	rule := NewTagRule("env", "canary")
	match := ClientLabels{Labels: map[string]string{"env": "canary"}}
	nomatch := ClientLabels{Labels: map[string]string{"env": "prod"}}

	if !rule.Matches(match) {
		t.Fatalf("expected tag rule to match")
	}
	if rule.Matches(nomatch) {
		t.Fatalf("expected tag rule not to match a different value")
	}
}

func TestHealthCheckStatusThresholds(t *testing.T) {
	check := &HealthCheck{SuccessThreshold: 2, FailureThreshold: 2}
	status := NewHealthCheckStatus(StatusCritical)
	now := time.Now()

	for i := 0; i < 3; i++ {
		status.RecordOutcome(true, check, now, "ok", 0)
	}
	if status.Status != StatusPassing {
		t.Fatalf("expected Passing after exceeding success threshold, got %s", status.Status)
	}
	if status.CriticalSince != nil {
		t.Fatalf("expected CriticalSince cleared on leaving Critical")
	}

	for i := 0; i < 3; i++ {
		status.RecordOutcome(false, check, now, "fail", 0)
	}
	if status.Status != StatusCritical {
		t.Fatalf("expected Critical after exceeding failure threshold, got %s", status.Status)
	}
	if status.CriticalSince == nil {
		t.Fatalf("expected CriticalSince set on entering Critical")
	}
}

func TestServiceHealthyRatio(t *testing.T) {
	svc := &Service{Clusters: map[string][]*Instance{
		"DEFAULT": {
			{Healthy: true},
			{Healthy: true},
			{Healthy: false},
			{Healthy: false},
		},
	}}
	if got := svc.HealthyRatio(); got != 0.5 {
		t.Fatalf("expected 0.5 healthy ratio, got %v", got)
	}
}

func TestInstanceKeyFormat(t *testing.T) {
	inst := &Instance{IP: "10.0.0.1", Port: 80, ClusterName: "DEFAULT"}
	if inst.Key() != "10.0.0.1#80#DEFAULT" {
		t.Fatalf("unexpected instance key: %s", inst.Key())
	}
}

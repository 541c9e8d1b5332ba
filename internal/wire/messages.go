package wire

import "time"

// Message type strings. Each has a stable per-type Args/Result schema below.
// Kept as a flat catalog (rather than per-subsystem enums) to match the
// single type-keyed dispatch table C2 uses.
const (
	// Connection.
	TypeConnectionSetupRequest   = "ConnectionSetupRequest"
	TypeConnectionSetupResponse  = "ConnectionSetupResponse"
	TypeConnectionResetRequest   = "ConnectionResetRequest"
	TypeHealthCheckRequest       = "HealthCheckRequest"
	TypeHealthCheckResponse      = "HealthCheckResponse"

	// Config.
	TypeConfigQueryRequest               = "ConfigQueryRequest"
	TypeConfigQueryResponse              = "ConfigQueryResponse"
	TypeConfigPublishRequest             = "ConfigPublishRequest"
	TypeConfigPublishResponse            = "ConfigPublishResponse"
	TypeConfigPublishGrayRequest         = "ConfigPublishGrayRequest"
	TypeConfigPublishGrayResponse        = "ConfigPublishGrayResponse"
	TypeConfigRemoveRequest              = "ConfigRemoveRequest"
	TypeConfigRemoveResponse             = "ConfigRemoveResponse"
	TypeConfigBatchListenRequest         = "ConfigBatchListenRequest"
	TypeConfigBatchListenResponse        = "ConfigBatchListenResponse"
	TypeConfigChangeNotifyRequest        = "ConfigChangeNotifyRequest"
	TypeConfigChangeNotifyResponse       = "ConfigChangeNotifyResponse"
	TypeConfigFuzzyWatchRequest          = "ConfigFuzzyWatchRequest"
	TypeConfigFuzzyWatchResponse         = "ConfigFuzzyWatchResponse"
	TypeConfigFuzzyWatchNotifyRequest    = "ConfigFuzzyWatchNotifyRequest"
	TypeConfigChangeClusterSyncRequest   = "ConfigChangeClusterSyncRequest"
	TypeConfigChangeClusterSyncResponse  = "ConfigChangeClusterSyncResponse"

	// Naming.
	TypeInstanceRequest            = "InstanceRequest"
	TypeInstanceResponse           = "InstanceResponse"
	TypeBatchInstanceRequest       = "BatchInstanceRequest"
	TypeBatchInstanceResponse      = "BatchInstanceResponse"
	TypeServiceQueryRequest        = "ServiceQueryRequest"
	TypeServiceQueryResponse       = "ServiceQueryResponse"
	TypeServiceListRequest         = "ServiceListRequest"
	TypeServiceListResponse        = "ServiceListResponse"
	TypeNamingFuzzyWatchNotifyRequest = "NamingFuzzyWatchNotifyRequest"
	TypeSubscribeServiceRequest    = "SubscribeServiceRequest"
	TypeSubscribeServiceResponse   = "SubscribeServiceResponse"
	TypeNotifySubscriberRequest    = "NotifySubscriberRequest"
	TypeNotifySubscriberResponse   = "NotifySubscriberResponse"
	TypeNamingFuzzyWatchRequest    = "NamingFuzzyWatchRequest"
	TypeNamingFuzzyWatchResponse   = "NamingFuzzyWatchResponse"

	// Cluster.
	TypeMemberReportRequest  = "MemberReportRequest"
	TypeMemberReportResponse = "MemberReportResponse"
	TypeRaftAppendEntries    = "RaftAppendEntries"
	TypeRaftVote             = "RaftVote"
	TypeRaftInstallSnapshot  = "RaftInstallSnapshot"
)

// ConnectionSetupArgs is the payload of ConnectionSetupRequest: dispatch
// precedence rule 1 splices these fields directly into the Connection
// without invoking a registered handler.
type ConnectionSetupArgs struct {
	ClientVersion string            `json:"clientVersion"`
	Labels        map[string]string `json:"labels,omitempty"`
	Namespace     string            `json:"namespace,omitempty"`
	AppName       string            `json:"appName,omitempty"`
}

// ConfigQueryArgs requests the content visible to the calling client for a
// ConfigKey (after gray resolution).
type ConfigQueryArgs struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
}

// ConfigQueryResult mirrors types.ResolvedContent over the wire.
type ConfigQueryResult struct {
	Content          string `json:"content"`
	Digest           string `json:"digest"`
	EncryptedDataKey string `json:"encryptedDataKey,omitempty"`
	Found            bool   `json:"found"`
}

// ConfigPublishArgs publishes or updates the formal entry for a ConfigKey.
type ConfigPublishArgs struct {
	Namespace   string   `json:"namespace"`
	Group       string   `json:"group"`
	DataID      string   `json:"dataId"`
	Content     string   `json:"content"`
	Type        string   `json:"type,omitempty"`
	AppName     string   `json:"appName,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ConfigPublishGrayArgs publishes or replaces a named gray overlay.
type ConfigPublishGrayArgs struct {
	Namespace string   `json:"namespace"`
	Group     string   `json:"group"`
	DataID    string   `json:"dataId"`
	GrayName  string   `json:"grayName"`
	Priority  int      `json:"priority"`
	RuleKind  string   `json:"ruleKind"` // "beta" | "tag"
	BetaIPs   []string `json:"betaIps,omitempty"`
	TagKey    string   `json:"tagKey,omitempty"`
	TagValue  string   `json:"tagValue,omitempty"`
	Content   string   `json:"content"`
}

// ConfigRemoveArgs deletes the formal entry (GrayName empty) or a named
// gray overlay (GrayName set) for a ConfigKey.
type ConfigRemoveArgs struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	GrayName  string `json:"grayName,omitempty"`
}

// BatchListenItem is one (ConfigKey, clientDigest) tuple in a batch-listen
// request.
type BatchListenItem struct {
	Namespace    string `json:"namespace"`
	Group        string `json:"group"`
	DataID       string `json:"dataId"`
	ClientDigest string `json:"clientDigest"`
}

// ConfigBatchListenArgs is the batch-listen request body: Listen true means
// subscribe-and-reconcile, false means unsubscribe.
type ConfigBatchListenArgs struct {
	Listen bool              `json:"listen"`
	Items  []BatchListenItem `json:"items"`
}

// ChangedItem names one ConfigKey the server believes the client's cached
// digest no longer matches.
type ChangedItem struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
}

// ConfigChangeBatchListenResult lists the subset of the request's keys
// whose content changed (or is missing) relative to the client's digest.
type ConfigChangeBatchListenResult struct {
	Changed []ChangedItem `json:"changed"`
}

// ConfigChangeNotifyArgs is the server push sent to exact/fuzzy subscribers
// when a ConfigKey mutates.
type ConfigChangeNotifyArgs struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
}

// ConfigChangeClusterSyncArgs is the cluster-sync contract payload: a peer
// receiving this MUST notify local subscribers and MUST NOT re-broadcast.
type ConfigChangeClusterSyncArgs struct {
	DataID       string    `json:"dataId"`
	Group        string    `json:"group"`
	Tenant       string    `json:"tenant"`
	LastModified time.Time `json:"lastModified"`
	GrayName     string    `json:"grayName,omitempty"`
}

// InstanceArgs registers or deregisters (Register=false) a single instance.
type InstanceArgs struct {
	Namespace   string            `json:"namespace"`
	Group       string            `json:"group"`
	ServiceName string            `json:"serviceName"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	ClusterName string            `json:"clusterName,omitempty"`
	Weight      float64           `json:"weight,omitempty"`
	Ephemeral   bool              `json:"ephemeral"`
	Enabled     bool              `json:"enabled"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Register    bool              `json:"register"`
}

// BatchInstanceArgs registers/deregisters many instances for one service in
// a single round trip.
type BatchInstanceArgs struct {
	Namespace   string         `json:"namespace"`
	Group       string         `json:"group"`
	ServiceName string         `json:"serviceName"`
	Instances   []InstanceArgs `json:"instances"`
}

// ServiceQueryArgs asks for the current instance set of a service.
type ServiceQueryArgs struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"group"`
	ServiceName string `json:"serviceName"`
	ClusterName string `json:"clusterName,omitempty"`
	HealthyOnly bool   `json:"healthyOnly"`
}

// InstanceView is the wire projection of types.Instance.
type InstanceView struct {
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	ClusterName string            `json:"clusterName"`
	Weight      float64           `json:"weight"`
	Healthy     bool              `json:"healthy"`
	Enabled     bool              `json:"enabled"`
	Ephemeral   bool              `json:"ephemeral"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ServiceQueryResult is the current instance set plus the protection flag.
type ServiceQueryResult struct {
	Instances                []InstanceView `json:"instances"`
	ReachProtectionThreshold bool           `json:"reachProtectionThreshold"`
}

// SubscribeServiceArgs subscribes (Subscribe=true) or unsubscribes the
// caller to/from a service's change notifications.
type SubscribeServiceArgs struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"group"`
	ServiceName string `json:"serviceName"`
	Subscribe   bool   `json:"subscribe"`
}

// NotifySubscriberArgs is the server push sent when a subscribed service's
// visible instance set changes.
type NotifySubscriberArgs struct {
	Namespace   string         `json:"namespace"`
	Group       string         `json:"group"`
	ServiceName string         `json:"serviceName"`
	Instances   []InstanceView `json:"instances"`
}

// MemberReportArgs is the gossip-style heartbeat a peer sends to announce
// it is Up.
type MemberReportArgs struct {
	Address   string  `json:"address"`
	Weight    float64 `json:"weight"`
	RaftPort  int     `json:"raftPort"`
	Version   string  `json:"version"`
}

// HeartbeatArgs is the passive TTL checker's client-reported heartbeat.
type HeartbeatArgs struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"group"`
	ServiceName string `json:"serviceName"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	ClusterName string `json:"clusterName,omitempty"`
}

// ConfigFuzzyWatchArgs subscribes (Listen=true) or unsubscribes the caller
// to/from every ConfigKey matching pattern (see subindex.PatternMatches).
type ConfigFuzzyWatchArgs struct {
	Pattern string `json:"pattern"`
	Listen  bool   `json:"listen"`
}

// NamingFuzzyWatchArgs subscribes (Listen=true) or unsubscribes the caller
// to/from every service within namespace/group whose name matches pattern.
type NamingFuzzyWatchArgs struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	Pattern   string `json:"pattern"`
	Listen    bool   `json:"listen"`
}

// ServiceListArgs pages through every service name registered within
// namespace/group.
type ServiceListArgs struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group,omitempty"`
	Offset    int    `json:"offset"`
	PageSize  int    `json:"pageSize"`
}

// ServiceListResult is the page of service names ServiceListArgs asked for.
type ServiceListResult struct {
	Services []string `json:"services"`
	Count    int      `json:"count"`
}

// NamingFuzzyWatchNotifyArgs is the server push sent to a
// NamingFuzzyWatchRequest subscriber whenever the set of service names
// within Namespace/Group matching Pattern changes.
type NamingFuzzyWatchNotifyArgs struct {
	Namespace string   `json:"namespace"`
	Group     string   `json:"group"`
	Pattern   string   `json:"pattern"`
	Services  []string `json:"services"`
}

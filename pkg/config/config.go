// Package config builds the frozen, validated configuration every other
// component is constructed from: broker endpoint, identity, topic
// scheme, timing budgets, persistence, and queue limits.
package config

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
)

// ReplicationAccess controls whether this node's replication feed is
// read-only, read-write, or entirely disabled.
type ReplicationAccess string

const (
	ReplicationNone      ReplicationAccess = "none"
	ReplicationRead      ReplicationAccess = "read"
	ReplicationReadWrite ReplicationAccess = "readWrite"
)

const (
	defaultKeepAliveSeconds        = 60
	defaultSessionExpirySeconds    = 86_400
	defaultConnectionTimeoutSecs   = 20
	defaultSkewMaxFutureMs         = 300_000
	defaultTombstoneRetentionHours = 24
	defaultTopicPrefix             = "merkle_kv"
	defaultMaxQueuedOps            = 10_000
	defaultQueueMaxAge             = 7 * 24 * time.Hour
	defaultQueueBatchSize          = 50

	identCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-"
)

// Config is the immutable, validated configuration for one node.
type Config struct {
	Host   string
	Port   int
	UseTLS bool

	Username string
	Password string

	ClientID string
	NodeID   string

	TopicPrefix string

	KeepAliveSeconds         int
	SessionExpirySeconds     int
	ConnectionTimeoutSeconds int

	SkewMaxFutureMs         int64
	TombstoneRetentionHours int

	PersistenceEnabled bool
	StoragePath        string

	ReplicationAccess ReplicationAccess
	IsController       bool

	MaxQueuedOps   int
	QueueMaxAge    time.Duration
	QueueBatchSize int
}

// Builder accumulates options before a single validated Build call.
type Builder struct {
	cfg Config
	err error
}

// NewBuilder starts a Builder pre-populated with every documented default.
func NewBuilder() *Builder {
	return &Builder{cfg: Config{
		KeepAliveSeconds:         defaultKeepAliveSeconds,
		SessionExpirySeconds:     defaultSessionExpirySeconds,
		ConnectionTimeoutSeconds: defaultConnectionTimeoutSecs,
		SkewMaxFutureMs:          defaultSkewMaxFutureMs,
		TombstoneRetentionHours:  defaultTombstoneRetentionHours,
		TopicPrefix:              defaultTopicPrefix,
		ReplicationAccess:        ReplicationReadWrite,
		MaxQueuedOps:             defaultMaxQueuedOps,
		QueueMaxAge:              defaultQueueMaxAge,
		QueueBatchSize:           defaultQueueBatchSize,
	}}
}

func (b *Builder) Endpoint(host string, port int, useTLS bool) *Builder {
	b.cfg.Host, b.cfg.Port, b.cfg.UseTLS = host, port, useTLS
	return b
}

func (b *Builder) Credentials(username, password string) *Builder {
	b.cfg.Username, b.cfg.Password = username, password
	return b
}

func (b *Builder) Identity(clientID, nodeID string) *Builder {
	b.cfg.ClientID, b.cfg.NodeID = clientID, nodeID
	return b
}

func (b *Builder) TopicPrefix(prefix string) *Builder {
	b.cfg.TopicPrefix = normalizeTopicPrefix(prefix)
	return b
}

func (b *Builder) Timing(keepAliveSeconds, sessionExpirySeconds, connectionTimeoutSeconds int) *Builder {
	b.cfg.KeepAliveSeconds = keepAliveSeconds
	b.cfg.SessionExpirySeconds = sessionExpirySeconds
	b.cfg.ConnectionTimeoutSeconds = connectionTimeoutSeconds
	return b
}

func (b *Builder) ReplicationPolicy(skewMaxFutureMs int64, tombstoneRetentionHours int) *Builder {
	b.cfg.SkewMaxFutureMs = skewMaxFutureMs
	b.cfg.TombstoneRetentionHours = tombstoneRetentionHours
	return b
}

func (b *Builder) Persistence(enabled bool, storagePath string) *Builder {
	b.cfg.PersistenceEnabled, b.cfg.StoragePath = enabled, storagePath
	return b
}

func (b *Builder) Access(access ReplicationAccess, isController bool) *Builder {
	b.cfg.ReplicationAccess, b.cfg.IsController = access, isController
	return b
}

func (b *Builder) QueueLimits(maxQueuedOps int, maxAge time.Duration, batchSize int) *Builder {
	b.cfg.MaxQueuedOps, b.cfg.QueueMaxAge, b.cfg.QueueBatchSize = maxQueuedOps, maxAge, batchSize
	return b
}

// Build validates the accumulated options and freezes them into a Config.
func (b *Builder) Build() (*Config, error) {
	cfg := b.cfg

	if err := validateIdentifier("clientId", cfg.ClientID); err != nil {
		return nil, err
	}
	if err := validateIdentifier("nodeId", cfg.NodeID); err != nil {
		return nil, err
	}
	if (cfg.Username != "" || cfg.Password != "") && !cfg.UseTLS {
		return nil, errs.Validation("useTls", cfg.UseTLS, "TLS is required when credentials are configured")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errs.Validation("port", cfg.Port, "must be between 1 and 65535")
	}
	if cfg.KeepAliveSeconds <= 0 {
		return nil, errs.Validation("keepAliveSeconds", cfg.KeepAliveSeconds, "must be positive")
	}
	if cfg.ConnectionTimeoutSeconds <= 0 {
		return nil, errs.Validation("connectionTimeoutSeconds", cfg.ConnectionTimeoutSeconds, "must be positive")
	}
	if cfg.SkewMaxFutureMs < 0 {
		return nil, errs.Validation("skewMaxFutureMs", cfg.SkewMaxFutureMs, "must be non-negative")
	}
	if cfg.TombstoneRetentionHours < 0 {
		return nil, errs.Validation("tombstoneRetentionHours", cfg.TombstoneRetentionHours, "must be non-negative")
	}
	if cfg.PersistenceEnabled && strings.TrimSpace(cfg.StoragePath) == "" {
		return nil, errs.Validation("storagePath", cfg.StoragePath, "required when persistence is enabled")
	}
	switch cfg.ReplicationAccess {
	case ReplicationNone, ReplicationRead, ReplicationReadWrite:
	default:
		return nil, errs.Validation("replicationAccess", cfg.ReplicationAccess, "must be none, read, or readWrite")
	}
	if cfg.MaxQueuedOps <= 0 {
		return nil, errs.Validation("maxQueuedOps", cfg.MaxQueuedOps, "must be positive")
	}
	if cfg.QueueBatchSize <= 0 {
		return nil, errs.Validation("queueBatchSize", cfg.QueueBatchSize, "must be positive")
	}

	return &cfg, nil
}

// validateIdentifier enforces the 1-128 byte, [A-Za-z0-9_-] rule shared
// by clientId and nodeId, at the UTF-8 byte level rather than code points.
func validateIdentifier(field, value string) error {
	n := len(value) // byte length, not utf8.RuneCountInString
	if n < 1 || n > 128 {
		return errs.Validation(field, value, "must be 1-128 bytes")
	}
	if !utf8.ValidString(value) {
		return errs.Validation(field, value, "must be valid UTF-8")
	}
	for _, r := range value {
		if !strings.ContainsRune(identCharset, r) {
			return errs.Validation(field, value, "must match [A-Za-z0-9_-]")
		}
	}
	return nil
}

// normalizeTopicPrefix strips surrounding slashes and collapses interior
// whitespace, falling back to the canonical default when empty.
func normalizeTopicPrefix(prefix string) string {
	trimmed := strings.Trim(strings.TrimSpace(prefix), "/")
	trimmed = strings.Join(strings.Fields(trimmed), "")
	if trimmed == "" {
		return defaultTopicPrefix
	}
	return trimmed
}

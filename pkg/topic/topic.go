// Package topic builds and parses the canonical MQTT topic scheme,
// matches topic filters against concrete topics (including the `+` and
// `#` wildcards), and authorizes publish/subscribe actions against a
// node's configured access level.
package topic

import (
	"strings"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
)

const (
	maxTopicBytes  = 100
	maxPrefixBytes = 50
	topicCharset   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_/-"
)

// CommandTopic returns the canonical command topic for clientID.
func CommandTopic(prefix, clientID string) (string, error) {
	return build(prefix, clientID, "cmd")
}

// ResponseTopic returns the canonical response topic for clientID.
func ResponseTopic(prefix, clientID string) (string, error) {
	return build(prefix, clientID, "res")
}

// ReplicationTopic returns the canonical cluster-wide replication topic.
func ReplicationTopic(prefix string) (string, error) {
	if err := validateComponent("topicPrefix", prefix, maxPrefixBytes); err != nil {
		return "", err
	}
	topic := prefix + "/replication/events"
	return topic, checkLength(topic)
}

// SyncRootTopic returns the cluster-wide anti-entropy root-digest topic.
func SyncRootTopic(prefix string) (string, error) {
	if err := validateComponent("topicPrefix", prefix, maxPrefixBytes); err != nil {
		return "", err
	}
	topic := prefix + "/sync/root"
	return topic, checkLength(topic)
}

// SyncLeavesTopic returns the cluster-wide anti-entropy leaf-exchange topic.
func SyncLeavesTopic(prefix string) (string, error) {
	if err := validateComponent("topicPrefix", prefix, maxPrefixBytes); err != nil {
		return "", err
	}
	topic := prefix + "/sync/leaves"
	return topic, checkLength(topic)
}

func build(prefix, clientID, suffix string) (string, error) {
	if err := validateComponent("topicPrefix", prefix, maxPrefixBytes); err != nil {
		return "", err
	}
	if err := validateComponent("clientId", clientID, maxTopicBytes); err != nil {
		return "", err
	}
	topic := prefix + "/" + clientID + "/" + suffix
	return topic, checkLength(topic)
}

func checkLength(topic string) error {
	if len(topic) > maxTopicBytes {
		return errs.Validation("topic", topic, "exceeds 100 byte limit")
	}
	return nil
}

func validateComponent(field, value string, maxBytes int) error {
	if len(value) == 0 || len(value) > maxBytes {
		return errs.Validation(field, value, "length out of range")
	}
	for _, r := range value {
		if !strings.ContainsRune(topicCharset, r) {
			return errs.Validation(field, value, "must match [A-Za-z0-9_/-]")
		}
	}
	return nil
}

// MatchFilter reports whether topic matches filter under MQTT wildcard
// rules: `+` matches exactly one level, `#` matches all remaining
// levels (including none) and must be the filter's final segment.
func MatchFilter(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}

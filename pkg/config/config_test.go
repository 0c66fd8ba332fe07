package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBuilder() *Builder {
	return NewBuilder().
		Endpoint("broker.local", 8883, true).
		Identity("client-1", "node-1")
}

func TestBuildAppliesDefaults(t *testing.T) {
	cfg, err := validBuilder().Build()
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.KeepAliveSeconds)
	assert.Equal(t, 86_400, cfg.SessionExpirySeconds)
	assert.Equal(t, "merkle_kv", cfg.TopicPrefix)
	assert.Equal(t, ReplicationReadWrite, cfg.ReplicationAccess)
	assert.Equal(t, 10_000, cfg.MaxQueuedOps)
}

func TestBuildRejectsInvalidClientID(t *testing.T) {
	_, err := NewBuilder().Endpoint("h", 1883, false).Identity("bad id with spaces", "node-1").Build()
	assert.Error(t, err)
}

func TestBuildRejectsEmptyNodeID(t *testing.T) {
	_, err := NewBuilder().Endpoint("h", 1883, false).Identity("client-1", "").Build()
	assert.Error(t, err)
}

func TestBuildRejectsOverlongIdentifier(t *testing.T) {
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	_, err := NewBuilder().Endpoint("h", 1883, false).Identity(string(long), "node-1").Build()
	assert.Error(t, err)
}

func TestBuildRequiresTLSWithCredentials(t *testing.T) {
	_, err := NewBuilder().Endpoint("h", 1883, false).Identity("client-1", "node-1").
		Credentials("user", "pass").Build()
	assert.Error(t, err)
}

func TestBuildAllowsCredentialsWithTLS(t *testing.T) {
	_, err := validBuilder().Credentials("user", "pass").Build()
	assert.NoError(t, err)
}

func TestBuildRejectsInvalidPort(t *testing.T) {
	_, err := NewBuilder().Endpoint("h", 0, false).Identity("client-1", "node-1").Build()
	assert.Error(t, err)
}

func TestBuildRejectsPersistenceWithoutStoragePath(t *testing.T) {
	_, err := validBuilder().Persistence(true, "").Build()
	assert.Error(t, err)
}

func TestBuildAcceptsPersistenceWithStoragePath(t *testing.T) {
	_, err := validBuilder().Persistence(true, "/var/lib/node/data").Build()
	assert.NoError(t, err)
}

func TestBuildRejectsInvalidReplicationAccess(t *testing.T) {
	_, err := validBuilder().Access(ReplicationAccess("bogus"), false).Build()
	assert.Error(t, err)
}

func TestTopicPrefixNormalization(t *testing.T) {
	cfg, err := validBuilder().TopicPrefix("  /my prefix/ ").Build()
	require.NoError(t, err)
	assert.Equal(t, "myprefix", cfg.TopicPrefix)
}

func TestTopicPrefixDefaultsWhenEmpty(t *testing.T) {
	cfg, err := validBuilder().TopicPrefix("   ").Build()
	require.NoError(t, err)
	assert.Equal(t, "merkle_kv", cfg.TopicPrefix)
}

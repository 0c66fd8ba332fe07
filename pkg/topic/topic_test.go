package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCanonicalTopics(t *testing.T) {
	cmd, err := CommandTopic("merkle_kv", "client-1")
	require.NoError(t, err)
	assert.Equal(t, "merkle_kv/client-1/cmd", cmd)

	res, err := ResponseTopic("merkle_kv", "client-1")
	require.NoError(t, err)
	assert.Equal(t, "merkle_kv/client-1/res", res)

	repl, err := ReplicationTopic("merkle_kv")
	require.NoError(t, err)
	assert.Equal(t, "merkle_kv/replication/events", repl)
}

func TestBuildRejectsOverlongPrefix(t *testing.T) {
	long := strings.Repeat("a", maxPrefixBytes+1)
	_, err := CommandTopic(long, "client-1")
	assert.Error(t, err)
}

func TestBuildRejectsInvalidCharset(t *testing.T) {
	_, err := CommandTopic("merkle kv", "client-1")
	assert.Error(t, err)
}

func TestBuildRejectsOverlongTopic(t *testing.T) {
	longClientID := strings.Repeat("a", 95)
	_, err := CommandTopic("merkle_kv", longClientID)
	assert.Error(t, err)
}

func TestMatchFilterExactMatch(t *testing.T) {
	assert.True(t, MatchFilter("merkle_kv/client-1/cmd", "merkle_kv/client-1/cmd"))
	assert.False(t, MatchFilter("merkle_kv/client-1/cmd", "merkle_kv/client-2/cmd"))
}

func TestMatchFilterSingleLevelWildcard(t *testing.T) {
	assert.True(t, MatchFilter("merkle_kv/+/cmd", "merkle_kv/client-1/cmd"))
	assert.False(t, MatchFilter("merkle_kv/+/cmd", "merkle_kv/client-1/extra/cmd"))
}

func TestMatchFilterMultiLevelWildcard(t *testing.T) {
	assert.True(t, MatchFilter("merkle_kv/replication/#", "merkle_kv/replication/events"))
	assert.True(t, MatchFilter("merkle_kv/#", "merkle_kv/client-1/cmd"))
	assert.True(t, MatchFilter("merkle_kv/#", "merkle_kv"))
}

func TestMatchFilterShorterTopicFails(t *testing.T) {
	assert.False(t, MatchFilter("merkle_kv/client-1/cmd", "merkle_kv/client-1"))
}

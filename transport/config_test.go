package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultRetryInterval, cfg.RetryInterval)
	assert.Equal(t, DefaultRetriesBeforeBackoff, cfg.RetriesBeforeBackoff)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
}

func TestAvailableServers(t *testing.T) {
	servers, err := Config{Server: "https://one.test"}.availableServers()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://one.test"}, servers)

	pool := []string{"https://one.test", "https://two.test"}
	servers, err = Config{Server: "auto", AvailableServers: pool}.availableServers()
	require.NoError(t, err)
	assert.Equal(t, pool, servers)

	_, err = Config{Server: "auto"}.availableServers()
	assert.ErrorIs(t, err, ErrInvalidServer)

	_, err = Config{Server: "one.test"}.availableServers()
	assert.ErrorIs(t, err, ErrInvalidServer)

	_, err = Config{Server: "ftp://one.test"}.availableServers()
	assert.ErrorIs(t, err, ErrInvalidServer)
}

func TestIsGlobalRoomSuffix(t *testing.T) {
	cfg := Config{GlobalRooms: []string{DiscoveryRoom, MonitoringRoom}}
	assert.True(t, cfg.isGlobalRoomSuffix(DiscoveryRoom))
	assert.True(t, cfg.isGlobalRoomSuffix(MonitoringRoom))
	assert.False(t, cfg.isGlobalRoomSuffix(PathFindingRoom))
	assert.False(t, cfg.isGlobalRoomSuffix(""))
}

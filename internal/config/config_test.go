package config_test

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietmesh/noded/internal/config"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noded.yaml")

	s := config.New(path)
	s.Home = "/var/lib/noded"
	s.PrimaryPort = 9993
	s.AllowNetworkCaching = true
	s.InterfacePrefixBlacklist = []string{"docker", "br-"}
	s.HintsV4 = []config.HintEntry{{Addr: "203.0.113.1", Port: 9993}}

	require.NoError(t, s.Save())

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/noded", loaded.Home)
	assert.EqualValues(t, 9993, loaded.PrimaryPort)
	assert.True(t, loaded.AllowNetworkCaching)
	assert.Equal(t, []string{"docker", "br-"}, loaded.InterfacePrefixBlacklist)
	require.Len(t, loaded.HintsV4, 1)
	assert.Equal(t, "203.0.113.1", loaded.HintsV4[0].Addr)
}

func TestSaveNotifiesChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noded.yaml")
	s := config.New(path)

	require.NoError(t, s.Save())
	select {
	case <-s.Changed():
	default:
		t.Fatal("expected Save to signal Changed")
	}
}

func TestCIDRRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noded.yaml")
	s := config.New(path)

	_, cidr, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	s.BlacklistV4 = []config.CIDR{{IPNet: cidr}}

	require.NoError(t, s.Save())
	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.BlacklistV4, 1)
	assert.Equal(t, "10.0.0.0/8", loaded.BlacklistV4[0].String())
}

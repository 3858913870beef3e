package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/errors"
)

// closedPort returns a loopback port nothing listens on
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestTakePort(t *testing.T) {
	d := NewSSHDialer(am.ClusterConfig{Tunnel: am.TunnelConfig{BaseLocalPort: 65534}}, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, 65534, d.takePort())
	assert.Equal(t, 65535, d.takePort())
	assert.Equal(t, 65534, d.takePort(), "wraps to the base port")
}

func TestDialTunnel_AdvancesPortsUntilTimeout(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	base := busy.Addr().(*net.TCPAddr).Port

	cfg := am.ClusterConfig{
		Host:     "login.example.org",
		Port:     22,
		Username: "miner",
		Tunnel: am.TunnelConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           closedPort(t),
			Username:       "jump",
			BaseLocalPort:  base,
			TimeoutSeconds: 1,
			AttemptsPerSec: 20,
		},
	}
	d := NewSSHDialer(cfg, zaptest.NewLogger(t).Sugar())

	start := time.Now()
	_, err = d.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Less(t, time.Since(start), 10*time.Second)

	d.mu.Lock()
	next := d.nextPort
	d.mu.Unlock()
	assert.Greater(t, next, base+1, "the busy base port is skipped and later attempts move on")
}

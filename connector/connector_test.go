package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEtcdConfig_Defaults(t *testing.T) {
	cfg := &EtcdConfig{}
	assert.ErrorIs(t, cfg.validate(), ErrConfig)

	cfg.Endpoints = []string{"127.0.0.1:2379"}
	require.NoError(t, cfg.validate())
	assert.Equal(t, "default", cfg.Name)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, 10*time.Second, cfg.KeepAliveTime)
}

func TestNATSConfig_Defaults(t *testing.T) {
	cfg := &NATSConfig{}
	assert.ErrorIs(t, cfg.validate(), ErrConfig)

	cfg.URL = "nats://127.0.0.1:4222"
	require.NoError(t, cfg.validate())
	assert.Equal(t, 60, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
}

func TestNew_NilConfig(t *testing.T) {
	_, err := NewEtcd(nil)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewNATS(nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNATS_NotConnected(t *testing.T) {
	conn, err := NewNATS(&NATSConfig{URL: "nats://127.0.0.1:1"})
	require.NoError(t, err)
	assert.Nil(t, conn.GetClient())
	assert.ErrorIs(t, conn.HealthCheck(context.Background()), ErrNotConnected)
	assert.False(t, conn.IsHealthy())

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Connect(context.Background()), ErrAlreadyClosed)
}

func TestEtcd_Unreachable(t *testing.T) {
	conn, err := NewEtcd(&EtcdConfig{
		Endpoints:   []string{"127.0.0.1:1"},
		DialTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.False(t, conn.IsHealthy())
}

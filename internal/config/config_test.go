package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultSyncIntervalSecs, cfg.SyncIntervalSecs)
	require.Equal(t, DefaultMaxConcurrent, cfg.MaxConcurrentAccounts)
	require.Equal(t, DefaultUIDBatchSize, cfg.UIDBatchSize)
	require.EqualValues(t, DefaultMaxMessageBytes, cfg.MaxMessageBytes)
	require.Equal(t, RemoteImagesBlock, cfg.RemoteImagePolicy)
}

func TestSyncIntervalClampedToFloor(t *testing.T) {
	t.Setenv("AMBERIZE_SYNC_INTERVAL_SECS", "5")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, MinSyncIntervalSecs, cfg.SyncIntervalSecs)
}

func TestInvalidRemoteImagePolicyRejected(t *testing.T) {
	t.Setenv("AMBERIZE_REMOTE_IMAGE_POLICY", "maybe")
	_, err := Load("")
	require.Error(t, err)
}

func TestRemoteImagePolicyAllow(t *testing.T) {
	t.Setenv("AMBERIZE_REMOTE_IMAGE_POLICY", "allow")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, RemoteImagesAllow, cfg.RemoteImagePolicy)
}

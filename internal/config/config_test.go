package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "promoter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  node_id: node-a
  port: 6001
promotion:
  episode_timeout: 5s
  exclude_leader: true
replica:
  partitions: [1, 2]
membership:
  mode: gossip
  bind_port: 7000
  seed_nodes: ["10.0.0.1:7000"]
`), 0o644))

	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Server.NodeID)
	assert.Equal(t, 6001, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Promotion.EpisodeTimeout)
	assert.True(t, cfg.Promotion.ExcludeLeader)
	assert.Equal(t, []int32{1, 2}, cfg.Replica.Partitions)
	assert.Equal(t, MembershipGossip, cfg.Membership.Mode)
	assert.Equal(t, []string{"10.0.0.1:7000"}, cfg.Membership.SeedNodes)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep their defaults
	assert.Equal(t, DefaultConfig().Transport, cfg.Transport)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.Server.NodeID = "" }},
		{"bad server port", func(c *Config) { c.Server.Port = 70000 }},
		{"admin collides with server", func(c *Config) { c.Admin.Port = c.Server.Port }},
		{"replica without data dir", func(c *Config) { c.Replica.DataDir = "" }},
		{"zero chunk size", func(c *Config) { c.Replica.ChunkSize = 0 }},
		{"negative partition", func(c *Config) { c.Replica.Partitions = []int32{-1} }},
		{"zero episode timeout", func(c *Config) { c.Promotion.EpisodeTimeout = 0 }},
		{"unknown membership mode", func(c *Config) { c.Membership.Mode = "dns" }},
		{"static without file", func(c *Config) { c.Membership.StaticFile = "" }},
		{"redis without host", func(c *Config) { c.Redis.Enabled = true; c.Redis.Host = "" }},
		{"database without user", func(c *Config) { c.Database.Enabled = true; c.Database.User = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

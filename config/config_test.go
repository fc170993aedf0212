package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_GROUP_ID", "agent-test")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.KVBackend)
	assert.Equal(t, "none", cfg.RemoteBackend)
	assert.Equal(t, "native", cfg.FeedTransport)
	assert.Equal(t, "local", cfg.NotifyMode)
	assert.Zero(t, cfg.RemoteTimeout)
	assert.Equal(t, "agent-test", cfg.KafkaGroupID)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("KV_BACKEND", "Redis")
	t.Setenv("REMOTE_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/autofix")
	t.Setenv("REMOTE_TIMEOUT", "3s")
	t.Setenv("CONSUL_REGISTER", "true")
	t.Setenv("TRACING_ENABLED", "not-a-bool")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.KVBackend)
	assert.Equal(t, 3*time.Second, cfg.RemoteTimeout)
	assert.True(t, cfg.ConsulRegister)
	assert.False(t, cfg.TracingEnabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown kv backend", map[string]string{"KV_BACKEND": "etcd"}},
		{"postgres without dsn", map[string]string{"REMOTE_BACKEND": "postgres"}},
		{"s3 without bucket", map[string]string{"OBJECT_STORE": "s3"}},
		{"kafka without remote", map[string]string{"FEED_TRANSPORT": "kafka"}},
		{"kafka with postgres", map[string]string{"FEED_TRANSPORT": "kafka", "REMOTE_BACKEND": "postgres", "POSTGRES_DSN": "postgres://localhost/autofix"}},
		{"negative timeout", map[string]string{"REMOTE_TIMEOUT": "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

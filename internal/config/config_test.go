package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	yaml := `
addr: ":9000"
database:
  driver: postgres
  dsn: "postgres://relay@localhost/relay?sslmode=disable"
redis_addr: "localhost:6379"
jwt:
  secret: from-file
  ttl: 2h
relay:
  location_rate: 1
  publish_rate: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("PETBUDDY_JWT_SECRET", "from-env")
	t.Setenv("PETBUDDY_CORS_ORIGINS", "https://petbuddy.example, https://admin.petbuddy.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, 2*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, 1.0, cfg.Relay.LocationRate)
	assert.Equal(t, 4, cfg.Relay.LocationBurst)
	assert.Equal(t, 5.0, cfg.Relay.PublishRate)
	assert.Equal(t, 20, cfg.Relay.PublishBurst)
	assert.Equal(t, []string{"https://petbuddy.example", "https://admin.petbuddy.example"}, cfg.CORSOrigins)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("PETBUDDY_RATE_LIMIT", "lots")
	t.Setenv("PETBUDDY_JWT_TTL", "-5m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().RateLimit, cfg.RateLimit)
	assert.Equal(t, Default().JWT.TTL, cfg.JWT.TTL)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("PETBUDDY_DB_DRIVER", "mysql")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfig_MergesEnvironmentOverBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: ":8080"
redis:
  addr: localhost:6379
  db: 0
`)
	writeFile(t, dir, "staging.yaml", `
redis:
  addr: redis.staging:6379
`)

	merged, err := LoadConfig("staging", dir)
	require.NoError(t, err)

	var out struct {
		Server ServerConfig `yaml:"server"`
		Redis  RedisConfig  `yaml:"redis"`
	}
	require.NoError(t, Decode(merged, &out))

	assert.Equal(t, ":8080", out.Server.Port)
	assert.Equal(t, "redis.staging:6379", out.Redis.Addr)
}

func TestLoadConfig_SubstitutesSecretsInsideLists(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
integrations:
  - id: acme
    webhook_secret: "${ACME_SECRET}"
`)
	writeFile(t, dir, "secrets.env", "ACME_SECRET=\"s3cr3t\"\n")

	merged, err := LoadConfig("", dir)
	require.NoError(t, err)

	var out struct {
		Integrations []struct {
			ID     string `yaml:"id"`
			Secret string `yaml:"webhook_secret"`
		} `yaml:"integrations"`
	}
	require.NoError(t, Decode(merged, &out))
	require.Len(t, out.Integrations, 1)
	assert.Equal(t, "s3cr3t", out.Integrations[0].Secret)
}

func TestLoadConfig_FallsBackToProcessEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "db:\n  password: \"${TS_TEST_DB_PASSWORD}\"\n")
	t.Setenv("TS_TEST_DB_PASSWORD", "from-env")

	merged, err := LoadConfig("local", dir)
	require.NoError(t, err)

	var out struct {
		DB DBConfig `yaml:"db"`
	}
	require.NoError(t, Decode(merged, &out))
	assert.Equal(t, "from-env", out.DB.Password)
}

func TestLoadConfig_MissingBaseFails(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}

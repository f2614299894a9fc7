package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJSON = `{
	"server_address": ":3000",
	"base_url": "http://json-config.com/",
	"file_storage_path": "json_storage.db",
	"database_dsn": "json-dsn",
	"upload_dir": "json_uploads",
	"token_ttl": "15m"
}`

func writeTempJSON(t *testing.T, content string) string {
	t.Helper()
	file, err := os.CreateTemp(t.TempDir(), "config*.json")
	require.NoError(t, err)
	_, err = file.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	return file.Name()
}

func TestDefaults(t *testing.T) {
	cfg, err := New(WithDisableFlagsParsing(true))
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.RunAddr)
	assert.Equal(t, "http://127.0.0.1:8000", cfg.PublicBaseURL)
	assert.Equal(t, "/static", cfg.StaticPath)
	assert.Equal(t, time.Hour, cfg.TokenTTL)

	key, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.NotEmpty(t, key)
	assert.False(t, cfg.TrustProxyHeaders)
}

func TestMissingSigningKeyIsGeneratedPerProcess(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "")

	first, err := New(WithDisableFlagsParsing(true))
	require.NoError(t, err)
	second, err := New(WithDisableFlagsParsing(true))
	require.NoError(t, err)

	assert.True(t, first.GeneratedSigningKey)
	assert.NotEqual(t, first.JWTSigningKey, second.JWTSigningKey)

	key, err := first.SigningKey()
	require.NoError(t, err)
	assert.Len(t, key, generatedKeySize)
	assert.NotContains(t, string(key), "development")
}

func TestConfiguredSigningKeyIsKept(t *testing.T) {
	const configured = "cm91dGVyLXRlc3Qtc2lnbmluZy1rZXktMzItYnl0ZXM="
	t.Setenv("JWT_SIGNING_KEY", configured)

	cfg, err := New(WithDisableFlagsParsing(true))
	require.NoError(t, err)

	assert.False(t, cfg.GeneratedSigningKey)
	assert.Equal(t, configured, cfg.JWTSigningKey)
}

func TestOrphanSweepNeedsGracePeriod(t *testing.T) {
	t.Setenv("ORPHAN_SWEEP_INTERVAL", "1m")
	t.Setenv("ORPHAN_GRACE_PERIOD", "0s")

	_, err := New(WithDisableFlagsParsing(true))
	assert.Error(t, err)

	t.Setenv("ORPHAN_GRACE_PERIOD", "30m")
	cfg, err := New(WithDisableFlagsParsing(true))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.OrphanGracePeriod)

	t.Setenv("ORPHAN_SWEEP_INTERVAL", "0s")
	t.Setenv("ORPHAN_GRACE_PERIOD", "0s")
	_, err = New(WithDisableFlagsParsing(true))
	assert.NoError(t, err, "a disabled sweep needs no grace period")
}

func TestTrustProxyHeadersFromEnv(t *testing.T) {
	t.Setenv("TRUST_PROXY_HEADERS", "true")

	cfg, err := New(WithDisableFlagsParsing(true))
	require.NoError(t, err)
	assert.True(t, cfg.TrustProxyHeaders)
}

func TestConfigPriorityJSONOnly(t *testing.T) {
	jsonPath := writeTempJSON(t, testJSON)
	t.Setenv("CONFIG", jsonPath)

	cfg, err := New(WithDisableFlagsParsing(true))
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.RunAddr)
	assert.Equal(t, "http://json-config.com", cfg.PublicBaseURL)
	assert.Equal(t, "json_storage.db", cfg.DBFileName)
	assert.Equal(t, "json-dsn", cfg.DatabaseDSN)
	assert.Equal(t, "json_uploads", cfg.UploadDir)
	assert.Equal(t, 15*time.Minute, cfg.TokenTTL)
}

func TestConfigPriorityJSONPlusEnv(t *testing.T) {
	jsonPath := writeTempJSON(t, testJSON)
	t.Setenv("CONFIG", jsonPath)
	t.Setenv("SERVER_ADDRESS", ":4000")
	t.Setenv("BASE_URL", "http://env.com")
	t.Setenv("TOKEN_TTL", "2h")

	cfg, err := New(WithDisableFlagsParsing(true))
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.RunAddr) // env overrides json
	assert.Equal(t, "http://env.com", cfg.PublicBaseURL)
	assert.Equal(t, "json-dsn", cfg.DatabaseDSN) // from JSON
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
}

func TestConfigPriorityAllSources(t *testing.T) {
	jsonPath := writeTempJSON(t, testJSON)
	t.Setenv("CONFIG", jsonPath)
	t.Setenv("SERVER_ADDRESS", ":4000")
	t.Setenv("BASE_URL", "http://env.com")

	cfg, err := New(WithArgs([]string{
		"-a", ":6000",
		"-b", "http://cli.com",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.RunAddr) // CLI > ENV > JSON
	assert.Equal(t, "http://cli.com", cfg.PublicBaseURL)
	assert.Equal(t, "json-dsn", cfg.DatabaseDSN) // from JSON
}

func TestConfigFileFromFlag(t *testing.T) {
	jsonPath := writeTempJSON(t, testJSON)

	cfg, err := New(WithArgs([]string{"-c", jsonPath}))
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.RunAddr)
	assert.Equal(t, jsonPath, cfg.ConfigFile)
}

func TestConfigEnvOnly(t *testing.T) {
	t.Setenv("SERVER_ADDRESS", ":7000")
	t.Setenv("BASE_URL", "http://envonly.com")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STATIC_PATH", "media/")

	cfg, err := New(WithDisableFlagsParsing(true))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.RunAddr)
	assert.Equal(t, "http://envonly.com", cfg.PublicBaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/media", cfg.StaticPath)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bad log level", key: "LOG_LEVEL", value: "verbose"},
		{name: "bad base url", key: "BASE_URL", value: "not a url"},
		{name: "short signing key", key: "JWT_SIGNING_KEY", value: "c2hvcnQ="},
		{name: "bad subnet", key: "TRUSTED_SUBNET", value: "10.0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := New(WithDisableFlagsParsing(true))
			assert.Error(t, err)
		})
	}
}

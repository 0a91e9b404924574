package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	return flag.NewFlagSet("test", flag.ContinueOnError)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	opts, err := Load(newFlagSet(), nil)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", opts.Port)
	assert.Equal(t, StoragePostgres, opts.Storage.Kind)
	assert.Equal(t, CacheMemory, opts.Cache.Kind)
	assert.Equal(t, 7*24*time.Hour, opts.TokenTTL)
	assert.True(t, opts.EphemeralSecret)
	assert.GreaterOrEqual(t, len(opts.JWTSecret), 16)
	assert.Equal(t, int64(64<<20), opts.MaxBackupBytes())
}

func TestLoad_FlagsFileEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"port": "0.0.0.0:9000",
		"database_dsn": "postgres://file",
		"jwt_secret": "file-secret-0123456789",
		"token_ttl": "2h",
		"cache": {"kind": "none"},
		"storage": {"compress": false, "max_backup_mb": 8}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("DATABASE_DSN", "postgres://env")
	t.Setenv("PLAYLEDGER_CACHE_TTL", "90s")

	opts, err := Load(newFlagSet(), []string{"-c", path, "-a", "127.0.0.1:1", "-d", "postgres://flag"})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", opts.Port, "file overrides flag")
	assert.Equal(t, "postgres://env", opts.DatabaseDSN, "env overrides file")
	assert.Equal(t, "file-secret-0123456789", opts.JWTSecret)
	assert.False(t, opts.EphemeralSecret)
	assert.Equal(t, 2*time.Hour, opts.TokenTTL)
	assert.Equal(t, CacheNone, opts.Cache.Kind)
	assert.Equal(t, 90*time.Second, opts.Cache.TTL)
	assert.False(t, opts.Storage.Compress)
	assert.Equal(t, 8, opts.Storage.MaxBackupMB)
	assert.Equal(t, path, opts.Config)
}

func TestLoad_ServerAddressEnv(t *testing.T) {
	t.Setenv("CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("SERVER_ADDRESS", ":7070")

	opts, err := Load(newFlagSet(), []string{"-a", ":6060"})
	require.NoError(t, err)
	assert.Equal(t, ":7070", opts.Port)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"short secret", map[string]string{"PLAYLEDGER_JWT_SECRET": "short"}, "jwt_secret"},
		{"s3 without bucket", map[string]string{"PLAYLEDGER_STORAGE_KIND": "s3"}, "s3_bucket"},
		{"unknown storage", map[string]string{"PLAYLEDGER_STORAGE_KIND": "ftp"}, "unknown storage kind"},
		{"redis without addr", map[string]string{"PLAYLEDGER_CACHE_KIND": "redis"}, "redis_addr"},
		{"unknown cache", map[string]string{"PLAYLEDGER_CACHE_KIND": "disk"}, "unknown cache kind"},
		{"tls half set", map[string]string{"PLAYLEDGER_TLS_CERT_FILE": "server.crt"}, "tls_cert_file"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CONFIG", filepath.Join(t.TempDir(), "missing.json"))
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(newFlagSet(), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_BrokenConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(newFlagSet(), []string{"-config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

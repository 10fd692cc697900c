package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 1024, cfg.Detection.MaxImageSize)
	assert.Equal(t, 0.5, cfg.Detection.IoUThreshold)
	assert.Equal(t, 100, cfg.Cache.Capacity)
	assert.Equal(t, 50, cfg.Cache.ClearInterval)
	assert.Equal(t, 1000, cfg.Cache.ClassificationCapacity)
	assert.Equal(t, "content", cfg.Detection.Fingerprint)
	assert.Equal(t, 10*time.Minute, cfg.RateLimit.IdleTimeout)
	assert.GreaterOrEqual(t, cfg.WorkersNum, 1)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
HTTPPort: 9000
workersNum: 0
detection:
  detectorTimeout: 3s
  fingerprint: shape
  primary:
    enabled: true
    url: http://127.0.0.1:9001/predict
    names: [AluCan, PlasticBottle]
cache:
  capacity: 10
storage:
  driver: mysql
  dsn: user:pass@tcp(localhost:3306)/recycle?parseTime=true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 1, cfg.WorkersNum)
	assert.Equal(t, 3*time.Second, cfg.Detection.DetectorTimeout)
	assert.Equal(t, "shape", cfg.Detection.Fingerprint)
	assert.True(t, cfg.Detection.Primary.Enabled)
	assert.Equal(t, []string{"AluCan", "PlasticBottle"}, cfg.Detection.Primary.Names)
	// untouched keys keep their defaults
	assert.Equal(t, 0.5, cfg.Detection.Primary.MinConfidence)
	assert.Equal(t, 10, cfg.Cache.Capacity)
	assert.Equal(t, 50, cfg.Cache.ClearInterval)
	assert.Equal(t, "mysql", cfg.Storage.Driver)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RECYCLE_SECONDARY_URL", "http://general:9002/predict")
	t.Setenv("RECYCLE_STORAGE_DRIVER", "postgres")
	t.Setenv("RECYCLE_STORAGE_DSN", "postgres://u:p@localhost/recycle?sslmode=disable")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Detection.Secondary.Enabled)
	assert.Equal(t, "http://general:9002/predict", cfg.Detection.Secondary.URL)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad fingerprint":         "detection:\n  fingerprint: pixels\n",
		"confidence too large":    "detection:\n  minConfidence: 1.5\n",
		"enabled without url":     "detection:\n  primary:\n    enabled: true\n",
		"unknown driver":          "storage:\n  driver: sqlite\n  dsn: x\n",
		"driver without dsn":      "storage:\n  driver: postgres\n",
		"mysql without parseTime": "storage:\n  driver: mysql\n  dsn: u:p@tcp(db:3306)/recycle\n",
		"bad yaml":                "HTTPPort: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

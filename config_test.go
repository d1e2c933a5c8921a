package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reginabarzilaygroup/ark/imagepipe"
	"github.com/reginabarzilaygroup/ark/poller"
	"github.com/reginabarzilaygroup/ark/predictor"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(context.Background())
	require.NoError(t, err)

	assert.False(t, cfg.Archive.Enabled)
	assert.Equal(t, "MG", cfg.Modality)
	assert.Equal(t, imagepipe.MammographyConfig(), cfg.Pipeline)
	assert.Equal(t, predictor.KindEmpty, cfg.Model.Kind)
	assert.Equal(t, "Series", cfg.Archive.Granularity)
	assert.Equal(t, ".processed_dict.json", cfg.Archive.CursorPath)
	assert.Equal(t, 60*time.Second, cfg.Archive.PollingInterval)
	assert.True(t, cfg.Archive.DeleteAfter)
	assert.Equal(t, "http://localhost:8042", cfg.Archive.BaseURL())
	assert.Equal(t, 5, cfg.Archive.MaxAttempts)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ORTHANC_HOST", "pacs")
	t.Setenv("ORTHANC_HTTP_PORT", "9042")
	t.Setenv("ORTHANC_CHANGE_TYPE", "study")
	t.Setenv("ORTHANC_POLLING_INTERVAL", "5")
	t.Setenv("ORTHANC_NO_STORE_IMAGES", "false")
	t.Setenv("ARK_MODEL", "sybil")
	t.Setenv("ARK_PREDICTOR_URL", "http://model:9000/predict")
	t.Setenv("ARK_CURSOR_BACKEND", "redis")
	t.Setenv("PORT", "5009")

	cfg, err := LoadConfig(context.Background())
	require.NoError(t, err)

	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "http://pacs:9042", cfg.Archive.BaseURL())
	assert.Equal(t, "Study", cfg.Archive.Granularity)
	assert.Equal(t, 5*time.Second, cfg.Archive.PollingInterval)
	assert.False(t, cfg.Archive.DeleteAfter)
	assert.Equal(t, "CT", cfg.Modality)
	assert.Equal(t, imagepipe.CTConfig(), cfg.Pipeline)
	assert.Equal(t, predictor.KindHTTP, cfg.Model.Kind)
	assert.Equal(t, "redis", cfg.Archive.CursorBackend)
	assert.Equal(t, ":5009", cfg.Addr)

	pc := cfg.PollerConfig()
	assert.Equal(t, poller.GranularityStudy, pc.Granularity)
	assert.Equal(t, "CT", pc.Modality)
	assert.False(t, pc.DeleteAfterProcessing)
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ark.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  name: sybil
  command: [python, worker.py]
archive:
  polling_interval: 2m
  transport: cstore
  min_instances:
    CT: 10
`), 0o644))
	t.Setenv("ARK_CONFIG", path)
	t.Setenv("ARK_REPORT_TRANSPORT", "healthcare")

	cfg, err := LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, predictor.KindSubprocess, cfg.Model.Kind)
	assert.Equal(t, []string{"python", "worker.py"}, cfg.Model.Command)
	assert.Equal(t, 2*time.Minute, cfg.Archive.PollingInterval)
	assert.Equal(t, 10, cfg.Archive.MinInstances["CT"])
	assert.Equal(t, "healthcare", cfg.Archive.Transport, "env wins over the file")
	assert.Equal(t, "CT", cfg.Modality)
}

func TestLoadConfigRejectsBadNumbers(t *testing.T) {
	t.Setenv("ORTHANC_HTTP_PORT", "eighty")
	t.Setenv("ORTHANC_POLLING_INTERVAL", "soon")

	_, err := LoadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORTHANC_HTTP_PORT")
	assert.Contains(t, err.Error(), "ORTHANC_POLLING_INTERVAL")
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("ARK_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig(context.Background())
	assert.Error(t, err)
}

func TestModelDerivedModality(t *testing.T) {
	assert.Equal(t, "MG", modalityForModel("Mirai"))
	assert.Equal(t, "CT", modalityForModel("sybil"))
	assert.Equal(t, "Series", normalizeGranularity("series"))
	assert.Equal(t, "Series", normalizeGranularity(""))
	assert.Equal(t, "Study", normalizeGranularity("STUDY"))
}

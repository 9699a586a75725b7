package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"gigwatch/services/watcher/internal/config"
	"gigwatch/services/watcher/internal/pipeline"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.DedupBackend = config.DedupBackendMemory
	cfg.Notifier = config.NotifierWebhook
	cfg.WebhookURL = "http://localhost:9999/hook"
	cfg.Sources = []string{"hackernews"}
	cfg.Preferences = ""
	cfg.PreferencesFile = ""
	cfg.PreferencesDatabaseURL = ""
	cfg.RedisAddr = ""
	cfg.ArchiveEnabled = false
	cfg.CareersConfig = ""
	cfg.OTelCollectorURL = ""
	cfg.LogLevel = "info"
	return cfg
}

func TestWatcherModuleGraph(t *testing.T) {
	var (
		orchestrator *pipeline.Orchestrator
		runCfg       pipeline.RunConfig
	)
	app := fxtest.New(t,
		watcherModule(testConfig()),
		fx.Populate(&orchestrator, &runCfg),
	)
	require.NoError(t, app.Err())
	app.RequireStart()
	defer app.RequireStop()

	assert.NotNil(t, orchestrator)
	assert.NotNil(t, runCfg.Preferences)
	assert.Equal(t, []string{"hackernews"}, runCfg.Sources)
}

func TestNewRunConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = []string{"hackernews", "adzuna"}
	cfg.SourceQuery = "golang"
	cfg.TimeoutSeconds = 60

	rc := newRunConfig(cfg, nil)
	assert.Equal(t, []string{"hackernews", "adzuna"}, rc.Sources)
	assert.Equal(t, "golang", rc.Query.Keywords)
	assert.Equal(t, cfg.Timeout(), rc.Timeout)
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "loud"
	_, err := newLogger(cfg)
	assert.Error(t, err)
}

func TestOverrideTimeout(t *testing.T) {
	rc := newRunConfig(testConfig(), nil)
	base := rc.Timeout

	require.NoError(t, overrideTimeout(&rc, 0))
	assert.Equal(t, base, rc.Timeout)

	require.NoError(t, overrideTimeout(&rc, 500*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, rc.Timeout)

	assert.Error(t, overrideTimeout(&rc, -time.Second))
}

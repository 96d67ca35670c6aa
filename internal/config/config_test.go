package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefline/internal/workflow"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(3), cfg.Dispatch.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Dispatch.BackoffStep)
	assert.Equal(t, 30, cfg.Client.StrategyPollAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Client.SlowAfter[workflow.StageStrategy])
	agent, ok := cfg.Agent(workflow.StageCompetitorAnalysis)
	require.True(t, ok)
	assert.Equal(t, "competitor-analysis-agent", agent.ID)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
dispatch:
  max_attempts: 5
recovery:
  defer_recoverable: true
`))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cfg.Dispatch.MaxAttempts)
	assert.True(t, cfg.Recovery.DeferRecoverable)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown stage":    "agents:\n  brainstorm:\n    id: x\n",
		"zero attempts":    "dispatch:\n  max_attempts: 0\n",
		"nats without url": "notifications:\n  broker: nats\n",
		"bad broker":       "notifications:\n  broker: kafka\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "/v0", cfg.Server.BasePath)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "briefline.yml"), []byte("server:\n  addr: :9999\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paperYAML = `
app:
  venues: [hyperliquid, backpack]
  state_path: %STATE%
venues:
  hyperliquid:
    kind: paper
    funding_interval_hours: 1
    taker_fee_rate: 0.00035
    paper:
      BTC: {price: 60000, funding_rate: 0.0000125, depth: 1}
  backpack:
    kind: paper
    funding_interval_hours: 8
    taker_fee_rate: 0.0005
    paper:
      BTC: {price: 60010, funding_rate: 0.0003, depth: 1}
strategy:
  symbols: [BTC]
  check_interval: 20ms
  funding_update_interval: 1s
  position_sizes: {BTC: 0.001}
  max_position_size: {BTC: 0.01}
telemetry:
  service_name: funding_arb_test
  http_port: 0
  allowed_origins: ["*"]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_DefaultsWithoutPath(t *testing.T) {
	cfg, err := LoadConfig("", "")
	require.NoError(t, err)
	assert.Len(t, cfg.App.Venues, 2)
}

func TestLoadConfig_EnvFileFeedsExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FA_TEST_WEBHOOK", "")
	env := writeFile(t, dir, ".env", "FA_TEST_WEBHOOK=https://hooks.example.com/x\n")
	yaml := `
app:
  venues: [a, b]
venues:
  a: {kind: paper, funding_interval_hours: 8}
  b: {kind: paper, funding_interval_hours: 8}
strategy:
  symbols: [BTC]
  position_sizes: {BTC: 1}
alerts:
  webhook_url: ${FA_TEST_WEBHOOK}
`
	path := writeFile(t, dir, "config.yaml", yaml)

	// godotenv does not override variables that are already set
	require.NoError(t, os.Unsetenv("FA_TEST_WEBHOOK"))
	cfg, err := LoadConfig(path, env)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/x", cfg.Alerts.WebhookURL.Reveal())
}

func TestLoadConfig_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := LoadConfig("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadConfig_RejectsBadWebhook(t *testing.T) {
	cfg, err := LoadConfig("", "")
	require.NoError(t, err)
	cfg.Alerts.SlackWebhookURL = "not a url"
	assert.ErrorContains(t, checkPreFlight(cfg), "alerts.slack_webhook_url")
}

func TestApp_DryRunLifecycle(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "data", "state.db")
	path := writeFile(t, dir, "config.yaml", strings.ReplaceAll(paperYAML, "%STATE%", state))

	app, err := NewApp(Options{ConfigPath: path, DryRun: true})
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.http.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + app.http.Addr()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/positions")
	require.NoError(t, err)
	var positions []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&positions))
	resp.Body.Close()
	assert.Empty(t, positions, "dry run never opens")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err = os.Stat(state)
	assert.NoError(t, err, "journal database created under state_path")
}

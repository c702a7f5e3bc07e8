package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSecret_NeverPrintsValue(t *testing.T) {
	s := Secret("https://hooks.slack.com/services/T000/B000/XXX")

	renders := map[string]string{
		"String":   s.String(),
		"%v":       fmt.Sprintf("%v", s),
		"%s":       fmt.Sprintf("%s", s),
		"%#v":      fmt.Sprintf("%#v", s),
		"Hint":     s.Hint(),
		"Config":   (&Config{Alerts: AlertsConfig{SlackWebhookURL: s}}).String(),
		"zeroHint": Secret("").Hint(),
	}
	for name, out := range renders {
		assert.NotContains(t, out, "XXX", name)
	}
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, `"[REDACTED]"`, renders["%#v"])
	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, `""`, fmt.Sprintf("%#v", Secret("")))
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
}

func TestSecret_Hint(t *testing.T) {
	tests := []struct {
		in   Secret
		want string
	}{
		{"", ""},
		{"plain-api-key", "[REDACTED]"},
		{"https://hooks.slack.com/services/T000/B000/XXX", "https://hooks.slack.com/[REDACTED]"},
		{"http://localhost:9000/hook", "http://localhost:9000/[REDACTED]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Hint(), string(tt.in))
	}
}

func TestSecret_Encoders(t *testing.T) {
	raw, err := json.Marshal(struct {
		Key   Secret `json:"key"`
		Empty Secret `json:"empty"`
	}{Key: "password123"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]","empty":""}`, string(raw))

	out, err := yaml.Marshal(map[string]Secret{"key": "password123"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "[REDACTED]")
	assert.NotContains(t, string(out), "password123")

	var in struct {
		Key Secret `yaml:"key"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("key: hunter2"), &in))
	assert.Equal(t, "hunter2", in.Key.Reveal())
}

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"30s", "30s", false},
		{"5m", "5m0s", false},
		{"1h30m", "1h30m0s", false},
		{"garbage", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration.String())
		})
	}
}

func TestAgentDef_InlineExtra(t *testing.T) {
	raw := `
name: platform.driver
role: platform.driver
interval: 30s
depends_on: [platform.historian]
cache:
  backend: memory
devices:
  - path: campus/b1/thermostat
    driver_type: ecobee
`
	var def AgentDef
	require.NoError(t, yaml.Unmarshal([]byte(raw), &def))

	assert.Equal(t, "platform.driver", def.Name)
	assert.Equal(t, []string{"platform.historian"}, def.DependsOn)
	assert.Equal(t, "30s", def.Interval.Duration.String())

	// Role-specific settings fall through into Extra.
	var devices []map[string]any
	require.NoError(t, def.UnmarshalKey("devices", &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "campus/b1/thermostat", devices[0]["path"])

	var cacheCfg struct {
		Backend string `json:"backend"`
	}
	require.NoError(t, def.UnmarshalKey("cache", &cacheCfg))
	assert.Equal(t, "memory", cacheCfg.Backend)
}

func TestAgentDef_UnmarshalKeyMissing(t *testing.T) {
	def := AgentDef{Name: "x"}

	var v struct{ Backend string }
	require.NoError(t, def.UnmarshalKey("cache", &v))
	assert.Empty(t, v.Backend)
}

func TestAgentDef_GetString(t *testing.T) {
	def := AgentDef{Extra: map[string]any{"prefix": "devices/", "count": 3}}

	assert.Equal(t, "devices/", def.GetString("prefix", "fallback"))
	assert.Equal(t, "fallback", def.GetString("absent", "fallback"))
	// Non-string values fall back too.
	assert.Equal(t, "fallback", def.GetString("count", "fallback"))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-role", func(d AgentDef, rt Runtime) (Agent, error) {
		return nil, nil
	})

	_, ok := reg.GetFactory("test-role")
	assert.True(t, ok)
	_, ok = reg.GetFactory("absent")
	assert.False(t, ok)
}

func TestCreateAgent_UnknownRole(t *testing.T) {
	_, err := CreateAgentWithRegistry(AgentDef{Name: "a", Role: "nope"}, nil, NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role: nope")
}

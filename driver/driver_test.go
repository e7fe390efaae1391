package driver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEntry_Decode(t *testing.T) {
	raw := `[
		{"point_name": "hvacMode", "name": "HVACMode", "units": "setting", "type": "setting", "writable": "True", "readable": "True"},
		{"point_name": "desiredHeat", "units": "degF", "type": "hold", "writable": true, "readable": false}
	]`

	var entries []RegistryEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &entries))
	require.Len(t, entries, 2)

	assert.Equal(t, "HVACMode", entries[0].BusName())
	assert.True(t, bool(entries[0].Writable))
	assert.True(t, bool(entries[0].Readable))

	// Bus name falls back to the vendor point name.
	assert.Equal(t, "desiredHeat", entries[1].BusName())
	assert.True(t, bool(entries[1].Writable))
	assert.False(t, bool(entries[1].Readable))
}

func TestFlexBool_Invalid(t *testing.T) {
	var entries []RegistryEntry
	err := json.Unmarshal([]byte(`[{"point_name": "x", "writable": "maybe"}]`), &entries)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid boolean value")
}

func TestRegisters_Insert(t *testing.T) {
	regs := NewRegisters()

	require.NoError(t, regs.Insert(&Register{Type: "byte", PointName: "a", ReadOnly: false}))
	require.NoError(t, regs.Insert(&Register{Type: "byte", PointName: "b", ReadOnly: true}))

	err := regs.Insert(&Register{Type: "byte", PointName: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate point a")

	err = regs.Insert(&Register{Type: "byte"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no point name")
}

func TestRegisters_Lookup(t *testing.T) {
	regs := NewRegisters()
	require.NoError(t, regs.Insert(&Register{Type: "byte", PointName: "writable", ReadOnly: false}))
	require.NoError(t, regs.Insert(&Register{Type: "byte", PointName: "readonly", ReadOnly: true}))

	reg, err := regs.ByName("writable")
	require.NoError(t, err)
	assert.False(t, reg.ReadOnly)

	_, err = regs.ByName("absent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")

	writable := regs.ByType("byte", false)
	readonly := regs.ByType("byte", true)
	require.Len(t, writable, 1)
	require.Len(t, readonly, 1)
	assert.Equal(t, "writable", writable[0].PointName)
	assert.Equal(t, "readonly", readonly[0].PointName)

	assert.ElementsMatch(t, []string{"writable", "readonly"}, regs.Names())
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New("no-such-driver")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver type")
}

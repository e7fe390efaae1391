package configstore

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type change struct {
	name   string
	action Action
	data   string
}

func TestStore_SetGetDelete(t *testing.T) {
	s := NewStore()

	err := s.Set("config", map[string]string{"output": "report.txt"})
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, s.Get("config", &got))
	assert.Equal(t, "report.txt", got["output"])

	require.NoError(t, s.Delete("config"))
	err = s.Get("config", &got)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, s.Delete("config"))
}

func TestStore_SubscribeActions(t *testing.T) {
	s := NewStore()

	var changes []change
	s.Subscribe("drivers/", []Action{ActionNew, ActionUpdate}, func(name string, action Action, contents json.RawMessage) {
		changes = append(changes, change{name, action, string(contents)})
	})

	require.NoError(t, s.Set("drivers/thermostat", map[string]int{"device_id": 1}))
	require.NoError(t, s.Set("drivers/thermostat", map[string]int{"device_id": 2}))
	require.NoError(t, s.Delete("drivers/thermostat"))
	// Outside the subscribed prefix.
	require.NoError(t, s.Set("agents/tester", map[string]int{"x": 1}))

	require.Len(t, changes, 2)
	assert.Equal(t, ActionNew, changes[0].action)
	assert.Equal(t, ActionUpdate, changes[1].action)
	assert.Equal(t, "drivers/thermostat", changes[0].name)
}

func TestStore_SubscribeDelete(t *testing.T) {
	s := NewStore()

	var deleted []string
	s.Subscribe("", []Action{ActionDelete}, func(name string, action Action, contents json.RawMessage) {
		assert.Nil(t, contents)
		deleted = append(deleted, name)
	})

	require.NoError(t, s.Set("a/b", 1))
	require.NoError(t, s.Delete("a/b"))
	assert.Equal(t, []string{"a/b"}, deleted)
}

func TestStore_SetDefault(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.Set("config", map[string]string{"output": "real.txt"}))
	require.NoError(t, s.SetDefault("config", map[string]string{"output": "default.txt"}))

	var got map[string]string
	require.NoError(t, s.Get("config", &got))
	assert.Equal(t, "real.txt", got["output"])

	require.NoError(t, s.SetDefault("other", map[string]string{"k": "v"}))
	require.NoError(t, s.Get("other", &got))
	assert.Equal(t, "v", got["k"])
}

func TestStore_List(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("drivers/auth/ecobee_1", 1))
	require.NoError(t, s.Set("drivers/auth/ecobee_2", 2))
	require.NoError(t, s.Set("agents/tester", 3))

	assert.Equal(t, []string{"drivers/auth/ecobee_1", "drivers/auth/ecobee_2"}, s.List("drivers/auth/"))
	assert.Len(t, s.List(""), 3)
}

func TestStore_InvalidNames(t *testing.T) {
	s := NewStore()
	assert.Error(t, s.Set("", 1))
	assert.Error(t, s.Set("a//b", 1))
	assert.Error(t, s.Set("../escape", 1))
}

func TestStore_Closed(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Set("x", 1), ErrStoreClosed)
	assert.ErrorIs(t, s.Get("x", new(int)), ErrStoreClosed)
	assert.ErrorIs(t, s.Delete("x"), ErrStoreClosed)
}

func TestStore_Ping(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Ping())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(), ErrStoreClosed)
}

func TestFileBackend_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	s, err := NewStoreWithBackend(backend)
	require.NoError(t, err)
	require.NoError(t, s.Set("drivers/auth/ecobee_1", map[string]string{"ACCESS_TOKEN": "tok"}))

	// File exists at the mapped path.
	assert.FileExists(t, filepath.Join(dir, "drivers", "auth", "ecobee_1.json"))

	// A fresh store loads what the first one wrote.
	backend2, err := NewFileBackend(dir)
	require.NoError(t, err)
	s2, err := NewStoreWithBackend(backend2)
	require.NoError(t, err)

	var auth map[string]string
	require.NoError(t, s2.Get("drivers/auth/ecobee_1", &auth))
	assert.Equal(t, "tok", auth["ACCESS_TOKEN"])

	// Delete removes the file.
	require.NoError(t, s2.Delete("drivers/auth/ecobee_1"))
	assert.NoFileExists(t, filepath.Join(dir, "drivers", "auth", "ecobee_1.json"))
}

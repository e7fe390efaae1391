package ecobee

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbus-dev/gridbus/driver"
	"github.com/gridbus-dev/gridbus/pkg/configstore"
)

var validConfig = json.RawMessage(`{"api_key": "TEST_KEY", "device_id": 8675309}`)

func validRegistry() []driver.RegistryEntry {
	return []driver.RegistryEntry{
		{PointName: "hold1", Name: "testHold", Units: "%", Type: "hold", Writable: true, Readable: true},
		{PointName: "setting1", Name: "testSetting", Units: "degC", Type: "setting", Writable: false, Readable: true},
		{PointName: "testNoRead", Name: "testNoRead", Units: "degC", Type: "setting", Writable: true, Readable: false},
	}
}

var remoteResponse = json.RawMessage(`{
	"thermostatList": [
		{
			"identifier": 8675309,
			"settings": {"setting1": 0, "setting2": 1},
			"runtime": {"hold1": 0, "hold2": 1},
			"events": [
				{"test1": "test1", "type": "program"},
				{"test2": "test2", "type": "vacation"}
			],
			"equipmentStatus": "testEquip1,testEquip3"
		}
	]
}`)

type fakeRemote struct {
	authorizeCalls int
	requestCalls   int
	refreshCalls   int
	getCalls       int
	updates        []any
	response       json.RawMessage
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{response: remoteResponse}
}

func (f *fakeRemote) Authorize(ctx context.Context) (string, error) {
	f.authorizeCalls++
	return "test-auth-code", nil
}

func (f *fakeRemote) RequestTokens(ctx context.Context, authCode string) (Tokens, error) {
	f.requestCalls++
	if authCode == "" {
		return Tokens{}, errors.New("not authorized to request tokens")
	}
	return Tokens{AccessToken: "test-access", RefreshToken: "test-refresh"}, nil
}

func (f *fakeRemote) RefreshTokens(ctx context.Context, refreshToken string) (Tokens, error) {
	f.refreshCalls++
	if refreshToken == "" {
		return Tokens{}, errors.New("not authorized to refresh tokens")
	}
	return Tokens{AccessToken: "test-access", RefreshToken: "test-refresh"}, nil
}

func (f *fakeRemote) GetData(ctx context.Context, requestURL, accessToken string, params url.Values) (json.RawMessage, error) {
	f.getCalls++
	return f.response, nil
}

func (f *fakeRemote) PostUpdate(ctx context.Context, requestURL, accessToken string, params url.Values, body any) error {
	f.updates = append(f.updates, body)
	return nil
}

func newTestDriver(t *testing.T) (*Driver, *fakeRemote, *configstore.Store) {
	t.Helper()
	remote := newFakeRemote()
	store := configstore.NewStore()
	d := New(&Options{Remote: remote, ConfigStore: store})
	return d, remote, store
}

func configuredDriver(t *testing.T) (*Driver, *fakeRemote, *configstore.Store) {
	t.Helper()
	d, remote, store := newTestDriver(t)
	require.NoError(t, d.Configure(validConfig, validRegistry()))
	return d, remote, store
}

func clearCache(t *testing.T, d *Driver) {
	t.Helper()
	ctx := context.Background()
	keys, err := d.cache.Keys(ctx)
	require.NoError(t, err)
	for _, key := range keys {
		require.NoError(t, d.cache.Delete(ctx, key))
	}
}

func TestUpdateAuthorization_RequestTokens(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.auth = AuthConfig{AuthCode: "test-auth-code"}
	d.stage = StageRequestTokens

	require.NoError(t, d.updateAuthorization(context.Background()))
	assert.Equal(t, StageAuthorized, d.stage)
	assert.Equal(t, "test-access", d.auth.AccessToken)
	assert.Equal(t, "test-refresh", d.auth.RefreshToken)
}

func TestUpdateAuthorization_RequestTokensBadAuthCode(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.stage = StageRequestTokens

	err := d.updateAuthorization(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized to request tokens")
	assert.Empty(t, d.auth.AccessToken)
	assert.Empty(t, d.auth.RefreshToken)
}

func TestUpdateAuthorization_RefreshTokens(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.auth = AuthConfig{AuthCode: "test-auth-code", RefreshToken: "old-refresh"}
	d.stage = StageRefreshTokens

	require.NoError(t, d.updateAuthorization(context.Background()))
	assert.Equal(t, StageAuthorized, d.stage)
	assert.Equal(t, "test-access", d.auth.AccessToken)
}

// Refreshing needs only the refresh token, a missing auth code is fine.
func TestUpdateAuthorization_RefreshWithoutAuthCode(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.auth = AuthConfig{RefreshToken: "old-refresh"}
	d.stage = StageRefreshTokens

	require.NoError(t, d.updateAuthorization(context.Background()))
	assert.Empty(t, d.auth.AuthCode)
	assert.Equal(t, "test-access", d.auth.AccessToken)
	assert.Equal(t, "test-refresh", d.auth.RefreshToken)
}

func TestUpdateAuthorization_RefreshBadRefreshToken(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.auth = AuthConfig{AuthCode: "test-auth-code"}
	d.stage = StageRefreshTokens

	err := d.updateAuthorization(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized to refresh tokens")
	assert.Empty(t, d.auth.AccessToken)
	assert.Empty(t, d.auth.RefreshToken)
}

func registerNames(d *Driver) []string {
	var names []string
	for _, readOnly := range []bool{false, true} {
		for _, reg := range d.registers.ByType("byte", readOnly) {
			names = append(names, reg.PointName)
		}
	}
	return names
}

func TestConfigure_Success(t *testing.T) {
	d, remote, store := configuredDriver(t)

	assert.Equal(t, StageAuthorized, d.stage)
	assert.Equal(t, "test-access", d.auth.AccessToken)
	assert.Equal(t, "test-refresh", d.auth.RefreshToken)
	assert.Equal(t, "drivers/auth/ecobee_8675309", d.authPath)
	assert.Equal(t, 1, remote.authorizeCalls)
	assert.JSONEq(t, string(remoteResponse), string(d.data))

	assert.ElementsMatch(t,
		[]string{"testNoRead", "testSetting", "testHold", "Programs", "Vacations", "Status"},
		registerNames(d))

	// Tokens are persisted for the next process lifetime.
	var stored AuthConfig
	require.NoError(t, store.Get(d.authPath, &stored))
	assert.Equal(t, "test-access", stored.AccessToken)
}

// A stored refresh token short-circuits the PIN flow on reconfigure.
func TestConfigure_ResumesFromStoredAuth(t *testing.T) {
	d, remote, store := newTestDriver(t)
	require.NoError(t, store.Set("drivers/auth/ecobee_8675309", AuthConfig{RefreshToken: "stored-refresh"}))

	require.NoError(t, d.Configure(validConfig, validRegistry()))
	assert.Equal(t, 0, remote.authorizeCalls)
	assert.Equal(t, 1, remote.refreshCalls)
	assert.Equal(t, StageAuthorized, d.stage)
}

func TestConfigure_InvalidDeviceID(t *testing.T) {
	d, _, _ := newTestDriver(t)

	err := d.Configure(json.RawMessage(`{"api_key": "TEST_KEY", "device_id": "woops"}`), validRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires device identifier as int")
}

func TestConfigure_MissingAPIKey(t *testing.T) {
	d, _, _ := newTestDriver(t)

	err := d.Configure(json.RawMessage(`{"device_id": 8675309}`), validRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an api key")
}

func TestConfigure_InvalidRegistryRows(t *testing.T) {
	d, _, _ := newTestDriver(t)

	// A row without a vendor point name builds no register but raises no
	// error either.
	registry := []driver.RegistryEntry{
		{Name: "testHold", Units: "%", Type: "hold", Writable: true, Readable: true},
		validRegistry()[1],
	}
	require.NoError(t, d.Configure(validConfig, registry))
	assert.ElementsMatch(t,
		[]string{"testSetting", "Programs", "Vacations", "Status"},
		registerNames(d))

	// Same for a row with an unsupported type.
	registry = []driver.RegistryEntry{
		{PointName: "hold1", Name: "testHold", Units: "%", Type: "test", Writable: true, Readable: true},
		validRegistry()[1],
	}
	require.NoError(t, d.Configure(validConfig, registry))
	assert.ElementsMatch(t,
		[]string{"testSetting", "Programs", "Vacations", "Status"},
		registerNames(d))
}

func cacheTimestamp(t *testing.T, d *Driver) int64 {
	t.Helper()
	entry, err := d.cache.Get(context.Background(), ThermostatURL)
	require.NoError(t, err)
	return entry.RequestTimestamp.UnixNano()
}

func TestGetThermostatData(t *testing.T) {
	d, _, _ := configuredDriver(t)
	ctx := context.Background()
	curr := cacheTimestamp(t, d)

	// Fresh cache entries are served as-is.
	require.NoError(t, d.getThermostatData(ctx))
	assert.JSONEq(t, string(remoteResponse), string(d.data))
	assert.Equal(t, curr, cacheTimestamp(t, d))

	// A cleared cache forces a remote fetch with a newer timestamp.
	d.data = nil
	clearCache(t, d)
	require.NoError(t, d.getThermostatData(ctx))
	assert.JSONEq(t, string(remoteResponse), string(d.data))
	refreshed := cacheTimestamp(t, d)
	assert.Greater(t, refreshed, curr)
	curr = refreshed

	// An expired access token is refreshed on the way to the data.
	d.auth.AccessToken = ""
	d.stage = StageRefreshTokens
	d.data = nil
	clearCache(t, d)
	require.NoError(t, d.getThermostatData(ctx))
	assert.JSONEq(t, string(remoteResponse), string(d.data))
	assert.Equal(t, "test-access", d.auth.AccessToken)
	refreshed = cacheTimestamp(t, d)
	assert.Greater(t, refreshed, curr)

	// Same when the whole token pair has to be requested again.
	d.auth.AccessToken = ""
	d.auth.RefreshToken = ""
	d.stage = StageRequestTokens
	d.data = nil
	clearCache(t, d)
	require.NoError(t, d.getThermostatData(ctx))
	assert.JSONEq(t, string(remoteResponse), string(d.data))
	assert.Equal(t, "test-access", d.auth.AccessToken)
	assert.Equal(t, "test-refresh", d.auth.RefreshToken)

	// And the result is cached again.
	curr = cacheTimestamp(t, d)
	require.NoError(t, d.getThermostatData(ctx))
	assert.Equal(t, curr, cacheTimestamp(t, d))
}

func TestGetThermostatData_NoAuth(t *testing.T) {
	d, _, _ := configuredDriver(t)
	d.auth = AuthConfig{}
	d.data = nil
	clearCache(t, d)

	err := d.getThermostatData(context.Background())
	require.Error(t, err)
	assert.Nil(t, d.data)
}

func TestGetPoint(t *testing.T) {
	cases := []struct {
		point string
		want  any
	}{
		{"testSetting", float64(0)},
		{"testHold", float64(0)},
		{"Programs", []map[string]any{{"test1": "test1", "type": "program"}}},
		{"Vacations", []map[string]any{{"test2": "test2", "type": "vacation"}}},
		{"Status", []string{"testEquip1", "testEquip3"}},
	}

	for _, tc := range cases {
		t.Run(tc.point, func(t *testing.T) {
			d, _, _ := configuredDriver(t)
			ctx := context.Background()

			value, err := d.GetPoint(ctx, tc.point)
			require.NoError(t, err)
			assert.Equal(t, tc.want, value)

			// Losing the payload in hand forces a refresh, not an error.
			d.data = nil
			value, err = d.GetPoint(ctx, tc.point)
			require.NoError(t, err)
			assert.Equal(t, tc.want, value)
		})
	}
}

func TestGetPoint_EmptyValues(t *testing.T) {
	d, _, _ := configuredDriver(t)
	d.data = json.RawMessage(`{
		"thermostatList": [
			{
				"identifier": 8675309,
				"settings": {"setting1": 0},
				"runtime": {"hold1": 0},
				"events": [],
				"equipmentStatus": ""
			}
		]
	}`)
	ctx := context.Background()

	status, err := d.GetPoint(ctx, "Status")
	require.NoError(t, err)
	assert.Equal(t, []string{}, status)

	vacations, err := d.GetPoint(ctx, "Vacations")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{}, vacations)

	programs, err := d.GetPoint(ctx, "Programs")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{}, programs)
}

func TestGetPoint_WriteOnly(t *testing.T) {
	registry := []driver.RegistryEntry{
		{PointName: "hold1", Name: "testHold", Units: "%", Type: "hold", Writable: true, Readable: true},
		{PointName: "setting1", Name: "testSetting", Units: "degC", Type: "setting", Writable: false, Readable: true},
		{PointName: "hold2", Name: "testHoldNoRead", Units: "%", Type: "hold", Writable: true, Readable: false},
		{PointName: "setting2", Name: "testSettingNoRead", Units: "degC", Type: "setting", Writable: false, Readable: false},
	}
	d, _, _ := newTestDriver(t)
	require.NoError(t, d.Configure(validConfig, registry))
	ctx := context.Background()

	value, err := d.GetPoint(ctx, "testHold")
	require.NoError(t, err)
	assert.Equal(t, float64(0), value)

	value, err = d.GetPoint(ctx, "testSetting")
	require.NoError(t, err)
	assert.Equal(t, float64(0), value)

	_, err = d.GetPoint(ctx, "testHoldNoRead")
	assert.EqualError(t, err, "requested read of write-only point testHoldNoRead")

	_, err = d.GetPoint(ctx, "testSettingNoRead")
	assert.EqualError(t, err, "requested read of write-only point testSettingNoRead")
}

func TestGetPoint_MalformedData(t *testing.T) {
	malformed := []json.RawMessage{
		json.RawMessage(`{}`),
		json.RawMessage(`{"thermostatsList": [{"identifier": 8675309}]}`),
		json.RawMessage(`{"thermostatsList": [{"identifier": 8675309, "settings": {}, "runtime": {}, "events": [""]}]}`),
	}
	cases := []struct {
		point string
		want  any
	}{
		{"testSetting", float64(0)},
		{"testHold", float64(0)},
		{"Programs", []map[string]any{{"test1": "test1", "type": "program"}}},
		{"Vacations", []map[string]any{{"test2": "test2", "type": "vacation"}}},
		{"Status", []string{"testEquip1", "testEquip3"}},
	}

	for _, tc := range cases {
		t.Run(tc.point, func(t *testing.T) {
			d, _, _ := configuredDriver(t)
			ctx := context.Background()
			curr := cacheTimestamp(t, d)

			// Every malformed payload triggers one forced refresh, which
			// bumps the cache timestamp and serves the point anyway.
			for _, payload := range malformed {
				d.data = payload
				value, err := d.GetPoint(ctx, tc.point)
				require.NoError(t, err)
				assert.Equal(t, tc.want, value)

				refreshed := cacheTimestamp(t, d)
				assert.Greater(t, refreshed, curr)
				curr = refreshed
			}
		})
	}
}

func TestScrapeAll(t *testing.T) {
	d, _, _ := configuredDriver(t)

	result, err := d.ScrapeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"testSetting": float64(0),
		"testHold":    float64(0),
		"Status":      []string{"testEquip1", "testEquip3"},
		"Vacations":   []map[string]any{{"test2": "test2", "type": "vacation"}},
		"Programs":    []map[string]any{{"test1": "test1", "type": "program"}},
	}, result)
}

func TestScrapeAll_TriggersRefresh(t *testing.T) {
	d, remote, _ := configuredDriver(t)
	d.data = nil
	clearCache(t, d)
	fetched := remote.getCalls

	result, err := d.ScrapeAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, result, 5)
	assert.Equal(t, fetched+1, remote.getCalls)
}

func TestSetPoint(t *testing.T) {
	d, remote, _ := configuredDriver(t)
	ctx := context.Background()

	value, err := d.SetPoint(ctx, "testHold", 1)
	require.NoError(t, err)
	// The returned value reflects the device's view after the write.
	assert.Equal(t, float64(0), value)
	require.Len(t, remote.updates, 1)

	body, ok := remote.updates[0].(map[string]any)
	require.True(t, ok)
	functions, ok := body["functions"].([]any)
	require.True(t, ok)
	require.Len(t, functions, 1)
	fn := functions[0].(map[string]any)
	assert.Equal(t, "setHold", fn["type"])
	params := fn["params"].(map[string]any)
	assert.Equal(t, "nextTransition", params["holdType"])
	assert.Equal(t, 1, params["hold1"])
}

func TestSetPoint_Setting(t *testing.T) {
	registry := []driver.RegistryEntry{
		{PointName: "setting1", Name: "testSetting", Units: "degC", Type: "setting", Writable: true, Readable: true},
	}
	d, remote, _ := newTestDriver(t)
	require.NoError(t, d.Configure(validConfig, registry))
	ctx := context.Background()

	value, err := d.SetPoint(ctx, "testSetting", 1)
	require.NoError(t, err)
	// The returned value reflects the device's view after the write.
	assert.Equal(t, float64(0), value)

	require.Len(t, remote.updates, 1)
	assert.Equal(t, map[string]any{
		"thermostat": map[string]any{
			"settings": map[string]any{"setting1": 1},
		},
	}, remote.updates[0])
}

func TestSetPoint_ReadOnly(t *testing.T) {
	d, _, _ := configuredDriver(t)

	_, err := d.SetPoint(context.Background(), "testSetting", 1)
	assert.EqualError(t, err, "trying to write to a point configured read only: testSetting")

	_, err = d.SetPoint(context.Background(), "Status", 1)
	assert.EqualError(t, err, "trying to write to a point configured read only: Status")
}

func TestCreateVacation(t *testing.T) {
	d, remote, _ := configuredDriver(t)
	ctx := context.Background()

	err := d.CreateVacation(ctx, map[string]any{"name": "trip"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required vacation parameter")

	params := map[string]any{
		"name": "trip", "coolHoldTemp": 780, "heatHoldTemp": 660,
		"startDate": "2026-09-01", "startTime": "08:00:00",
		"endDate": "2026-09-07", "endTime": "18:00:00",
	}
	require.NoError(t, d.CreateVacation(ctx, params))
	require.Len(t, remote.updates, 1)
}

func TestRevert(t *testing.T) {
	d, remote, _ := configuredDriver(t)
	ctx := context.Background()

	err := d.RevertPoint(ctx, "testSetting")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revert not supported")

	require.NoError(t, d.RevertPoint(ctx, "testHold"))
	require.NoError(t, d.RevertAll(ctx))
	assert.Len(t, remote.updates, 2)
}

func TestDriverRegistration(t *testing.T) {
	d, err := driver.New("ecobee")
	require.NoError(t, err)
	assert.IsType(t, &Driver{}, d)
}

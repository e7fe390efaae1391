// Package ecobee implements the thermostat driver. It speaks the vendor's
// cloud API with PIN-based OAuth, keeps tokens in the platform config
// store, and answers point reads from a URL-keyed response cache so that
// frequent polling stays inside the vendor's request budget.
package ecobee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gridbus-dev/gridbus/driver"
	"github.com/gridbus-dev/gridbus/pkg/cache"
	"github.com/gridbus-dev/gridbus/pkg/configstore"
	"github.com/gridbus-dev/gridbus/pkg/observability"
)

const driverType = "ecobee"

// AuthConfigPath is the config store path holding a device's tokens.
const AuthConfigPath = "drivers/auth/ecobee_%d"

const defaultCacheExpiry = 60 * time.Second

// AuthStage tracks where the driver is in the vendor's PIN OAuth flow.
type AuthStage string

const (
	StageUnauthorized  AuthStage = "UNAUTHORIZED"
	StageRequestTokens AuthStage = "REQUEST_TOKENS"
	StageRefreshTokens AuthStage = "REFRESH_TOKENS"
	StageAuthorized    AuthStage = "AUTHORIZED"
)

// Config holds the thermostat driver's settings.
type Config struct {
	// APIKey is the vendor developer application key.
	APIKey string `json:"api_key"`

	// DeviceID is the thermostat serial number. It must be an integer.
	DeviceID any `json:"device_id"`

	// CacheExpirySeconds bounds how long a cached vendor response is
	// served before going back to the vendor. Defaults to 60.
	CacheExpirySeconds int `json:"cache_expiry_seconds,omitempty"`
}

// AuthConfig is the token blob persisted to the config store.
type AuthConfig struct {
	AuthCode     string `json:"AUTH_CODE"`
	AccessToken  string `json:"ACCESS_TOKEN"`
	RefreshToken string `json:"REFRESH_TOKEN"`
}

type pointKind int

const (
	kindSetting pointKind = iota
	kindHold
	kindPrograms
	kindVacations
	kindStatus
)

type point struct {
	vendor string
	kind   pointKind
}

// Driver is the thermostat driver.
type Driver struct {
	mu sync.Mutex

	remote    Remote
	cache     cache.Store
	confStore *configstore.Store

	apiKey      string
	deviceID    int64
	cacheExpiry time.Duration
	authPath    string

	stage AuthStage
	auth  AuthConfig

	registers *driver.Registers
	points    map[string]point

	// data is the last vendor payload in hand, parsed lazily on each
	// point read so malformed payloads surface as read errors.
	data json.RawMessage
}

func init() {
	driver.RegisterDriver(driverType, func() driver.Interface { return New(nil) })
}

// Options injects collaborators. Zero fields get production defaults.
type Options struct {
	Remote      Remote
	Cache       cache.Store
	ConfigStore *configstore.Store
}

// New creates an unconfigured thermostat driver.
func New(opts *Options) *Driver {
	d := &Driver{
		stage:     StageUnauthorized,
		registers: driver.NewRegisters(),
		points:    make(map[string]point),
	}
	if opts != nil {
		d.remote = opts.Remote
		d.cache = opts.Cache
		d.confStore = opts.ConfigStore
	}
	if d.cache == nil {
		d.cache = cache.NewMemoryStore()
	}
	return d
}

// UseCache replaces the response cache. Called by the hosting agent before
// Configure when a shared cache backend is configured.
func (d *Driver) UseCache(store cache.Store) { d.cache = store }

// UseConfigStore attaches the config store used for token persistence.
func (d *Driver) UseConfigStore(store *configstore.Store) { d.confStore = store }

// Configure parses the driver config, builds the point registers,
// establishes vendor authorization and pulls an initial payload.
func (d *Driver) Configure(config json.RawMessage, registry []driver.RegistryEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("parse thermostat driver config: %w", err)
	}
	if cfg.APIKey == "" {
		return errors.New("thermostat driver requires an api key")
	}

	deviceID, err := deviceIDAsInt(cfg.DeviceID)
	if err != nil {
		return err
	}

	d.apiKey = cfg.APIKey
	d.deviceID = deviceID
	d.authPath = fmt.Sprintf(AuthConfigPath, deviceID)
	d.cacheExpiry = defaultCacheExpiry
	if cfg.CacheExpirySeconds > 0 {
		d.cacheExpiry = time.Duration(cfg.CacheExpirySeconds) * time.Second
	}
	if d.remote == nil {
		d.remote = newHTTPRemote(cfg.APIKey)
	}

	if err := d.buildRegisters(registry); err != nil {
		return err
	}

	ctx := context.Background()
	if err := d.establishAuthorization(ctx); err != nil {
		return err
	}
	return d.getThermostatData(ctx)
}

func deviceIDAsInt(v any) (int64, error) {
	switch id := v.(type) {
	case int:
		return int64(id), nil
	case int64:
		return id, nil
	case float64:
		if id == float64(int64(id)) {
			return int64(id), nil
		}
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("thermostat driver requires device identifier as int, got: %v", v)
}

// buildRegisters turns registry rows into registers. Rows without a vendor
// point name or with an unknown type are skipped without error. Three
// derived read-only points are always added on top of the registry.
func (d *Driver) buildRegisters(registry []driver.RegistryEntry) error {
	d.registers = driver.NewRegisters()
	d.points = make(map[string]point)

	for _, entry := range registry {
		if entry.PointName == "" {
			continue
		}

		var kind pointKind
		switch entry.Type {
		case "setting":
			kind = kindSetting
		case "hold":
			kind = kindHold
		default:
			log.Printf("[ecobee] skipping point %s with unsupported type %q", entry.BusName(), entry.Type)
			continue
		}

		reg := &driver.Register{
			Type:      "byte",
			PointName: entry.BusName(),
			Units:     entry.Units,
			ReadOnly:  !bool(entry.Writable),
			Readable:  bool(entry.Readable),
		}
		if err := d.registers.Insert(reg); err != nil {
			return err
		}
		d.points[reg.PointName] = point{vendor: entry.PointName, kind: kind}
	}

	derived := map[string]pointKind{
		"Programs":  kindPrograms,
		"Vacations": kindVacations,
		"Status":    kindStatus,
	}
	for name, kind := range derived {
		reg := &driver.Register{Type: "byte", PointName: name, ReadOnly: true, Readable: true}
		if err := d.registers.Insert(reg); err != nil {
			return err
		}
		d.points[name] = point{kind: kind}
	}
	return nil
}

// establishAuthorization resumes from stored tokens where possible,
// otherwise starts the PIN flow from scratch.
func (d *Driver) establishAuthorization(ctx context.Context) error {
	if stored := d.authFromStore(); stored != nil {
		d.auth = *stored
		switch {
		case stored.RefreshToken != "":
			d.stage = StageRefreshTokens
		case stored.AuthCode != "":
			d.stage = StageRequestTokens
		default:
			d.stage = StageUnauthorized
		}
	} else {
		d.stage = StageUnauthorized
	}
	return d.updateAuthorization(ctx)
}

func (d *Driver) authFromStore() *AuthConfig {
	if d.confStore == nil {
		return nil
	}
	var auth AuthConfig
	if err := d.confStore.Get(d.authPath, &auth); err != nil {
		return nil
	}
	return &auth
}

// updateAuthorization advances the auth state machine as far as it can.
// Requesting tokens needs an authorization code; refreshing needs only the
// refresh token. A failed exchange leaves the stored tokens untouched.
func (d *Driver) updateAuthorization(ctx context.Context) error {
	if d.stage == StageUnauthorized {
		code, err := d.remote.Authorize(ctx)
		if err != nil {
			return err
		}
		d.auth.AuthCode = code
		d.stage = StageRequestTokens
	}
	if d.stage == StageRequestTokens {
		tokens, err := d.remote.RequestTokens(ctx, d.auth.AuthCode)
		if err != nil {
			return err
		}
		d.auth.AccessToken = tokens.AccessToken
		d.auth.RefreshToken = tokens.RefreshToken
		d.stage = StageAuthorized
	}
	if d.stage == StageRefreshTokens {
		tokens, err := d.remote.RefreshTokens(ctx, d.auth.RefreshToken)
		if err != nil {
			return err
		}
		d.auth.AccessToken = tokens.AccessToken
		d.auth.RefreshToken = tokens.RefreshToken
		d.stage = StageAuthorized
	}
	return d.persistAuth()
}

func (d *Driver) persistAuth() error {
	if d.confStore == nil || d.authPath == "" {
		return nil
	}
	if err := d.confStore.Set(d.authPath, d.auth); err != nil {
		return fmt.Errorf("persist auth tokens: %w", err)
	}
	return nil
}

// getThermostatData serves the last vendor payload from cache when it is
// still fresh, otherwise goes back to the vendor.
func (d *Driver) getThermostatData(ctx context.Context) error {
	entry, err := d.cache.Get(ctx, ThermostatURL)
	if err == nil && entry.Fresh(d.cacheExpiry, time.Now()) {
		observability.RecordCacheHit()
		d.data = entry.Payload
		return nil
	}
	observability.RecordCacheMiss()
	return d.refreshThermostatData(ctx)
}

// refreshThermostatData always goes to the vendor and rewrites the cache
// entry with a new request timestamp.
func (d *Driver) refreshThermostatData(ctx context.Context) error {
	body, err := d.getDataRemote(ctx, ThermostatURL)
	if err != nil {
		return err
	}
	d.data = body

	entry := &cache.Entry{Payload: body, RequestTimestamp: time.Now().UTC()}
	if err := d.cache.Put(ctx, ThermostatURL, entry); err != nil {
		log.Printf("[ecobee] failed to cache thermostat data: %v", err)
	}
	return nil
}

func (d *Driver) getDataRemote(ctx context.Context, requestURL string) (json.RawMessage, error) {
	if d.stage != StageAuthorized || d.auth.AccessToken == "" {
		if err := d.updateAuthorization(ctx); err != nil {
			return nil, err
		}
	}
	if d.stage != StageAuthorized || d.auth.AccessToken == "" {
		return nil, errors.New("failed to get remote thermostat data")
	}

	body, err := d.remote.GetData(ctx, requestURL, d.auth.AccessToken, d.selection())
	if errors.Is(err, ErrStaleToken) {
		d.stage = StageRefreshTokens
		if err := d.updateAuthorization(ctx); err != nil {
			return nil, err
		}
		body, err = d.remote.GetData(ctx, requestURL, d.auth.AccessToken, d.selection())
	}
	return body, err
}

func (d *Driver) selection() url.Values {
	sel := map[string]any{
		"selection": map[string]any{
			"selectionType":          "thermostats",
			"selectionMatch":         strconv.FormatInt(d.deviceID, 10),
			"includeSettings":        true,
			"includeRuntime":         true,
			"includeEvents":          true,
			"includeEquipmentStatus": true,
		},
	}
	data, _ := json.Marshal(sel)

	params := url.Values{}
	params.Set("json", string(data))
	return params
}

type thermostatPayload struct {
	ThermostatList []thermostatRecord `json:"thermostatList"`
}

type thermostatRecord struct {
	Identifier      json.Number      `json:"identifier"`
	Settings        map[string]any   `json:"settings"`
	Runtime         map[string]any   `json:"runtime"`
	Events          []map[string]any `json:"events"`
	EquipmentStatus string           `json:"equipmentStatus"`
}

func (d *Driver) thermostat() (*thermostatRecord, error) {
	if len(d.data) == 0 {
		return nil, errors.New("no thermostat data available")
	}

	var payload thermostatPayload
	if err := json.Unmarshal(d.data, &payload); err != nil {
		return nil, fmt.Errorf("malformed thermostat data: %w", err)
	}

	want := strconv.FormatInt(d.deviceID, 10)
	for i := range payload.ThermostatList {
		if payload.ThermostatList[i].Identifier.String() == want {
			return &payload.ThermostatList[i], nil
		}
	}
	return nil, fmt.Errorf("no thermostat data for device %d", d.deviceID)
}

func (d *Driver) pointValue(name string) (any, error) {
	pt, ok := d.points[name]
	if !ok {
		return nil, fmt.Errorf("point %s not configured on this device", name)
	}

	therm, err := d.thermostat()
	if err != nil {
		return nil, err
	}

	switch pt.kind {
	case kindSetting:
		value, ok := therm.Settings[pt.vendor]
		if !ok {
			return nil, fmt.Errorf("no value for point %s", name)
		}
		return value, nil
	case kindHold:
		value, ok := therm.Runtime[pt.vendor]
		if !ok {
			return nil, fmt.Errorf("no value for point %s", name)
		}
		return value, nil
	case kindPrograms:
		return eventsOfType(therm.Events, "program"), nil
	case kindVacations:
		return eventsOfType(therm.Events, "vacation"), nil
	case kindStatus:
		return statusList(therm.EquipmentStatus), nil
	}
	return nil, fmt.Errorf("no value for point %s", name)
}

func eventsOfType(events []map[string]any, eventType string) []map[string]any {
	matched := make([]map[string]any, 0)
	for _, event := range events {
		if event["type"] == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func statusList(equipmentStatus string) []string {
	if equipmentStatus == "" {
		return []string{}
	}
	return strings.Split(equipmentStatus, ",")
}

// GetPoint reads a point from the payload in hand. A payload that cannot
// serve the point is treated as stale: the driver forces one refresh from
// the vendor and reads again.
func (d *Driver) GetPoint(ctx context.Context, pointName string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getPoint(ctx, pointName)
}

func (d *Driver) getPoint(ctx context.Context, pointName string) (any, error) {
	reg, err := d.registers.ByName(pointName)
	if err != nil {
		return nil, err
	}
	if !reg.Readable {
		return nil, fmt.Errorf("requested read of write-only point %s", pointName)
	}

	value, err := d.pointValue(pointName)
	if err != nil {
		if rerr := d.refreshThermostatData(ctx); rerr != nil {
			return nil, rerr
		}
		return d.pointValue(pointName)
	}
	return value, nil
}

// SetPoint writes a point through the vendor API and refreshes the local
// payload so subsequent reads see the device's view of the write.
func (d *Driver) SetPoint(ctx context.Context, pointName string, value any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, err := d.registers.ByName(pointName)
	if err != nil {
		return nil, err
	}
	if reg.ReadOnly {
		return nil, fmt.Errorf("trying to write to a point configured read only: %s", pointName)
	}

	pt := d.points[pointName]
	switch pt.kind {
	case kindSetting:
		body := map[string]any{
			"thermostat": map[string]any{
				"settings": map[string]any{pt.vendor: value},
			},
		}
		err = d.postUpdate(ctx, body)
	case kindHold:
		body := map[string]any{
			"functions": []any{
				map[string]any{
					"type": "setHold",
					"params": map[string]any{
						"holdType": "nextTransition",
						pt.vendor:  value,
					},
				},
			},
		}
		err = d.postUpdate(ctx, body)
	default:
		return nil, fmt.Errorf("point %s does not support writes", pointName)
	}
	if err != nil {
		return nil, err
	}

	if rerr := d.refreshThermostatData(ctx); rerr != nil {
		log.Printf("[ecobee] refresh after write failed: %v", rerr)
		return value, nil
	}
	if reg.Readable {
		if current, verr := d.pointValue(pointName); verr == nil {
			return current, nil
		}
	}
	return value, nil
}

func (d *Driver) postUpdate(ctx context.Context, body any) error {
	if d.stage != StageAuthorized || d.auth.AccessToken == "" {
		if err := d.updateAuthorization(ctx); err != nil {
			return err
		}
	}

	params := url.Values{}
	params.Set("format", "json")

	err := d.remote.PostUpdate(ctx, ThermostatURL, d.auth.AccessToken, params, body)
	if errors.Is(err, ErrStaleToken) {
		d.stage = StageRefreshTokens
		if err := d.updateAuthorization(ctx); err != nil {
			return err
		}
		err = d.remote.PostUpdate(ctx, ThermostatURL, d.auth.AccessToken, params, body)
	}
	return err
}

// ScrapeAll reads every readable point. The vendor is consulted at most
// once for the whole pass, stale cache included.
func (d *Driver) ScrapeAll(ctx context.Context) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scrapeAll(ctx)
}

func (d *Driver) scrapeAll(ctx context.Context) (map[string]any, error) {
	if err := d.getThermostatData(ctx); err != nil {
		return nil, err
	}

	result := make(map[string]any)
	refreshed := false
	for _, readOnly := range []bool{false, true} {
		for _, reg := range d.registers.ByType("byte", readOnly) {
			if !reg.Readable {
				continue
			}
			value, err := d.pointValue(reg.PointName)
			if err != nil && !refreshed {
				if rerr := d.refreshThermostatData(ctx); rerr != nil {
					return nil, rerr
				}
				refreshed = true
				value, err = d.pointValue(reg.PointName)
			}
			if err != nil {
				return nil, err
			}
			result[reg.PointName] = value
		}
	}
	return result, nil
}

var vacationRequiredParams = []string{
	"name", "coolHoldTemp", "heatHoldTemp",
	"startDate", "startTime", "endDate", "endTime",
}

// CreateVacation schedules a vacation event on the thermostat.
func (d *Driver) CreateVacation(ctx context.Context, params map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, key := range vacationRequiredParams {
		if _, ok := params[key]; !ok {
			return fmt.Errorf("missing required vacation parameter %s", key)
		}
	}

	body := map[string]any{
		"functions": []any{
			map[string]any{"type": "createVacation", "params": params},
		},
	}
	return d.postUpdate(ctx, body)
}

// DeleteVacation removes a vacation event by name.
func (d *Driver) DeleteVacation(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	body := map[string]any{
		"functions": []any{
			map[string]any{"type": "deleteVacation", "params": map[string]any{"name": name}},
		},
	}
	return d.postUpdate(ctx, body)
}

// ResumeProgram cancels the current hold and resumes the scheduled
// program. With resumeAll the whole event stack is cleared.
func (d *Driver) ResumeProgram(ctx context.Context, resumeAll bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumeProgram(ctx, resumeAll)
}

func (d *Driver) resumeProgram(ctx context.Context, resumeAll bool) error {
	body := map[string]any{
		"functions": []any{
			map[string]any{
				"type":   "resumeProgram",
				"params": map[string]any{"resumeAll": strconv.FormatBool(resumeAll)},
			},
		},
	}
	return d.postUpdate(ctx, body)
}

// RevertPoint cancels the hold behind a hold-type point. Settings have no
// device-side default to restore.
func (d *Driver) RevertPoint(ctx context.Context, pointName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pt, ok := d.points[pointName]
	if !ok {
		return fmt.Errorf("point %s not configured on this device", pointName)
	}
	if pt.kind != kindHold {
		return fmt.Errorf("revert not supported for point %s", pointName)
	}
	return d.resumeProgram(ctx, false)
}

// RevertAll clears the thermostat's whole event stack.
func (d *Driver) RevertAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumeProgram(ctx, true)
}

// Package agents contains the platform's agent roles: the platform driver
// hosting device drivers, the historian recording device topics, the
// listener and the integration tester. Each role registers its factory from
// init, so importing the package is enough to make the roles available.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gridbus-dev/gridbus/driver"
	"github.com/gridbus-dev/gridbus/internal/agent"
	tracing "github.com/gridbus-dev/gridbus/internal/observability"
	"github.com/gridbus-dev/gridbus/pkg/cache"
	"github.com/gridbus-dev/gridbus/pkg/configstore"
	"github.com/gridbus-dev/gridbus/pkg/observability"
)

// DeviceTopicPrefix is the topic prefix all device publishes fall under.
const DeviceTopicPrefix = "devices/"

// DeviceConfig describes one device hosted by the platform driver.
type DeviceConfig struct {
	// Path is the device's bus path (e.g. "campus/building/thermostat").
	Path string `json:"path"`

	// DriverType selects the driver implementation ("ecobee", "fake").
	DriverType string `json:"driver_type"`

	// Interval is the polling interval as a duration string. Defaults
	// to one minute.
	Interval string `json:"interval,omitempty"`

	// Config is the driver-specific config blob.
	Config json.RawMessage `json:"config,omitempty"`

	// Registry is the inline point registry.
	Registry []driver.RegistryEntry `json:"registry,omitempty"`

	// RegistryRef names a config store entry holding the registry,
	// used instead of an inline Registry.
	RegistryRef string `json:"registry_ref,omitempty"`
}

type hostedDevice struct {
	cfg      DeviceConfig
	drv      driver.Interface
	interval time.Duration
	entryID  cron.EntryID
}

// PlatformDriver hosts device drivers, polls them on their configured
// intervals and publishes each scrape to "devices/<path>/all". Point reads
// and writes arrive as synchronous bus calls.
type PlatformDriver struct {
	def    agent.AgentDef
	rt     agent.Runtime
	cache  cache.Store
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	devices map[string]*hostedDevice
	ready   bool
}

func init() {
	agent.Register("platform.driver", func(d agent.AgentDef, rt agent.Runtime) (agent.Agent, error) {
		return NewPlatformDriver(d, rt)
	})
}

// NewPlatformDriver builds the platform driver from its definition. The
// "cache" block in the definition selects the response cache backend shared
// by all hosted drivers; without one each driver keeps its own in-memory
// cache.
func NewPlatformDriver(def agent.AgentDef, rt agent.Runtime) (*PlatformDriver, error) {
	p := &PlatformDriver{
		def:     def,
		rt:      rt,
		devices: make(map[string]*hostedDevice),
	}

	var cacheCfg struct {
		Backend  string `json:"backend"`
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	}
	if err := def.UnmarshalKey("cache", &cacheCfg); err != nil {
		return nil, err
	}
	switch cacheCfg.Backend {
	case "", "none":
	case "memory":
		p.cache = cache.NewMemoryStore()
	case "redis":
		store, err := cache.NewRedisStore(cache.RedisConfig{
			Addr:     cacheCfg.Addr,
			Password: cacheCfg.Password,
			DB:       cacheCfg.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect cache backend: %w", err)
		}
		p.cache = store
		observability.GetHealthChecker().RegisterCheck(observability.CacheCheck(store.Ping))
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cacheCfg.Backend)
	}

	return p, nil
}

func (p *PlatformDriver) Name() string { return p.def.Name }
func (p *PlatformDriver) Role() string { return p.def.Role }

func (p *PlatformDriver) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *PlatformDriver) Stop(ctx context.Context) error {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.cache != nil {
		_ = p.cache.Close()
	}
	return nil
}

// Start configures the devices from the agent definition and the config
// store, then runs the polling schedule until the context is canceled.
func (p *PlatformDriver) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	store, _ := configstore.FromContext(ctx)

	var devices []DeviceConfig
	if err := p.def.UnmarshalKey("devices", &devices); err != nil {
		return err
	}
	for _, cfg := range storedDeviceConfigs(store) {
		devices = append(devices, cfg)
	}

	p.cron = cron.New()
	for _, cfg := range devices {
		if err := p.addDevice(ctx, cfg, store); err != nil {
			log.Printf("[%s] failed to configure device %s: %v", p.def.Name, cfg.Path, err)
		}
	}
	p.cron.Start()

	if store != nil {
		store.Subscribe(DeviceTopicPrefix, []configstore.Action{configstore.ActionNew, configstore.ActionUpdate},
			func(name string, action configstore.Action, contents json.RawMessage) {
				p.onDeviceConfigChange(ctx, name, contents, store)
			})
	}

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()

	<-ctx.Done()
	return nil
}

// storedDeviceConfigs pulls device configs stored under "devices/" in the
// config store. The device path is the store name with the prefix stripped.
func storedDeviceConfigs(store *configstore.Store) map[string]DeviceConfig {
	configs := make(map[string]DeviceConfig)
	if store == nil {
		return configs
	}
	for _, name := range store.List(DeviceTopicPrefix) {
		var cfg DeviceConfig
		if err := store.Get(name, &cfg); err != nil {
			log.Printf("[platform.driver] bad device config %s: %v", name, err)
			continue
		}
		if cfg.Path == "" {
			cfg.Path = name[len(DeviceTopicPrefix):]
		}
		configs[name] = cfg
	}
	return configs
}

func (p *PlatformDriver) addDevice(ctx context.Context, cfg DeviceConfig, store *configstore.Store) error {
	if cfg.Path == "" {
		return fmt.Errorf("device config has no path")
	}

	drv, err := driver.New(cfg.DriverType)
	if err != nil {
		return err
	}

	if p.cache != nil {
		if aware, ok := drv.(interface{ UseCache(cache.Store) }); ok {
			aware.UseCache(p.cache)
		}
	}
	if store != nil {
		if aware, ok := drv.(interface{ UseConfigStore(*configstore.Store) }); ok {
			aware.UseConfigStore(store)
		}
	}

	registry := cfg.Registry
	if cfg.RegistryRef != "" {
		if store == nil {
			return fmt.Errorf("device %s references registry %s but no config store is attached", cfg.Path, cfg.RegistryRef)
		}
		if err := store.Get(cfg.RegistryRef, &registry); err != nil {
			return fmt.Errorf("load registry %s: %w", cfg.RegistryRef, err)
		}
	}

	if err := drv.Configure(cfg.Config, registry); err != nil {
		return fmt.Errorf("configure device %s: %w", cfg.Path, err)
	}

	interval := time.Minute
	if cfg.Interval != "" {
		interval, err = time.ParseDuration(cfg.Interval)
		if err != nil {
			return fmt.Errorf("device %s has invalid interval %q: %w", cfg.Path, cfg.Interval, err)
		}
	}

	dev := &hostedDevice{cfg: cfg, drv: drv, interval: interval}

	p.mu.Lock()
	if old, exists := p.devices[cfg.Path]; exists {
		p.cron.Remove(old.entryID)
	}
	p.devices[cfg.Path] = dev
	p.mu.Unlock()

	entryID, err := p.cron.AddFunc("@every "+interval.String(), func() {
		p.scrapeDevice(ctx, dev)
	})
	if err != nil {
		return fmt.Errorf("schedule device %s: %w", cfg.Path, err)
	}
	dev.entryID = entryID

	log.Printf("[%s] hosting device %s (%s driver, polling every %s)", p.def.Name, cfg.Path, cfg.DriverType, interval)
	return nil
}

func (p *PlatformDriver) onDeviceConfigChange(ctx context.Context, name string, contents json.RawMessage, store *configstore.Store) {
	// Token blobs and registries live under their own prefixes, only
	// react to device configs.
	var cfg DeviceConfig
	if err := json.Unmarshal(contents, &cfg); err != nil || cfg.DriverType == "" {
		return
	}
	if cfg.Path == "" {
		cfg.Path = name[len(DeviceTopicPrefix):]
	}

	log.Printf("[%s] reconfiguring device %s from config store", p.def.Name, cfg.Path)
	if err := p.addDevice(ctx, cfg, store); err != nil {
		log.Printf("[%s] reconfigure device %s failed: %v", p.def.Name, cfg.Path, err)
	}
}

func (p *PlatformDriver) scrapeDevice(ctx context.Context, dev *hostedDevice) {
	p.wg.Add(1)
	defer p.wg.Done()

	ctx, span := tracing.StartSpan(ctx, "driver.scrape_all", map[string]any{"device": dev.cfg.Path})
	start := time.Now()
	result, err := dev.drv.ScrapeAll(ctx)
	tracing.EndSpan(span, err)
	if err != nil {
		observability.RecordDriverScrape(dev.cfg.Path, "error", time.Since(start))
		log.Printf("[%s] scrape of %s failed: %v", p.def.Name, dev.cfg.Path, err)
		return
	}
	observability.RecordDriverScrape(dev.cfg.Path, "ok", time.Since(start))

	topic := DeviceTopicPrefix + dev.cfg.Path + "/all"
	msg := agent.NewMessage(topic, result).
		WithHeader("source", p.def.Name).
		WithHeader("device", dev.cfg.Path)
	if err := p.rt.Publish(topic, msg); err != nil {
		log.Printf("[%s] publish %s: %v", p.def.Name, topic, err)
	}
	observability.RecordBusPublish("devices")
}

type pointRequest struct {
	Device string `json:"device"`
	Point  string `json:"point,omitempty"`
	Value  any    `json:"value,omitempty"`
}

func (p *PlatformDriver) device(path string) (*hostedDevice, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	dev, ok := p.devices[path]
	if !ok {
		return nil, fmt.Errorf("no device configured at %s", path)
	}
	return dev, nil
}

// Execute serves synchronous point operations: get_point, set_point,
// scrape_all, revert_point, revert_all and list_devices.
func (p *PlatformDriver) Execute(ctx context.Context, input *agent.Message) (*agent.Message, error) {
	observability.RecordAgentMessage(p.def.Name, input.Type)

	if input.Type == "list_devices" {
		p.mu.RLock()
		paths := make([]string, 0, len(p.devices))
		for path := range p.devices {
			paths = append(paths, path)
		}
		p.mu.RUnlock()
		return agent.NewMessage("devices", paths), nil
	}

	var req pointRequest
	if err := input.UnmarshalPayload(&req); err != nil {
		return nil, fmt.Errorf("bad point request: %w", err)
	}

	dev, err := p.device(req.Device)
	if err != nil {
		return nil, err
	}

	switch input.Type {
	case "get_point":
		value, err := dev.drv.GetPoint(ctx, req.Point)
		if err != nil {
			observability.RecordPointRead(req.Device, "error")
			return nil, err
		}
		observability.RecordPointRead(req.Device, "ok")
		return agent.NewMessage("point_value", map[string]any{"point": req.Point, "value": value}), nil

	case "set_point":
		value, err := dev.drv.SetPoint(ctx, req.Point, req.Value)
		if err != nil {
			observability.RecordPointWrite(req.Device, "error")
			return nil, err
		}
		observability.RecordPointWrite(req.Device, "ok")
		return agent.NewMessage("point_value", map[string]any{"point": req.Point, "value": value}), nil

	case "scrape_all":
		result, err := dev.drv.ScrapeAll(ctx)
		if err != nil {
			return nil, err
		}
		return agent.NewMessage("scrape_result", result), nil

	case "revert_point":
		if err := dev.drv.RevertPoint(ctx, req.Point); err != nil {
			return nil, err
		}
		return agent.NewMessage("reverted", map[string]any{"point": req.Point}), nil

	case "revert_all":
		if err := dev.drv.RevertAll(ctx); err != nil {
			return nil, err
		}
		return agent.NewMessage("reverted", map[string]any{"device": req.Device}), nil
	}

	return nil, &agent.NotImplementedError{AgentName: p.def.Name, Method: input.Type}
}

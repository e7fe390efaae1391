// Package fake implements an in-memory device driver used for platform
// testing. Points live in a map, writes are reflected immediately, and
// reverts restore the registry defaults.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gridbus-dev/gridbus/driver"
)

func init() {
	driver.RegisterDriver("fake", func() driver.Interface { return New() })
}

// Config holds the fake driver's settings.
type Config struct {
	// ScrapeError, when set, makes every ScrapeAll fail with this message.
	// Used to exercise error paths in the platform driver.
	ScrapeError string `json:"scrape_error,omitempty"`
}

// Driver serves points from memory.
type Driver struct {
	mu       sync.RWMutex
	cfg      Config
	regs     *driver.Registers
	values   map[string]any
	defaults map[string]any
}

// New creates an unconfigured fake driver.
func New() *Driver {
	return &Driver{
		regs:     driver.NewRegisters(),
		values:   make(map[string]any),
		defaults: make(map[string]any),
	}
}

// Configure loads registry entries. Entries without a vendor point name are
// skipped.
func (d *Driver) Configure(config json.RawMessage, registry []driver.RegistryEntry) error {
	var cfg Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("parse fake driver config: %w", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = cfg
	d.regs = driver.NewRegisters()
	d.values = make(map[string]any)
	d.defaults = make(map[string]any)

	for _, entry := range registry {
		if entry.PointName == "" {
			continue
		}
		reg := &driver.Register{
			Type:      "byte",
			PointName: entry.BusName(),
			Units:     entry.Units,
			ReadOnly:  !bool(entry.Writable),
			Readable:  bool(entry.Readable),
		}
		if err := d.regs.Insert(reg); err != nil {
			return err
		}
		d.values[reg.PointName] = entry.Default
		d.defaults[reg.PointName] = entry.Default
	}
	return nil
}

func (d *Driver) GetPoint(ctx context.Context, pointName string) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	reg, err := d.regs.ByName(pointName)
	if err != nil {
		return nil, err
	}
	if !reg.Readable {
		return nil, fmt.Errorf("requested read of write-only point %s", pointName)
	}
	return d.values[pointName], nil
}

func (d *Driver) SetPoint(ctx context.Context, pointName string, value any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, err := d.regs.ByName(pointName)
	if err != nil {
		return nil, err
	}
	if reg.ReadOnly {
		return nil, fmt.Errorf("trying to write to a point configured read only: %s", pointName)
	}
	d.values[pointName] = value
	return value, nil
}

func (d *Driver) ScrapeAll(ctx context.Context) (map[string]any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.cfg.ScrapeError != "" {
		return nil, fmt.Errorf("%s", d.cfg.ScrapeError)
	}

	result := make(map[string]any)
	for _, readOnly := range []bool{false, true} {
		for _, reg := range d.regs.ByType("byte", readOnly) {
			if !reg.Readable {
				continue
			}
			result[reg.PointName] = d.values[reg.PointName]
		}
	}
	return result, nil
}

func (d *Driver) RevertPoint(ctx context.Context, pointName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.regs.ByName(pointName); err != nil {
		return err
	}
	d.values[pointName] = d.defaults[pointName]
	return nil
}

func (d *Driver) RevertAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, def := range d.defaults {
		d.values[name] = def
	}
	return nil
}

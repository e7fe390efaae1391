// Package driver defines the device driver interface hosted by the platform
// driver agent, plus the register bookkeeping shared by driver
// implementations.
//
// A driver is configured from two blobs held in the config store: a driver
// config (connection settings for the device) and a registry (the list of
// points the device exposes). After Configure, the platform driver agent
// polls ScrapeAll on the driver's interval and serves point reads and
// writes over the bus.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Interface is implemented by every device driver.
type Interface interface {
	// Configure initializes the driver from its config blob and point
	// registry. It is called before any other method and again whenever
	// the stored config changes.
	Configure(config json.RawMessage, registry []RegistryEntry) error

	// GetPoint reads the current value of a point by its bus-visible name.
	GetPoint(ctx context.Context, pointName string) (any, error)

	// SetPoint writes a point and returns the value actually set.
	SetPoint(ctx context.Context, pointName string, value any) (any, error)

	// ScrapeAll reads every readable point in one pass.
	ScrapeAll(ctx context.Context) (map[string]any, error)

	// RevertPoint returns a point to its default state.
	RevertPoint(ctx context.Context, pointName string) error

	// RevertAll returns the whole device to its default state.
	RevertAll(ctx context.Context) error
}

// RegistryEntry is one row of a device's point registry.
type RegistryEntry struct {
	// PointName is the vendor-side field name (e.g. "hvacMode").
	PointName string `json:"point_name" yaml:"point_name"`

	// Name is the bus-visible point name. Defaults to PointName.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Units documents the point's unit of measure.
	Units string `json:"units,omitempty" yaml:"units,omitempty"`

	// Type is the driver-specific point kind (for the thermostat driver:
	// "setting" or "hold").
	Type string `json:"type" yaml:"type"`

	Writable FlexBool `json:"writable,omitempty" yaml:"writable,omitempty"`
	Readable FlexBool `json:"readable,omitempty" yaml:"readable,omitempty"`

	// Default is the value RevertPoint restores, where the driver
	// supports it.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`
}

// BusName returns the bus-visible name for the entry.
func (e RegistryEntry) BusName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.PointName
}

// FlexBool accepts true/false as JSON booleans or as the "True"/"False"
// strings found in registry files exported from spreadsheets.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = FlexBool(t)
	case string:
		switch t {
		case "True", "true", "TRUE", "1":
			*b = true
		case "False", "false", "FALSE", "0", "":
			*b = false
		default:
			return fmt.Errorf("invalid boolean value %q", t)
		}
	default:
		return fmt.Errorf("invalid boolean value %v", v)
	}
	return nil
}

func (b *FlexBool) UnmarshalYAML(unmarshal func(any) error) error {
	var v any
	if err := unmarshal(&v); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.UnmarshalJSON(data)
}

// Register is the bookkeeping record for one configured point.
type Register struct {
	// Type is the storage class used for register lookup ("byte" for
	// every point the thermostat driver builds).
	Type string

	PointName string // bus-visible name
	Units     string
	ReadOnly  bool
	Readable  bool
}

type registerKey struct {
	typ      string
	readOnly bool
}

// Registers indexes configured points by (type, read-only) and by name.
type Registers struct {
	byKind map[registerKey][]*Register
	byName map[string]*Register
}

// NewRegisters creates an empty register set.
func NewRegisters() *Registers {
	return &Registers{
		byKind: make(map[registerKey][]*Register),
		byName: make(map[string]*Register),
	}
}

// Insert adds a register. Inserting a second register with the same point
// name is an error.
func (r *Registers) Insert(reg *Register) error {
	if reg.PointName == "" {
		return fmt.Errorf("register has no point name")
	}
	if _, exists := r.byName[reg.PointName]; exists {
		return fmt.Errorf("duplicate point %s", reg.PointName)
	}

	key := registerKey{typ: reg.Type, readOnly: reg.ReadOnly}
	r.byKind[key] = append(r.byKind[key], reg)
	r.byName[reg.PointName] = reg
	return nil
}

// ByName returns the register for a bus-visible point name.
func (r *Registers) ByName(pointName string) (*Register, error) {
	reg, ok := r.byName[pointName]
	if !ok {
		return nil, fmt.Errorf("point %s not configured on this device", pointName)
	}
	return reg, nil
}

// ByType returns all registers of the given type and read-only flag.
func (r *Registers) ByType(typ string, readOnly bool) []*Register {
	return r.byKind[registerKey{typ: typ, readOnly: readOnly}]
}

// Names returns every configured point name.
func (r *Registers) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Factory builds an unconfigured driver instance.
type Factory func() Interface

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// RegisterDriver makes a driver type available by name. Driver packages
// call this from init.
func RegisterDriver(driverType string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[driverType] = factory
}

// New builds an unconfigured driver of the given type.
func New(driverType string) (Interface, error) {
	driversMu.RLock()
	factory, ok := drivers[driverType]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown driver type: %s", driverType)
	}
	return factory(), nil
}

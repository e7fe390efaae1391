package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Agent is the interface all platform agents implement. Agents support both
// asynchronous operation (Start, e.g. a polling loop or a subscription
// listener) and synchronous bus calls (Execute, the RPC surface).
type Agent interface {
	// Name returns the unique bus identity for this agent instance.
	Name() string

	// Role returns the agent type (e.g. "platform.driver", "historian").
	Role() string

	// Start runs the agent until the context is canceled or the agent
	// encounters a fatal error.
	Start(ctx context.Context) error

	// Execute handles a synchronous bus call and returns the response.
	Execute(ctx context.Context, input *Message) (*Message, error)

	// Stop gracefully shuts down the agent.
	Stop(ctx context.Context) error

	// Ready reports whether the agent can accept calls.
	Ready() bool
}

// AgentDef is the configuration block for a single agent. Role-specific
// settings land in Extra and are decoded with UnmarshalKey.
type AgentDef struct {
	Name      string         `yaml:"name"`
	Role      string         `yaml:"role"`
	Interval  Duration       `yaml:"interval,omitempty"`
	Inputs    []Input        `yaml:"inputs,omitempty"`
	Outputs   []Output       `yaml:"outputs,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty"`
	Extra     map[string]any `yaml:",inline"`
}

// Input names an agent channel or topic prefix this agent consumes.
type Input struct {
	Source string `yaml:"source"`
}

// Output names an agent channel this agent sends to.
type Output struct {
	Target string `yaml:"target"`
}

// Duration wraps time.Duration for YAML text values like "30s".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// GetString returns a string setting from Extra, or def if absent.
func (d *AgentDef) GetString(key, def string) string {
	if v, ok := d.Extra[key].(string); ok {
		return v
	}
	return def
}

// UnmarshalKey decodes one Extra setting into v. A missing key is not an
// error; v is left untouched.
func (d *AgentDef) UnmarshalKey(key string, v any) error {
	raw, exists := d.Extra[key]
	if !exists {
		return nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal key %q: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal key %q: %w", key, err)
	}
	return nil
}

// FactoryFunc builds an agent instance from its definition.
type FactoryFunc func(AgentDef, Runtime) (Agent, error)

// Registry maps agent roles to factories.
type Registry interface {
	Register(role string, factory FactoryFunc)
	GetFactory(role string) (FactoryFunc, bool)
}

// DefaultRegistry is the process-wide registry implementation.
type DefaultRegistry struct {
	factories map[string]FactoryFunc
	mu        sync.RWMutex
}

var defaultRegistry = &DefaultRegistry{
	factories: make(map[string]FactoryFunc),
}

// NewRegistry creates an empty registry (useful for tests).
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{factories: make(map[string]FactoryFunc)}
}

func (r *DefaultRegistry) Register(role string, factory FactoryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[role] = factory
}

func (r *DefaultRegistry) GetFactory(role string) (FactoryFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[role]
	return f, ok
}

// Register registers a factory with the default registry. Role packages call
// this from init.
func Register(role string, factory FactoryFunc) {
	defaultRegistry.Register(role, factory)
}

// GetFactory retrieves a factory from the default registry.
func GetFactory(role string) (FactoryFunc, bool) {
	return defaultRegistry.GetFactory(role)
}

// Runtime is the message bus agents are hosted on. It provides directed
// channels (Send/Recv), topic publishes (Publish/Subscribe) and synchronous
// calls (Call).
type Runtime interface {
	// Send delivers a message to a named agent channel without waiting.
	Send(target string, msg *Message) error

	// Recv returns the channel carrying messages addressed to source.
	Recv(source string) (<-chan *Message, error)

	// Publish delivers a message to every subscription whose prefix
	// matches the topic.
	Publish(topic string, msg *Message) error

	// Subscribe returns a channel receiving every publish whose topic
	// starts with prefix.
	Subscribe(prefix string) (<-chan *Message, error)

	// Call invokes an agent synchronously and waits for its response.
	Call(ctx context.Context, target string, input *Message) (*Message, error)

	// CallParallel invokes several agents concurrently; partial results
	// are returned alongside per-agent errors.
	CallParallel(ctx context.Context, targets []string, input *Message) (map[string]*Message, map[string]error)

	// Register adds an agent to the bus.
	Register(agent Agent) error

	// Unregister removes an agent from the bus.
	Unregister(name string) error

	// Get retrieves a registered agent by name.
	Get(name string) (Agent, error)

	// List returns all registered agent names.
	List() []string

	// Start starts the bus.
	Start(ctx context.Context) error

	// Stop shuts down the bus and all registered agents.
	Stop(ctx context.Context) error
}

// ErrAgentNotFound is returned when an agent is not registered on the bus.
var ErrAgentNotFound = errors.New("agent not found")

// NotImplementedError is returned by agents for unsupported bus calls.
type NotImplementedError struct {
	AgentName string
	Method    string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("agent %s does not implement %s", e.AgentName, e.Method)
}

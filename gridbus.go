// Package gridbus is a building-automation message bus. It hosts device
// driver agents (the platform driver), a historian recording device topics
// and supporting agents, all wired over an in-process bus with directed
// channels, topic publishes and synchronous calls.
package gridbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridbus-dev/gridbus/internal/agent"
	tracing "github.com/gridbus-dev/gridbus/internal/observability"
	"github.com/gridbus-dev/gridbus/pkg/configstore"
	"github.com/gridbus-dev/gridbus/pkg/observability"
	"github.com/gridbus-dev/gridbus/pkg/security"
)

// Config represents the top-level configuration
type Config struct {
	Agents        []agent.AgentDef `yaml:"agents"`
	ConfigStore   ConfigStoreDef   `yaml:"config_store,omitempty"`
	Observability ObservabilityDef `yaml:"observability,omitempty"`
}

// ConfigStoreDef configures the platform config store.
type ConfigStoreDef struct {
	// Backend selects the persistence backend: "memory" (default) or
	// "file".
	Backend string `yaml:"backend,omitempty"`

	// BaseDir is the directory for the file backend.
	// Default: ~/.gridbus/config
	BaseDir string `yaml:"base_dir,omitempty"`
}

// ObservabilityDef configures the metrics and health endpoint.
type ObservabilityDef struct {
	// MetricsPort exposes /metrics and /health on this port when set.
	MetricsPort int `yaml:"metrics_port,omitempty"`
}

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
	yamlParser *security.SafeYAMLParser
}

// NewConfigLoader creates a new config loader with default security limits
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(security.DefaultYAMLLimits()),
	}
}

// NewConfigLoaderWithLimits creates a new config loader with custom YAML security limits
func NewConfigLoaderWithLimits(fr FileReader, limits security.YAMLLimits) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(limits),
	}
}

// LoadConfig loads and parses a config file with security limits
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := cl.yamlParser.UnmarshalYAML(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// Run starts the platform from a config file and blocks until interrupted.
func Run(configPath string) error {
	if err := tracing.InitFromEnv(); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}

	loader := NewConfigLoader(&OSFileReader{})
	config, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(config)
}

// RunWithConfig starts the platform with the provided config.
func RunWithConfig(config *Config) error {
	return RunWithConfigAndRuntime(config, NewRuntime())
}

// RunWithConfigAndRuntime starts the platform with a custom runtime
// (useful for testing).
func RunWithConfigAndRuntime(config *Config, rt agent.Runtime) error {
	store, err := buildConfigStore(config.ConfigStore)
	if err != nil {
		return err
	}

	checker := observability.InitHealthChecker()
	checker.RegisterCheck(observability.ConfigStoreCheck(func(ctx context.Context) error {
		return store.Ping()
	}))

	if config.Observability.MetricsPort > 0 {
		observability.InitMetrics()
		server := observability.NewServer(config.Observability.MetricsPort)
		go func() {
			if err := server.Start(); err != nil {
				log.Printf("Warning: observability server: %v", err)
			}
		}()
	}

	agents := make(map[string]agent.Agent)
	for _, def := range config.Agents {
		a, err := agent.CreateAgent(def, rt)
		if err != nil {
			return fmt.Errorf("failed to create agent %s: %w", def.Name, err)
		}
		agents[def.Name] = a
		log.Printf("Created agent: %s (role: %s)", def.Name, def.Role)
	}

	return StartAgents(agents, config.Agents, rt, store)
}

func buildConfigStore(def ConfigStoreDef) (*configstore.Store, error) {
	switch def.Backend {
	case "", "memory":
		return configstore.NewStore(), nil
	case "file":
		backend, err := configstore.NewFileBackend(def.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("open config store: %w", err)
		}
		store, err := configstore.NewStoreWithBackend(backend)
		if err != nil {
			return nil, fmt.Errorf("load config store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown config store backend: %s", def.Backend)
}

// PhasedStarter is implemented by runtimes that support phased agent startup.
type PhasedStarter interface {
	StartAgentsPhased(ctx context.Context, agentDefs map[string]agent.AgentDef) error
}

// StartAgents registers and starts all agents, then blocks until the
// process is interrupted. Runtimes implementing PhasedStarter start agents
// in dependency order; others start them concurrently.
func StartAgents(agents map[string]agent.Agent, agentDefs []agent.AgentDef, rt agent.Runtime, store *configstore.Store) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if store != nil {
		ctx = configstore.WithStore(ctx, store)
	}

	for name, a := range agents {
		if err := rt.Register(a); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", name, err)
		}
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	defsMap := make(map[string]agent.AgentDef)
	for _, def := range agentDefs {
		defsMap[def.Name] = def
	}

	if ps, ok := rt.(PhasedStarter); ok {
		log.Println("Using phased agent startup (dependency-aware)")
		if err := ps.StartAgentsPhased(ctx, defsMap); err != nil {
			return fmt.Errorf("phased startup failed: %w", err)
		}
	} else {
		log.Println("Using concurrent agent startup (no dependency ordering)")
		for name, a := range agents {
			go func(n string, ag agent.Agent) {
				if err := ag.Start(ctx); err != nil {
					log.Printf("Agent %s error: %v", n, err)
				}
			}(name, a)
		}
	}

	log.Println("All agents started. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()

	_ = rt.Stop(context.Background())
	if store != nil {
		_ = store.Close()
	}
	if err := tracing.Shutdown(context.Background()); err != nil {
		log.Printf("Warning: failed to shut down tracing: %v", err)
	}
	return nil
}

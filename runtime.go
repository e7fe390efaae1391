package gridbus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gridbus-dev/gridbus/internal/agent"
	"github.com/gridbus-dev/gridbus/internal/graph"
	"github.com/gridbus-dev/gridbus/pkg/observability"
	"golang.org/x/sync/errgroup"
)

const channelBuffer = 100

// BusRuntime is the in-process message bus hosting all agents. Directed
// channels carry agent-to-agent sends; topic subscriptions carry device
// publishes (topics like "devices/campus/building/thermostat/all").
type BusRuntime struct {
	agents   map[string]agent.Agent
	channels map[string]chan *agent.Message
	subs     []*subscription
	mu       sync.RWMutex
	started  bool
}

type subscription struct {
	prefix string
	ch     chan *agent.Message
}

// NewRuntime creates a new in-process bus runtime.
func NewRuntime() *BusRuntime {
	return &BusRuntime{
		agents:   make(map[string]agent.Agent),
		channels: make(map[string]chan *agent.Message),
	}
}

// Send delivers a message to a named agent channel without blocking. The
// send happens under the lock so a concurrent Unregister cannot close the
// channel mid-send.
func (r *BusRuntime) Send(target string, msg *agent.Message) error {
	r.mu.RLock()
	if ch, ok := r.channels[target]; ok {
		defer r.mu.RUnlock()
		select {
		case ch <- msg:
			return nil
		default:
			return fmt.Errorf("channel %s is full", target)
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[target]
	if !ok {
		ch = make(chan *agent.Message, channelBuffer)
		r.channels[target] = ch
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("channel %s is full", target)
	}
}

// Recv returns the channel carrying messages addressed to source.
func (r *BusRuntime) Recv(source string) (<-chan *agent.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[source]; !ok {
		r.channels[source] = make(chan *agent.Message, channelBuffer)
	}
	return r.channels[source], nil
}

// Publish delivers a message to every subscription whose prefix matches the
// topic. Subscribers that cannot keep up drop messages rather than stall the
// publisher.
func (r *BusRuntime) Publish(topic string, msg *agent.Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var dropped int
	for _, sub := range r.subs {
		if !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("publish %s: dropped by %d slow subscriber(s)", topic, dropped)
	}
	return nil
}

// Subscribe returns a channel receiving every publish whose topic starts
// with prefix. An empty prefix matches all topics.
func (r *BusRuntime) Subscribe(prefix string) (<-chan *agent.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &subscription{prefix: prefix, ch: make(chan *agent.Message, channelBuffer)}
	r.subs = append(r.subs, sub)
	return sub.ch, nil
}

// Register adds an agent to the bus.
func (r *BusRuntime) Register(a agent.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %s already registered", name)
	}

	r.agents[name] = a
	r.channels[name] = make(chan *agent.Message, channelBuffer)
	return nil
}

// Unregister removes an agent from the bus.
func (r *BusRuntime) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; !exists {
		return fmt.Errorf("agent %s: %w", name, agent.ErrAgentNotFound)
	}

	delete(r.agents, name)
	if ch, exists := r.channels[name]; exists {
		close(ch)
		delete(r.channels, name)
	}
	return nil
}

// Get retrieves a registered agent by name.
func (r *BusRuntime) Get(name string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[name]
	if !exists {
		return nil, fmt.Errorf("agent %s: %w", name, agent.ErrAgentNotFound)
	}
	return a, nil
}

// List returns all registered agent names.
func (r *BusRuntime) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// Call invokes an agent synchronously and waits for its response.
func (r *BusRuntime) Call(ctx context.Context, target string, input *agent.Message) (*agent.Message, error) {
	r.mu.RLock()
	a, exists := r.agents[target]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("agent %s: %w", target, agent.ErrAgentNotFound)
	}
	if !a.Ready() {
		return nil, fmt.Errorf("agent %s not ready", target)
	}

	start := time.Now()
	result, err := a.Execute(ctx, input)
	observability.RecordAgentExecution(target, time.Since(start))
	return result, err
}

// CallParallel invokes several agents concurrently and returns partial
// results alongside per-agent errors.
func (r *BusRuntime) CallParallel(ctx context.Context, targets []string, input *agent.Message) (map[string]*agent.Message, map[string]error) {
	results := make(map[string]*agent.Message)
	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, target := range targets {
		wg.Add(1)
		go func(t string) {
			defer wg.Done()

			result, err := r.Call(ctx, t, input)

			mu.Lock()
			if err != nil {
				errs[t] = err
			} else {
				results[t] = result
			}
			mu.Unlock()
		}(target)
	}

	wg.Wait()
	return results, errs
}

// Start starts the bus.
func (r *BusRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("runtime already started")
	}
	r.started = true
	return nil
}

// Stop shuts down the bus and all registered agents.
func (r *BusRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	for _, ch := range r.channels {
		close(ch)
	}
	r.channels = make(map[string]chan *agent.Message)
	for _, sub := range r.subs {
		close(sub.ch)
	}
	r.subs = nil
	agents := make([]agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.started = false
	r.mu.Unlock()

	for _, a := range agents {
		_ = a.Stop(ctx)
	}
	return nil
}

// StartAgentsPhased starts registered agents in dependency order. Agents in
// the same phase start concurrently; the next phase begins once every agent
// in the current phase reports Ready.
func (r *BusRuntime) StartAgentsPhased(ctx context.Context, agentDefs map[string]agent.AgentDef) error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()

	if !started {
		return fmt.Errorf("runtime not started")
	}

	depGraph := graph.NewDependencyGraph()
	for name, def := range agentDefs {
		depGraph.AddNode(name, def.DependsOn)
	}

	levels, err := depGraph.TopologicalLevels()
	if err != nil {
		return fmt.Errorf("dependency graph error: %w", err)
	}

	for levelIdx, level := range levels {
		log.Printf("[runtime] starting agent phase %d: %v", levelIdx, level)

		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			name := name

			g.Go(func() error {
				a, err := r.Get(name)
				if err != nil {
					return fmt.Errorf("agent %s not registered: %w", name, err)
				}

				go func() {
					if err := a.Start(gctx); err != nil {
						log.Printf("[runtime] agent %s error: %v", name, err)
					}
				}()

				if err := r.waitForReady(gctx, a, 30*time.Second); err != nil {
					return fmt.Errorf("agent %s failed to become ready: %w", name, err)
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("phase %d startup failed: %w", levelIdx, err)
		}
	}

	return nil
}

// waitForReady polls until the agent is Ready or the context/timeout expires.
func (r *BusRuntime) waitForReady(ctx context.Context, a agent.Agent, timeout time.Duration) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return fmt.Errorf("timeout after %v waiting for agent %s to be ready", timeout, a.Name())
		case <-ticker.C:
			if a.Ready() {
				return nil
			}
		}
	}
}

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gridbus-dev/gridbus/internal/agent"
	"github.com/gridbus-dev/gridbus/pkg/configstore"
)

const defaultTestInterval = 30 * time.Second

// TesterConfig is the tester's reconfigurable settings. It can arrive
// inline in the agent definition or from the config store entry
// "agents/<name>", which is watched for updates at runtime.
type TesterConfig struct {
	// Historian names the historian agent to exercise.
	Historian string `json:"historian,omitempty"`

	// TopicPattern is the regular expression sent to the historian's
	// topic lookup.
	TopicPattern string `json:"topic_pattern,omitempty"`

	// QueryCount bounds how many values each topic query returns.
	QueryCount int `json:"query_count,omitempty"`

	// QueryOrder is FIRST_TO_LAST or LAST_TO_FIRST.
	QueryOrder string `json:"query_order,omitempty"`

	// ReportPath is the file each test run's report is written to.
	ReportPath string `json:"report_path,omitempty"`
}

// Tester runs periodic end-to-end checks against the historian: look up
// topics by pattern, query each one and write the results to a report
// file.
type Tester struct {
	def    agent.AgentDef
	rt     agent.Runtime
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.RWMutex
	cfg TesterConfig
}

func init() {
	agent.Register("tester", func(d agent.AgentDef, rt agent.Runtime) (agent.Agent, error) {
		t := &Tester{def: d, rt: rt}
		cfg := TesterConfig{
			Historian:    "platform.historian",
			TopicPattern: ".*",
			QueryCount:   20,
			QueryOrder:   OrderLastToFirst,
			ReportPath:   "tester_report.txt",
		}
		raw, err := json.Marshal(d.Extra)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("bad tester config: %w", err)
		}
		t.cfg = cfg
		return t, nil
	})
}

func (t *Tester) Name() string { return t.def.Name }
func (t *Tester) Role() string { return t.def.Role }
func (t *Tester) Ready() bool  { return true }

func (t *Tester) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

func (t *Tester) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	if store, ok := configstore.FromContext(ctx); ok {
		store.Subscribe("agents/"+t.def.Name,
			[]configstore.Action{configstore.ActionNew, configstore.ActionUpdate},
			func(name string, action configstore.Action, contents json.RawMessage) {
				t.reconfigure(contents)
			})
	}

	interval := t.def.Interval.Duration
	if interval <= 0 {
		interval = defaultTestInterval
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := t.runTest(ctx); err != nil {
					log.Printf("[%s] test run failed: %v", t.def.Name, err)
				}
			}
		}
	}()

	<-ctx.Done()
	return nil
}

// reconfigure applies a config store update. Unknown fields are ignored,
// absent fields keep their current values.
func (t *Tester) reconfigure(contents json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := json.Unmarshal(contents, &t.cfg); err != nil {
		log.Printf("[%s] bad config update: %v", t.def.Name, err)
		return
	}
	log.Printf("[%s] reconfigured: pattern=%q historian=%s", t.def.Name, t.cfg.TopicPattern, t.cfg.Historian)
}

func (t *Tester) config() TesterConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// runTest queries the historian for matching topics, queries each topic's
// values and writes the report file. It returns the per-topic value counts.
func (t *Tester) runTest(ctx context.Context) (map[string]int, error) {
	cfg := t.config()

	topicsMsg, err := t.rt.Call(ctx, cfg.Historian,
		agent.NewMessage("get_topics_by_pattern", topicsRequest{TopicPattern: cfg.TopicPattern}))
	if err != nil {
		return nil, fmt.Errorf("topic lookup: %w", err)
	}
	var topics []string
	if err := topicsMsg.UnmarshalPayload(&topics); err != nil {
		return nil, fmt.Errorf("bad topic response: %w", err)
	}

	var report strings.Builder
	fmt.Fprintf(&report, "test run %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&report, "pattern %q matched %d topic(s)\n", cfg.TopicPattern, len(topics))

	counts := make(map[string]int, len(topics))
	for _, topic := range topics {
		queryMsg, err := t.rt.Call(ctx, cfg.Historian,
			agent.NewMessage("query", queryRequest{Topic: topic, Count: cfg.QueryCount, Order: cfg.QueryOrder}))
		if err != nil {
			fmt.Fprintf(&report, "%s: query failed: %v\n", topic, err)
			continue
		}
		var result QueryResult
		if err := queryMsg.UnmarshalPayload(&result); err != nil {
			fmt.Fprintf(&report, "%s: bad query response: %v\n", topic, err)
			continue
		}

		counts[topic] = len(result.Values)
		fmt.Fprintf(&report, "%s: %d value(s)\n", topic, len(result.Values))
		for _, obs := range result.Values {
			fmt.Fprintf(&report, "  %s %v\n", obs.Timestamp, obs.Value)
		}
	}

	if cfg.ReportPath != "" {
		if err := os.WriteFile(cfg.ReportPath, []byte(report.String()), 0o644); err != nil {
			return counts, fmt.Errorf("write report: %w", err)
		}
	}
	return counts, nil
}

// Execute runs a test on demand and returns the per-topic value counts.
func (t *Tester) Execute(ctx context.Context, input *agent.Message) (*agent.Message, error) {
	if input.Type != "run_test" {
		return nil, &agent.NotImplementedError{AgentName: t.def.Name, Method: input.Type}
	}

	counts, err := t.runTest(ctx)
	if err != nil {
		return nil, err
	}
	return agent.NewMessage("test_result", counts), nil
}

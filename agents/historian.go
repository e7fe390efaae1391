package agents

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gridbus-dev/gridbus/internal/agent"
)

// Query orders.
const (
	OrderFirstToLast = "FIRST_TO_LAST"
	OrderLastToFirst = "LAST_TO_FIRST"
)

const defaultRetention = 1000

// Observation is one recorded value for a topic.
type Observation struct {
	Timestamp string `json:"timestamp"`
	Value     any    `json:"value"`
}

// Historian records device publishes into per-topic series and answers
// topic and value queries over the bus. Each point of a device scrape is
// stored under "<device path>/<point name>".
type Historian struct {
	def    agent.AgentDef
	rt     agent.Runtime
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	series    map[string][]Observation
	retention int
	ready     bool
}

func init() {
	agent.Register("historian", func(d agent.AgentDef, rt agent.Runtime) (agent.Agent, error) {
		h := &Historian{
			def:       d,
			rt:        rt,
			series:    make(map[string][]Observation),
			retention: defaultRetention,
		}
		var retention int
		if err := d.UnmarshalKey("retention", &retention); err != nil {
			return nil, err
		}
		if retention > 0 {
			h.retention = retention
		}
		return h, nil
	})
}

func (h *Historian) Name() string { return h.def.Name }
func (h *Historian) Role() string { return h.def.Role }

func (h *Historian) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *Historian) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	return nil
}

// Start subscribes to device publishes and records them until the context
// is canceled.
func (h *Historian) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	ch, err := h.rt.Subscribe(DeviceTopicPrefix)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h.record(msg)
			}
		}
	}()

	<-ctx.Done()
	return nil
}

// record splits a device "all" publish into one observation per point.
func (h *Historian) record(msg *agent.Message) {
	topic := msg.Type
	device := strings.TrimPrefix(strings.TrimSuffix(topic, "/all"), DeviceTopicPrefix)

	var points map[string]any
	if err := msg.UnmarshalPayload(&points); err != nil {
		log.Printf("[%s] unreadable publish on %s: %v", h.def.Name, topic, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for point, value := range points {
		key := device + "/" + point
		obs := append(h.series[key], Observation{Timestamp: msg.Timestamp, Value: value})
		if len(obs) > h.retention {
			obs = obs[len(obs)-h.retention:]
		}
		h.series[key] = obs
	}
}

type topicsRequest struct {
	TopicPattern string `json:"topic_pattern"`
}

type queryRequest struct {
	Topic string `json:"topic"`
	Count int    `json:"count,omitempty"`
	Order string `json:"order,omitempty"`
}

// QueryResult is the response payload for a value query.
type QueryResult struct {
	Values []Observation `json:"values"`
}

// Execute answers get_topics_by_pattern and query calls.
func (h *Historian) Execute(ctx context.Context, input *agent.Message) (*agent.Message, error) {
	switch input.Type {
	case "get_topics_by_pattern":
		var req topicsRequest
		if err := input.UnmarshalPayload(&req); err != nil {
			return nil, fmt.Errorf("bad topics request: %w", err)
		}
		topics, err := h.topicsByPattern(req.TopicPattern)
		if err != nil {
			return nil, err
		}
		return agent.NewMessage("topics", topics), nil

	case "query":
		var req queryRequest
		if err := input.UnmarshalPayload(&req); err != nil {
			return nil, fmt.Errorf("bad query request: %w", err)
		}
		result, err := h.query(req)
		if err != nil {
			return nil, err
		}
		return agent.NewMessage("query_result", result), nil
	}

	return nil, &agent.NotImplementedError{AgentName: h.def.Name, Method: input.Type}
}

func (h *Historian) topicsByPattern(pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad topic pattern %q: %w", pattern, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	topics := make([]string, 0)
	for topic := range h.series {
		if re.MatchString(topic) {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics, nil
}

func (h *Historian) query(req queryRequest) (*QueryResult, error) {
	if req.Topic == "" {
		return nil, fmt.Errorf("query requires a topic")
	}

	order := req.Order
	if order == "" {
		order = OrderFirstToLast
	}
	if order != OrderFirstToLast && order != OrderLastToFirst {
		return nil, fmt.Errorf("unknown query order %q", order)
	}

	h.mu.RLock()
	series := h.series[req.Topic]
	values := make([]Observation, len(series))
	copy(values, series)
	h.mu.RUnlock()

	if order == OrderLastToFirst {
		for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
			values[i], values[j] = values[j], values[i]
		}
	}
	if req.Count > 0 && req.Count < len(values) {
		values = values[:req.Count]
	}
	return &QueryResult{Values: values}, nil
}

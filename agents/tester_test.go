package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbus-dev/gridbus"
	"github.com/gridbus-dev/gridbus/internal/agent"
	"github.com/gridbus-dev/gridbus/pkg/configstore"
)

func newTester(t *testing.T, extra map[string]any) *Tester {
	t.Helper()

	factory, ok := agent.GetFactory("tester")
	require.True(t, ok)
	a, err := factory(agent.AgentDef{Name: "test.tester", Role: "tester", Extra: extra}, gridbus.NewRuntime())
	require.NoError(t, err)
	return a.(*Tester)
}

func TestTester_Defaults(t *testing.T) {
	tr := newTester(t, nil)
	cfg := tr.config()
	assert.Equal(t, "platform.historian", cfg.Historian)
	assert.Equal(t, ".*", cfg.TopicPattern)
	assert.Equal(t, OrderLastToFirst, cfg.QueryOrder)
}

func TestTester_RunTest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := gridbus.NewRuntime()
	h := startHistorian(t, ctx, rt)
	require.NoError(t, rt.Register(h))

	publishScrape(t, rt, "campus/building/thermostat", map[string]any{"testHold": 0})
	waitForTopic(t, h, "campus/building/thermostat/testHold")

	reportPath := filepath.Join(t.TempDir(), "report.txt")
	factory, _ := agent.GetFactory("tester")
	a, err := factory(agent.AgentDef{
		Name: "test.tester", Role: "tester",
		Extra: map[string]any{
			"topic_pattern": "campus/.*",
			"report_path":   reportPath,
		},
	}, rt)
	require.NoError(t, err)
	tr := a.(*Tester)

	resp, err := tr.Execute(ctx, agent.NewMessage("run_test", nil))
	require.NoError(t, err)
	var counts map[string]int
	require.NoError(t, resp.UnmarshalPayload(&counts))
	assert.Equal(t, map[string]int{"campus/building/thermostat/testHold": 1}, counts)

	report, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(report), "campus/building/thermostat/testHold: 1 value(s)")
}

func TestTester_ReconfiguresFromStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := configstore.NewStore()
	ctx = configstore.WithStore(ctx, store)

	tr := newTester(t, map[string]any{"report_path": ""})
	go func() { _ = tr.Start(ctx) }()
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		// The subscription is in place once Start has run far enough to
		// register it; a store update then lands synchronously.
		require.NoError(t, store.Set("agents/test.tester", TesterConfig{TopicPattern: "devices/only/.*"}))
		return tr.config().TopicPattern == "devices/only/.*"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTester_UnknownOperation(t *testing.T) {
	tr := newTester(t, nil)
	_, err := tr.Execute(context.Background(), agent.NewMessage("explode", nil))
	var notImpl *agent.NotImplementedError
	require.ErrorAs(t, err, &notImpl)
}

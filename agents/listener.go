package agents

import (
	"context"
	"log"
	"sync"

	"github.com/gridbus-dev/gridbus/internal/agent"
)

// Listener logs every publish under a topic prefix. Useful when bringing up
// a new device to confirm scrapes are flowing.
type Listener struct {
	def    agent.AgentDef
	rt     agent.Runtime
	prefix string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func init() {
	agent.Register("listener", func(d agent.AgentDef, rt agent.Runtime) (agent.Agent, error) {
		return &Listener{def: d, rt: rt, prefix: d.GetString("prefix", "")}, nil
	})
}

func (l *Listener) Name() string { return l.def.Name }
func (l *Listener) Role() string { return l.def.Role }
func (l *Listener) Ready() bool  { return true }

func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	return nil
}

func (l *Listener) Execute(ctx context.Context, input *agent.Message) (*agent.Message, error) {
	if input != nil && input.Payload != "" {
		log.Printf("[%s] %s | %s", l.def.Name, input.Type, input.Payload)
	}
	return input, nil
}

func (l *Listener) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)

	ch, err := l.rt.Subscribe(l.prefix)
	if err != nil {
		return err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				log.Printf("[%s] %s | %s", l.def.Name, m.Type, m.Payload)
			}
		}
	}()

	<-ctx.Done()
	return nil
}

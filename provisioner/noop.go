package provisioner

import (
	"context"
	"sync"

	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/runtimestate"
)

// Noop provisions nothing and reports every created case reachable.
// With a simulated executor attached, each created case gets a local
// runtimestate.Agent that answers control changes.
// It counts calls so callers can assert teardown happened.
type Noop struct {
	mu        sync.Mutex
	live      map[string]context.CancelFunc
	created   map[string]int
	destroyed map[string]int

	state  runtimestate.Store
	agent  runtimestate.AgentConfig
	logger evaluation.Logger
}

func NewNoop() *Noop {
	return &Noop{
		live:      make(map[string]context.CancelFunc),
		created:   make(map[string]int),
		destroyed: make(map[string]int),
	}
}

// WithSimulatedExecutor attaches an agent per case, driven by store.
func (n *Noop) WithSimulatedExecutor(store runtimestate.Store, cfg runtimestate.AgentConfig, logger evaluation.Logger) *Noop {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = store
	n.agent = cfg
	n.logger = logger
	return n
}

func (n *Noop) Create(_ context.Context, params evaluation.CaseParams) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created[params.UUID]++
	if _, ok := n.live[params.UUID]; ok {
		return nil
	}
	cancel := func() {}
	if n.state != nil {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		agent := runtimestate.NewAgent(n.state, params.UUID, n.agent, n.logger)
		go func() { _ = agent.Run(ctx) }()
	}
	n.live[params.UUID] = cancel
	return nil
}

func (n *Noop) Destroy(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cancel, ok := n.live[id]; ok {
		cancel()
		delete(n.live, id)
	}
	n.destroyed[id]++
	return nil
}

func (n *Noop) IsReachable(_ context.Context, id string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.live[id]
	return ok, nil
}

// Created returns how many times Create ran for id.
func (n *Noop) Created(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created[id]
}

// Destroyed returns how many times Destroy ran for id.
func (n *Noop) Destroyed(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.destroyed[id]
}

var _ Provisioner = (*Noop)(nil)

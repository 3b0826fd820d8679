// Package registry tracks the set of live agents: registration, heartbeat
// liveness, and load-balanced selection for task dispatch.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memento-ai/memento/internal/common/config"
	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/events"
	"github.com/memento-ai/memento/internal/events/bus"
)

// Kind classifies what an agent does.
type Kind string

const (
	KindParse        Kind = "parse"
	KindTest         Kind = "test"
	KindSCM          Kind = "scm"
	KindVerification Kind = "verification"
	KindAnalysis     Kind = "analysis"
	KindOrchestrator Kind = "orchestrator"
	KindCustom       Kind = "custom"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusDead    Status = "dead"
)

// Agent is a registered worker process.
type Agent struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Kind            Kind      `json:"kind"`
	Capabilities    []string  `json:"capabilities"`
	Status          Status    `json:"status"`
	Priority        int       `json:"priority"` // higher wins under the priority strategy
	Load            uint32    `json:"load"`     // in-flight task count
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	RegisteredAt    time.Time `json:"registeredAt"`
}

func (a *Agent) hasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// heartbeatSignal is the payload carried on the agent heartbeat channel.
type heartbeatSignal struct {
	AgentID string    `json:"agentId"`
	At      time.Time `json:"at"`
}

// deadNotice is published on the agent dead channel when liveness lapses.
type deadNotice struct {
	AgentID       string   `json:"agentId"`
	LastSeenAt    string   `json:"lastSeenAt"`
	OrphanedTasks []string `json:"orphanedTasks,omitempty"`
}

// Registry is the in-memory set of live agents. All methods are safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]*Agent
	assignments map[string][]string // agentID -> in-flight task ids
	rrCursor    map[Kind]int

	maxAgents        int
	heartbeatTimeout time.Duration
	now              func() time.Time

	bus bus.EventBus
	log *logger.Logger

	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent registry.
func New(cfg config.AgentsConfig, eventBus bus.EventBus, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		agents:           make(map[string]*Agent),
		assignments:      make(map[string][]string),
		rrCursor:         make(map[Kind]int),
		maxAgents:        cfg.MaxAgents,
		heartbeatTimeout: cfg.HeartbeatTimeout(),
		now:              func() time.Time { return time.Now().UTC() },
		bus:              eventBus,
		log:              log,
	}
}

// SetClock overrides the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Start subscribes to the heartbeat channel and launches the stale scan
// loop with the given interval.
func (r *Registry) Start(scanInterval time.Duration) error {
	if r.bus != nil {
		sub, err := r.bus.Subscribe(events.AgentHeartbeat, r.onHeartbeatEvent)
		if err != nil {
			return err
		}
		r.sub = sub
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.scanLoop(ctx, scanInterval)
	return nil
}

// Stop halts the scan loop and heartbeat subscription.
func (r *Registry) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) onHeartbeatEvent(ctx context.Context, event *bus.Event) error {
	signal, ok := event.Data.(heartbeatSignal)
	if !ok {
		if m, ok := event.Data.(map[string]interface{}); ok {
			if id, ok := m["agentId"].(string); ok {
				signal = heartbeatSignal{AgentID: id, At: event.Timestamp}
			}
		}
	}
	if signal.AgentID == "" {
		return nil
	}
	if signal.At.IsZero() {
		signal.At = event.Timestamp
	}
	if err := r.Heartbeat(signal.AgentID, signal.At); err != nil {
		r.log.WithAgentID(signal.AgentID).Debug("heartbeat for unknown agent ignored")
	}
	return nil
}

func (r *Registry) scanLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ScanStale(r.clock()())
		}
	}
}

func (r *Registry) clock() func() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now
}

// Register adds a live agent. Duplicate ids and a full registry are
// rejected; id, name, and kind are required.
func (r *Registry) Register(agent Agent) error {
	if agent.ID == "" {
		return coorderr.Validation("agent id is required")
	}
	if agent.Name == "" {
		return coorderr.Validation("agent name is required")
	}
	if agent.Kind == "" {
		return coorderr.Validation("agent kind is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return coorderr.DuplicateAgent(agent.ID)
	}
	if r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		return coorderr.Validation("agent registry is full")
	}

	now := r.now()
	agent.Status = StatusIdle
	agent.LastHeartbeatAt = now
	agent.RegisteredAt = now
	agent.Capabilities = append([]string(nil), agent.Capabilities...)
	r.agents[agent.ID] = &agent

	r.log.WithAgentID(agent.ID).Info("agent registered",
		zap.String("kind", string(agent.Kind)),
		zap.Strings("capabilities", agent.Capabilities))
	return nil
}

// Deregister removes an agent and returns its orphaned task ids.
func (r *Registry) Deregister(agentID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return nil, coorderr.UnknownAgent(agentID)
	}
	orphaned := r.assignments[agentID]
	delete(r.agents, agentID)
	delete(r.assignments, agentID)

	r.log.WithAgentID(agentID).Info("agent deregistered", zap.Int("orphaned_tasks", len(orphaned)))
	return orphaned, nil
}

// Heartbeat records liveness. A dead agent that heartbeats again comes
// back as idle.
func (r *Registry) Heartbeat(agentID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return coorderr.UnknownAgent(agentID)
	}
	if at.After(agent.LastHeartbeatAt) {
		agent.LastHeartbeatAt = at
	}
	if agent.Status == StatusDead {
		agent.Status = StatusIdle
		r.log.WithAgentID(agentID).Info("agent recovered from dead state")
	}
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return nil, coorderr.UnknownAgent(agentID)
	}
	out := *agent
	out.Capabilities = append([]string(nil), agent.Capabilities...)
	return &out, nil
}

// List returns copies of all registered agents.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		copied := *agent
		copied.Capabilities = append([]string(nil), agent.Capabilities...)
		out = append(out, &copied)
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// SetStatus transitions an agent's lifecycle state.
func (r *Registry) SetStatus(agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return coorderr.UnknownAgent(agentID)
	}
	agent.Status = status
	return nil
}

// ReportLoad updates an agent's in-flight task count.
func (r *Registry) ReportLoad(agentID string, load uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return coorderr.UnknownAgent(agentID)
	}
	agent.Load = load
	return nil
}

// FindAvailable returns up to count idle agents of the given kind.
func (r *Registry) FindAvailable(kind Kind, count int) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, count)
	for _, agent := range r.sortedByID() {
		if len(out) >= count {
			break
		}
		if agent.Kind == kind && agent.Status == StatusIdle {
			copied := *agent
			copied.Capabilities = append([]string(nil), agent.Capabilities...)
			out = append(out, &copied)
		}
	}
	return out
}

// ScanStale marks agents whose heartbeat lapsed as dead, publishes a dead
// notice per agent, and returns the ids that transitioned. Their in-flight
// tasks are released for reassignment.
func (r *Registry) ScanStale(now time.Time) []string {
	type lapsed struct {
		id       string
		lastSeen time.Time
		orphaned []string
	}

	r.mu.Lock()
	var dead []lapsed
	for id, agent := range r.agents {
		if agent.Status == StatusDead || agent.Status == StatusStopped {
			continue
		}
		if now.Sub(agent.LastHeartbeatAt) > r.heartbeatTimeout {
			agent.Status = StatusDead
			orphaned := r.assignments[id]
			delete(r.assignments, id)
			dead = append(dead, lapsed{id: id, lastSeen: agent.LastHeartbeatAt, orphaned: orphaned})
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(dead))
	for _, d := range dead {
		ids = append(ids, d.id)
		r.log.WithAgentID(d.id).Warn("agent heartbeat lapsed, marking dead",
			zap.Time("last_seen", d.lastSeen),
			zap.Int("orphaned_tasks", len(d.orphaned)))
		if r.bus != nil {
			notice := deadNotice{AgentID: d.id, LastSeenAt: d.lastSeen.Format(time.RFC3339), OrphanedTasks: d.orphaned}
			if err := r.bus.Publish(context.Background(), events.AgentDead, bus.NewEvent(events.AgentDead, "agent-registry", notice)); err != nil {
				r.log.WithAgentID(d.id).WithError(err).Warn("failed to publish dead notice")
			}
		}
	}
	return ids
}

package registry

import (
	"sort"

	"go.uber.org/zap"

	"github.com/memento-ai/memento/internal/common/coorderr"
)

// Strategy selects among the candidate agents for a task.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round-robin"
	StrategyLeastLoaded        Strategy = "least-loaded"
	StrategyPriorityBased      Strategy = "priority-based"
	StrategyCapabilityWeighted Strategy = "capability-weighted"
	StrategyDynamic            Strategy = "dynamic"
)

// Task describes a unit of work to dispatch to an agent.
type Task struct {
	ID                   string   `json:"id"`
	Kind                 Kind     `json:"kind"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	Strategy             Strategy `json:"strategy,omitempty"`
}

// dynamic strategy weights: capability overlap dominates, load breaks near
// ties.
const (
	dynamicCapabilityWeight = 0.6
	dynamicLoadWeight       = 0.4
)

// SelectForTask picks an agent for the task using its strategy (dynamic
// when unset), records the assignment, and bumps the agent's load. Returns
// UNKNOWN_AGENT when no live agent of the task's kind qualifies.
func (r *Registry) SelectForTask(task Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	strategy := task.Strategy
	if strategy == "" {
		strategy = StrategyDynamic
	}

	// Capability-scoring strategies rank partial matches instead of
	// filtering them out.
	requireAll := strategy != StrategyCapabilityWeighted && strategy != StrategyDynamic
	candidates := r.candidatesLocked(task, requireAll)
	if len(candidates) == 0 {
		return "", coorderr.New(coorderr.CodeUnknownAgent, "no available agent for kind "+string(task.Kind))
	}

	var chosen *Agent
	switch strategy {
	case StrategyRoundRobin:
		cursor := r.rrCursor[task.Kind]
		chosen = candidates[cursor%len(candidates)]
		r.rrCursor[task.Kind] = cursor + 1
	case StrategyLeastLoaded:
		chosen = candidates[0]
		for _, agent := range candidates[1:] {
			if agent.Load < chosen.Load {
				chosen = agent
			}
		}
	case StrategyPriorityBased:
		chosen = candidates[0]
		for _, agent := range candidates[1:] {
			if agent.Priority > chosen.Priority {
				chosen = agent
			}
		}
	case StrategyCapabilityWeighted:
		chosen = candidates[0]
		best := capabilityOverlap(chosen, task.RequiredCapabilities)
		for _, agent := range candidates[1:] {
			if overlap := capabilityOverlap(agent, task.RequiredCapabilities); overlap > best {
				chosen, best = agent, overlap
			}
		}
	case StrategyDynamic:
		chosen = candidates[0]
		best := dynamicScore(chosen, task.RequiredCapabilities, maxLoad(candidates))
		for _, agent := range candidates[1:] {
			if score := dynamicScore(agent, task.RequiredCapabilities, maxLoad(candidates)); score > best {
				chosen, best = agent, score
			}
		}
	default:
		return "", coorderr.Validation("unknown selection strategy " + string(strategy))
	}

	if task.ID != "" {
		r.assignments[chosen.ID] = append(r.assignments[chosen.ID], task.ID)
	}
	chosen.Load++

	r.log.WithAgentID(chosen.ID).Debug("agent selected for task",
		zap.String("task_id", task.ID),
		zap.String("strategy", string(strategy)))
	return chosen.ID, nil
}

// CompleteTask releases a task assignment and decrements the agent's load.
func (r *Registry) CompleteTask(agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return
	}
	if agent.Load > 0 {
		agent.Load--
	}
	tasks := r.assignments[agentID]
	for i, id := range tasks {
		if id == taskID {
			r.assignments[agentID] = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
}

// candidatesLocked returns live agents of the task's kind in stable id
// order. With requireAll, agents missing a required capability are
// excluded. Caller holds r.mu.
func (r *Registry) candidatesLocked(task Task, requireAll bool) []*Agent {
	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.sortedByID() {
		if agent.Kind != task.Kind {
			continue
		}
		if agent.Status == StatusDead || agent.Status == StatusStopped || agent.Status == StatusPaused {
			continue
		}
		if requireAll && capabilityOverlap(agent, task.RequiredCapabilities) < len(task.RequiredCapabilities) {
			continue
		}
		out = append(out, agent)
	}
	return out
}

// sortedByID returns the live agent records in id order. Caller holds r.mu.
func (r *Registry) sortedByID() []*Agent {
	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func capabilityOverlap(agent *Agent, required []string) int {
	overlap := 0
	for _, name := range required {
		if agent.hasCapability(name) {
			overlap++
		}
	}
	return overlap
}

func maxLoad(agents []*Agent) uint32 {
	var max uint32
	for _, agent := range agents {
		if agent.Load > max {
			max = agent.Load
		}
	}
	return max
}

// dynamicScore blends capability fit with inverse load, both normalized to
// [0,1]. An agent with no required capabilities still scores on load alone.
func dynamicScore(agent *Agent, required []string, peakLoad uint32) float64 {
	capScore := 1.0
	if len(required) > 0 {
		capScore = float64(capabilityOverlap(agent, required)) / float64(len(required))
	}
	loadScore := 1.0
	if peakLoad > 0 {
		loadScore = 1.0 - float64(agent.Load)/float64(peakLoad+1)
	}
	return dynamicCapabilityWeight*capScore + dynamicLoadWeight*loadScore
}

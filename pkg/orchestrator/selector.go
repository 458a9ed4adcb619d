package orchestrator

import (
	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"

	"github.com/sirsinexus/nexus/pkg/agent"
	"github.com/sirsinexus/nexus/pkg/types"
)

// Candidate is one connector as the selector sees it: the manager's snapshot
// plus the engine's in-flight count for that connector.
type Candidate struct {
	agent.AgentView
	InFlight int
}

// Selector picks the connector a task runs on. Implementations must be pure
// so selection is reproducible from the same inputs.
type Selector interface {
	// Select returns the chosen connector ID, or false when no candidate
	// can run the task.
	Select(task *types.Task, candidates []Candidate) (string, bool)
}

// capabilitySelector is the default strategy: a candidate is eligible when
// it is healthy and declares every required capability; ties break on fewest
// in-flight tasks, then lexicographic connector ID.
type capabilitySelector struct{}

// NewCapabilitySelector returns the default selection strategy.
func NewCapabilitySelector() Selector {
	return capabilitySelector{}
}

func (capabilitySelector) Select(task *types.Task, candidates []Candidate) (string, bool) {
	required := requiredCapabilities(task)

	eligible := lo.Filter(candidates, func(c Candidate, _ int) bool {
		return c.Healthy && lo.Every(c.Capabilities, required)
	})
	if len(eligible) == 0 {
		return "", false
	}

	best := lo.MinBy(eligible, func(a, b Candidate) bool {
		if a.InFlight != b.InFlight {
			return a.InFlight < b.InFlight
		}
		return a.ID < b.ID
	})
	return best.ID, true
}

// requiredCapabilities reads required_capabilities from the task parameters,
// falling back to what the task type implies.
func requiredCapabilities(task *types.Task) []string {
	var params struct {
		RequiredCapabilities []string `mapstructure:"required_capabilities"`
	}
	if len(task.Parameters) > 0 {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &params,
			WeaklyTypedInput: true,
		})
		if err == nil {
			_ = decoder.Decode(task.Parameters)
		}
	}
	if len(params.RequiredCapabilities) > 0 {
		return params.RequiredCapabilities
	}

	switch task.Type {
	case types.TaskDiscovery:
		return []string{agent.CapabilityDiscover}
	case types.TaskCostAnalysis:
		return []string{agent.CapabilityDiscover, agent.CapabilityEstimate}
	case types.TaskRecommendation, types.TaskRemediation, types.TaskPlanning:
		return []string{agent.CapabilityDiscover, agent.CapabilityRecommend}
	}
	return []string{agent.CapabilityDiscover}
}

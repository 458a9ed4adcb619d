package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sirsinexus/nexus/pkg/agent"
	"github.com/sirsinexus/nexus/pkg/types"
)

func candidate(id string, healthy bool, inFlight int, caps ...string) Candidate {
	return Candidate{
		AgentView: agent.AgentView{ID: id, Capabilities: caps, Healthy: healthy},
		InFlight:  inFlight,
	}
}

func TestSelectorRequiresCapabilities(t *testing.T) {
	task := &types.Task{Type: types.TaskCostAnalysis}
	candidates := []Candidate{
		candidate("azure-1", true, 0, "discover", "recommend", "health"),
		candidate("aws-1", true, 5, "discover", "estimate", "recommend", "health"),
	}

	// Cost analysis needs "estimate", which only the AWS connector declares.
	id, ok := NewCapabilitySelector().Select(task, candidates)
	assert.True(t, ok)
	assert.Equal(t, "aws-1", id)
}

func TestSelectorSkipsUnhealthy(t *testing.T) {
	task := &types.Task{Type: types.TaskDiscovery}
	candidates := []Candidate{
		candidate("aws-1", false, 0, "discover", "health"),
	}

	_, ok := NewCapabilitySelector().Select(task, candidates)
	assert.False(t, ok)
}

func TestSelectorPrefersLeastLoaded(t *testing.T) {
	task := &types.Task{Type: types.TaskDiscovery}
	candidates := []Candidate{
		candidate("aws-1", true, 3, "discover", "health"),
		candidate("gcp-1", true, 1, "discover", "health"),
	}

	id, ok := NewCapabilitySelector().Select(task, candidates)
	assert.True(t, ok)
	assert.Equal(t, "gcp-1", id)
}

func TestSelectorBreaksTiesByID(t *testing.T) {
	task := &types.Task{Type: types.TaskDiscovery}
	candidates := []Candidate{
		candidate("b-conn", true, 2, "discover"),
		candidate("a-conn", true, 2, "discover"),
	}

	id, ok := NewCapabilitySelector().Select(task, candidates)
	assert.True(t, ok)
	assert.Equal(t, "a-conn", id)
}

func TestSelectorHonorsExplicitCapabilities(t *testing.T) {
	task := &types.Task{
		Type:       types.TaskDiscovery,
		Parameters: map[string]any{"required_capabilities": []string{"estimate"}},
	}
	candidates := []Candidate{
		candidate("azure-1", true, 0, "discover", "recommend"),
		candidate("aws-1", true, 0, "discover", "estimate"),
	}

	id, ok := NewCapabilitySelector().Select(task, candidates)
	assert.True(t, ok)
	assert.Equal(t, "aws-1", id)
}

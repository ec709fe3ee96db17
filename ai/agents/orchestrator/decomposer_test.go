package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/divinesense-router/ai/routing"
)

func TestSplitClauses(t *testing.T) {
	tests := []struct {
		input string
		want  []clause
	}{
		{"plan my day and also check if it'll rain", []clause{{"plan my day", false}, {"check if it will rain", false}}},
		{"check the forecast then tell me my agenda", []clause{{"check the forecast", false}, {"tell me my agenda", true}}},
		{"save this; after that, remind me", []clause{{"save this", false}, {"remind me", true}}},
		{"a, b and then c", []clause{{"a", false}, {"b", false}, {"c", true}}},
		{"and also", nil},
		{"just one thing", []clause{{"just one thing", false}}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, splitClauses(tt.input))
		})
	}
}

func TestCapabilityMap_Identify(t *testing.T) {
	cm := newCapabilityMap([]routing.ExpertAdapter{
		&routing.Expert{Name: "calendar", Tags: []string{"Plan my day", "agenda", "meeting"}},
		&routing.Expert{Name: "weather", Tags: []string{"rain", "forecast", "weather"}},
		&routing.Expert{Name: "memory", Tags: []string{"remember", "weather"}},
	})

	tests := []struct {
		clause string
		domain string
		ok     bool
	}{
		{"plan my day", "calendar", true},
		{"check if it will rain", "weather", true},
		{"is it raining", "", false},
		{"weather forecast", "weather", true},
		{"weather", "", false},
		{"remember my meeting", "", false},
		{"something else", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.clause, func(t *testing.T) {
			m, ok := cm.identify(tt.clause)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.domain, m.domain)
			}
		})
	}
}

func TestValidatePlan(t *testing.T) {
	node := func(id string, deps ...string) *TaskNode {
		n := newTaskNode(id, "weather", "do "+id)
		n.DependsOn = deps
		return n
	}

	require.NoError(t, validatePlan(&Plan{Tasks: []*TaskNode{node("a"), node("b", "a"), node("c", "a", "b", "a")}}))
	assert.ErrorIs(t, validatePlan(&Plan{}), ErrNoPlan)
	assert.ErrorIs(t, validatePlan(&Plan{Tasks: []*TaskNode{node("")}}), ErrPlanRejected)
	assert.ErrorIs(t, validatePlan(&Plan{Tasks: []*TaskNode{node("a", "c"), node("b", "a"), node("c", "b")}}), ErrPlanRejected)

	withSlotRef := node("b")
	withSlotRef.Slots = routing.Slots{"text": "{{a.result}}"}
	assert.ErrorIs(t, validatePlan(&Plan{Tasks: []*TaskNode{node("a"), withSlotRef}}), ErrPlanRejected)
}

func TestResolveInput(t *testing.T) {
	out, err := resolveInput("remember {{t1.result}} and {{t2.result}}", map[string]string{"t1": " dentist ", "t2": "rain"})
	require.NoError(t, err)
	assert.Equal(t, "remember dentist and rain", out)

	_, err = resolveInput("remember {{t3.result}}", map[string]string{"t1": "x"})
	assert.Error(t, err)

	assert.Equal(t, []string{"t1", "t-2"}, references("{{t1.result}} {{t-2.result}}"))
}

package agent_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Strob0t/PRDForge/internal/agent"
	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/port/llm"
)

func TestFeatureSchemaIsInline(t *testing.T) {
	var s map[string]any
	require.NoError(t, json.Unmarshal(agent.FeatureSchema(), &s))
	assert.Equal(t, "object", s["type"])
	assert.NotContains(t, s, "$ref")
	assert.NotContains(t, s, "$schema")

	props, ok := s["properties"].(map[string]any)
	require.True(t, ok)
	for _, k := range []string{"name", "description", "requirements", "dependencies", "priority"} {
		assert.Contains(t, props, k)
	}
	assert.ElementsMatch(t, []any{"name", "description", "requirements", "dependencies", "priority"}, s["required"])
}

func TestParseFeature(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", `{"name":"Auth","description":"Login","requirements":["MFA"],"dependencies":[],"priority":"High"}`, false},
		{"unknown field", `{"name":"Auth","description":"Login","requirements":["MFA"],"dependencies":[],"priority":"high","extra":1}`, true},
		{"no requirements", `{"name":"Auth","description":"Login","requirements":[],"dependencies":[],"priority":"high"}`, true},
		{"bad priority", `{"name":"Auth","description":"Login","requirements":["MFA"],"dependencies":[],"priority":"urgent"}`, true},
		{"empty", ``, true},
		{"not json", `Auth feature`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := agent.ParseFeature(json.RawMessage(tt.data))
			if tt.wantErr {
				require.ErrorIs(t, err, llm.ErrInvalidOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, project.PriorityHigh, f.Priority)
			assert.NotNil(t, f.Dependencies)
		})
	}
}

func TestFeatureDefinesDraft(t *testing.T) {
	bus := newBus(t)
	var seen llm.Request
	model := featureModel()
	f, err := agent.NewFeature(bus, completerFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		seen = req
		return model(ctx, req)
	}), config.Orchestrator{}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(f.Close)
	defined := watch(t, bus, "agent.lead.feature_defined")

	_, err = bus.Publish(context.Background(), eventbusRequest(event.TypeFeatureRequest, agent.NameFeature,
		event.FeatureRequestPayload{RequestID: "r1", Objective: "auth", Context: project.Snapshot{Title: "Tic Tac Toe"}}))
	require.NoError(t, err)
	f.Wait()

	got := decodeAll[event.FeatureDefinedPayload](t, defined.all())
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RequestID)
	assert.Equal(t, "auth", got[0].Objective)
	assert.Equal(t, "Auth", got[0].Feature.Name)
	assert.Equal(t, project.StageDraft, got[0].Feature.Status)

	assert.Equal(t, "feature", seen.SchemaName)
	assert.NotEmpty(t, seen.Schema)
	assert.Contains(t, seen.Messages[1].Content, "Tic Tac Toe")
}

func TestFeatureRevisionKeepsName(t *testing.T) {
	bus := newBus(t)
	var prompt string
	model := featureModel()
	f, err := agent.NewFeature(bus, completerFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		prompt = req.Messages[1].Content
		return model(ctx, req)
	}), config.Orchestrator{}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(f.Close)
	defined := watch(t, bus, "agent.lead.feature_defined")

	res := f.Define(context.Background(), event.FeatureRequestPayload{
		RequestID: "r2",
		Feature:   &project.Feature{Name: "Authentication", Description: "Login"},
		Feedback:  []string{"Add MFA"},
	})
	require.False(t, res.Failed(), res.Error)

	got := decodeAll[event.FeatureDefinedPayload](t, defined.all())
	require.Len(t, got, 1)
	assert.Equal(t, "Authentication", got[0].Feature.Name)
	assert.Equal(t, project.StageRefined, got[0].Feature.Status)
	assert.True(t, strings.Contains(prompt, "- Add MFA"))
	assert.Contains(t, prompt, "keep its name")
}

func TestFeatureInvalidOutputReports(t *testing.T) {
	tests := []struct {
		name   string
		model  completerFunc
		reason string
	}{
		{
			name: "invalid output",
			model: func(context.Context, llm.Request) (llm.Response, error) {
				return llm.Response{Data: json.RawMessage(`{"name":"Auth"}`)}, nil
			},
			reason: event.ErrAgentFailure,
		},
		{
			name: "quota",
			model: func(context.Context, llm.Request) (llm.Response, error) {
				return llm.Response{}, llm.ErrQuotaExceeded
			},
			reason: event.ErrQuotaExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newBus(t)
			f, err := agent.NewFeature(bus, tt.model, config.Orchestrator{}, quietLogger())
			require.NoError(t, err)
			t.Cleanup(f.Close)
			defined := watch(t, bus, "agent.lead.feature_defined")
			errs := watch(t, bus, "system.error")

			res := f.Define(context.Background(), event.FeatureRequestPayload{RequestID: "r", Objective: "auth"})
			assert.True(t, res.Failed())
			assert.Zero(t, defined.len())
			payloads := decodeAll[event.ErrorPayload](t, errs.all())
			require.Len(t, payloads, 1)
			assert.Equal(t, tt.reason, payloads[0].Error)
			assert.Equal(t, "auth", payloads[0].Feature)
		})
	}
}

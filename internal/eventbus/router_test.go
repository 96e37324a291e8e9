package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/domain/event"
)

func TestFormatTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		fields  map[string]string
		want    string
		wantErr bool
	}{
		{"system", SystemPattern, map[string]string{"event": "initialized"}, "system.initialized", false},
		{"agent", AgentPattern, map[string]string{"agent": "lead", "event": "research_complete"}, "agent.lead.research_complete", false},
		{"missing field", AgentPattern, map[string]string{"event": "x"}, "", true},
		{"empty field", SystemPattern, map[string]string{"event": ""}, "", true},
		{"dot in field", AgentPattern, map[string]string{"agent": "a.b", "event": "x"}, "", true},
		{"star in field", SystemPattern, map[string]string{"event": "*"}, "", true},
		{"unterminated", "system.{event", map[string]string{"event": "x"}, "", true},
		{"no placeholders", "system.shutdown", nil, "system.shutdown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatTopic(tt.pattern, tt.fields)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	r := NewRouter()
	tests := []struct {
		eventType event.Type
		agent     string
		want      string
	}{
		{event.TypeInitialized, "", "system.initialized"},
		{event.TypeDocumentComplete, event.Broadcast, "system.documentation_complete"},
		{event.TypeError, event.SystemMonitor, "system.error"},
		{event.TypeResearchRequest, "research", "agent.research.research_request"},
		{Wildcard, "", Wildcard},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.eventType, tt.agent)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidateEventType(t *testing.T) {
	r := NewRouter()
	valid := []string{
		"*",
		"system.initialized",
		"system.error",
		"agent.lead.research_complete",
		"agent.anything.feature_request",
	}
	for _, topic := range valid {
		assert.True(t, r.ValidateEventType(topic), topic)
	}

	invalid := []string{
		"",
		"system",
		"system.error.extra",
		"system.research_request",
		"agent.lead",
		"agent.lead.unknown",
		"agent..research_complete",
		"tasks.created",
	}
	for _, topic := range invalid {
		assert.False(t, r.ValidateEventType(topic), topic)
		var terr *InvalidTopicError
		assert.ErrorAs(t, r.Validate(topic), &terr, topic)
	}
}

func TestRouterOptionsDoNotLeakIntoDefaults(t *testing.T) {
	custom := NewRouter(WithSystemEvents("heartbeat"))
	assert.True(t, custom.ValidateEventType("system.heartbeat"))
	assert.False(t, NewRouter().ValidateEventType("system.heartbeat"))

	tax := event.Taxonomy{System: map[event.Type]bool{"only": true}, Agent: map[event.Type]bool{}}
	r := NewRouter(WithTaxonomy(tax))
	assert.True(t, r.ValidateEventType("system.only"))
	assert.False(t, r.ValidateEventType("system.initialized"))
}

func TestMatchMergesWildcardByRegistration(t *testing.T) {
	r := NewRouter()
	r.add(&subscription{id: "1", seq: 1, topic: "system.progress"})
	r.add(&subscription{id: "2", seq: 2, topic: Wildcard})
	r.add(&subscription{id: "3", seq: 3, topic: "system.progress"})
	r.add(&subscription{id: "4", seq: 4, topic: "system.error"})

	var ids []string
	for _, s := range r.match("system.progress") {
		ids = append(ids, s.id)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	ids = nil
	for _, s := range r.match(Wildcard) {
		ids = append(ids, s.id)
	}
	assert.Equal(t, []string{"2"}, ids)
}

func TestRemoveOwner(t *testing.T) {
	r := NewRouter()
	r.add(&subscription{id: "1", seq: 1, topic: "system.progress", owner: "a"})
	r.add(&subscription{id: "2", seq: 2, topic: "system.error", owner: "a"})
	r.add(&subscription{id: "3", seq: 3, topic: "system.progress", owner: "b"})

	assert.Equal(t, 2, r.removeOwner("a"))
	assert.Equal(t, 0, r.removeOwner("a"))
	assert.Equal(t, map[string]int{"b": 1}, r.countByOwner())
	assert.Len(t, r.match("system.progress"), 1)
	assert.Empty(t, r.match("system.error"))
}

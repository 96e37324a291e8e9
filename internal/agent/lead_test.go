package agent_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Strob0t/PRDForge/internal/agent"
	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/logger"
)

var ticTacToe = project.Init{
	Title:       "Tic Tac Toe",
	Description: "A two player game",
	Objectives:  []string{"auth", "board"},
}

func newLead(t *testing.T, bus *eventbus.Bus, cfg config.Orchestrator) *agent.Lead {
	t.Helper()
	l, err := agent.NewLead(bus, cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

// answerResearch feeds a research_complete for every captured request.
func answerResearch(t *testing.T, ctx context.Context, bus *eventbus.Bus, reqs []event.ResearchRequestPayload) {
	t.Helper()
	for _, r := range reqs {
		_, err := bus.Publish(ctx, eventbus.PublishRequest{
			Type:   event.TypeResearchComplete,
			Source: agent.NameResearch,
			Target: agent.NameLead,
			Payload: event.ResearchCompletePayload{
				TaskID:   r.TaskID,
				Query:    r.Query,
				Findings: []string{"finding for " + r.Query},
				Sources:  []string{"https://example.com"},
			},
		})
		require.NoError(t, err)
	}
}

func TestInitializeDispatchesResearchThenFeatures(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	research := watch(t, bus, "agent.research.research_request")
	features := watch(t, bus, "agent.feature.feature_request")
	memory := watch(t, bus, "agent.memory.update_memory")

	ctx := logger.WithCorrelationID(context.Background(), "proj-1")
	res := lead.InitializeProject(ctx, ticTacToe)
	require.False(t, res.Failed(), res.Error)

	reqs := decodeAll[event.ResearchRequestPayload](t, research.all())
	require.Len(t, reqs, 4)
	var objectives []string
	for _, r := range reqs {
		assert.NotEmpty(t, r.TaskID)
		assert.Equal(t, "Tic Tac Toe", r.Context.Title)
		if r.Objective != "" {
			objectives = append(objectives, r.Objective)
		}
	}
	assert.ElementsMatch(t, []string{"auth", "board"}, objectives)
	for _, m := range research.all() {
		assert.Equal(t, "proj-1", m.CorrelationID)
	}

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.StatusResearchDispatched, p.Status)
	assert.Equal(t, "proj-1", p.ProjectID)

	answerResearch(t, ctx, bus, reqs)

	p, err = lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.StatusDefiningFeatures, p.Status)
	assert.Equal(t, 0, p.PendingResearch)
	assert.Equal(t, 4, memory.len(), "one research record per task")

	frs := decodeAll[event.FeatureRequestPayload](t, features.all())
	require.Len(t, frs, 2)
	got := []string{frs[0].Objective, frs[1].Objective}
	slices.Sort(got)
	assert.Equal(t, []string{"auth", "board"}, got)
	assert.Len(t, frs[0].Context.Findings, 4)
}

func TestInitializeRejectsInvalidInput(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	research := watch(t, bus, "agent.research.research_request")

	tests := []struct {
		name string
		in   project.Init
	}{
		{"empty title", project.Init{Objectives: []string{"auth"}}},
		{"no objectives", project.Init{Title: "Chess"}},
		{"blank objective", project.Init{Title: "Chess", Objectives: []string{" "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := lead.InitializeProject(context.Background(), tt.in)
			assert.True(t, res.Failed())
			assert.NotEmpty(t, res.Error)
		})
	}
	assert.Zero(t, research.len())

	_, err := lead.Progress()
	assert.ErrorIs(t, err, agent.ErrNoProject)
}

func TestUnknownAndDuplicateResearchIgnored(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	research := watch(t, bus, "agent.research.research_request")
	errs := watch(t, bus, "system.error")

	ctx := context.Background()
	require.False(t, lead.InitializeProject(ctx, ticTacToe).Failed())
	reqs := decodeAll[event.ResearchRequestPayload](t, research.all())

	answerResearch(t, ctx, bus, []event.ResearchRequestPayload{{TaskID: "nope", Query: "q"}})
	answerResearch(t, ctx, bus, reqs[:1])
	answerResearch(t, ctx, bus, reqs[:1])

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, 3, p.PendingResearch)
	assert.Equal(t, 1, p.CompletedResearch)
	assert.Zero(t, errs.len())
}

func TestResearchTimeoutProceedsWithPartialFindings(t *testing.T) {
	bus := newBus(t)
	sched := &manualScheduler{}
	lead := newLead(t, bus, config.Orchestrator{ResearchTimeout: time.Minute})
	lead.SetScheduler(sched)
	research := watch(t, bus, "agent.research.research_request")
	features := watch(t, bus, "agent.feature.feature_request")

	ctx := context.Background()
	require.False(t, lead.InitializeProject(ctx, ticTacToe).Failed())
	answerResearch(t, ctx, bus, decodeAll[event.ResearchRequestPayload](t, research.all())[:2])

	require.True(t, sched.fire())

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.StatusDefiningFeatures, p.Status)
	assert.Equal(t, 2, p.PendingResearch)
	assert.Equal(t, 2, features.len())
}

// defineFeature drives a project to the point where name is completed and
// awaiting validation.
func defineFeature(t *testing.T, ctx context.Context, bus *eventbus.Bus, lead *agent.Lead, name string) {
	t.Helper()
	research := watch(t, bus, "agent.research.research_request")
	require.False(t, lead.InitializeProject(ctx, ticTacToe).Failed())
	answerResearch(t, ctx, bus, decodeAll[event.ResearchRequestPayload](t, research.all()))

	_, err := bus.Publish(ctx, eventbus.PublishRequest{
		Type:   event.TypeFeatureDefined,
		Source: agent.NameFeature,
		Target: agent.NameLead,
		Payload: event.FeatureDefinedPayload{
			Objective: "auth",
			Feature: project.Feature{
				Name:         name,
				Description:  "Login",
				Requirements: []string{"Password login"},
				Priority:     project.PriorityHigh,
			},
		},
	})
	require.NoError(t, err)
}

func publishVerdict(t *testing.T, ctx context.Context, bus *eventbus.Bus, name, status, feedback string) {
	t.Helper()
	_, err := bus.Publish(ctx, eventbus.PublishRequest{
		Type:   event.TypeValidationComplete,
		Source: agent.NameValidation,
		Target: agent.NameLead,
		Payload: event.ValidationCompletePayload{
			Feature:  project.Feature{Name: name},
			Status:   status,
			Score:    0.4,
			Feedback: feedback,
		},
	})
	require.NoError(t, err)
}

func TestInvalidValidationRequestsRevision(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	validations := watch(t, bus, "agent.validation.validation_request")
	ctx := context.Background()
	defineFeature(t, ctx, bus, lead, "Authentication")
	require.Equal(t, 1, validations.len())

	features := watch(t, bus, "agent.feature.feature_request")
	publishVerdict(t, ctx, bus, "Authentication", "invalid", "Add MFA")

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.FeatureNeedsRevision, p.FeaturesStatus["Authentication"])
	assert.Equal(t, []string{"Add MFA"}, p.ValidationFeedback["Authentication"])

	frs := decodeAll[event.FeatureRequestPayload](t, features.all())
	require.Len(t, frs, 1)
	require.NotNil(t, frs[0].Feature)
	assert.Equal(t, "Authentication", frs[0].Feature.Name)
	assert.Contains(t, frs[0].Feedback, "Add MFA")
}

func TestRevisionLimitEscalates(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{MaxRevisions: 1})
	errs := watch(t, bus, "system.error")
	ctx := context.Background()
	defineFeature(t, ctx, bus, lead, "Authentication")

	features := watch(t, bus, "agent.feature.feature_request")
	publishVerdict(t, ctx, bus, "Authentication", "invalid", "Add MFA")
	publishVerdict(t, ctx, bus, "Authentication", "invalid", "Still no MFA")

	assert.Equal(t, 1, features.len(), "no revision past the limit")
	payloads := decodeAll[event.ErrorPayload](t, errs.all())
	require.Len(t, payloads, 1)
	assert.Equal(t, event.ErrMaxRevisionsExceeded, payloads[0].Error)
	assert.Equal(t, "Authentication", payloads[0].Feature)

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.FeatureNeedsRevision, p.FeaturesStatus["Authentication"])
}

func TestValidFeatureCompletesDocument(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	docs := watch(t, bus, "system.documentation_complete")
	ctx := context.Background()
	defineFeature(t, ctx, bus, lead, "Authentication")

	// The second objective is still outstanding.
	publishVerdict(t, ctx, bus, "Authentication", "valid", "All validations passed")
	assert.Zero(t, docs.len())

	_, err := bus.Publish(ctx, eventbus.PublishRequest{
		Type:   event.TypeFeatureDefined,
		Target: agent.NameLead,
		Payload: event.FeatureDefinedPayload{Objective: "board", Feature: project.Feature{
			Name: "Board", Description: "3x3 grid", Requirements: []string{"render"}, Priority: project.PriorityMedium,
		}},
	})
	require.NoError(t, err)
	p, err := lead.Progress()
	require.NoError(t, err)
	require.Equal(t, project.StatusDefiningFeatures, p.Status)

	publishVerdict(t, ctx, bus, "Board", "valid", "All validations passed")

	p, err = lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.StatusDocumentationComplete, p.Status)
	require.Equal(t, 1, docs.len())
	done := decodeAll[event.DocumentCompletePayload](t, docs.all())[0]
	require.Len(t, done.Document.Features, 2)
	assert.Equal(t, "Authentication", done.Document.Features[0].Name, "high priority first")

	doc, err := lead.Document()
	require.NoError(t, err)
	assert.Equal(t, project.StatusDocumentationComplete, doc.Status)
}

func TestValidationForUntrackedFeatureIgnored(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	ctx := context.Background()
	defineFeature(t, ctx, bus, lead, "Authentication")

	publishVerdict(t, ctx, bus, "Ghost", "valid", "")

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.NotContains(t, p.FeaturesStatus, "Ghost")
}

type recordingStore struct {
	features []project.Feature
}

func (r *recordingStore) StoreFeature(_ context.Context, f project.Feature) agent.Result {
	r.features = append(r.features, f)
	return agent.OK(nil)
}

func TestUserFeedbackRedispatches(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	rec := &recordingStore{}
	lead.SetRecorder(rec)
	ctx := context.Background()
	defineFeature(t, ctx, bus, lead, "Authentication")
	publishVerdict(t, ctx, bus, "Authentication", "valid", "")

	features := watch(t, bus, "agent.feature.feature_request")
	_, err := bus.Publish(ctx, eventbus.PublishRequest{
		Type: event.TypeUserFeedback,
		Payload: event.UserFeedbackPayload{
			Features:   []event.FeedbackItem{{Feature: project.Feature{Name: "Authentication", Description: "Login"}, Feedback: "Support SSO"}},
			Objectives: []string{"leaderboard"},
		},
	})
	require.NoError(t, err)

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.StatusUpdating, p.Status)
	assert.Equal(t, project.FeatureNeedsRevision, p.FeaturesStatus["Authentication"])

	require.Len(t, rec.features, 1)
	assert.Equal(t, "Authentication", rec.features[0].Name)
	assert.Equal(t, project.StageNeedsRevision, rec.features[0].Status)

	frs := decodeAll[event.FeatureRequestPayload](t, features.all())
	require.Len(t, frs, 2)
	assert.Equal(t, []string{"Support SSO"}, frs[0].Feedback)
	assert.Equal(t, "leaderboard", frs[1].Objective)
}

func TestSubmitFeedbackUsesProjectCorrelation(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	ctx := context.Background()
	fb := event.UserFeedbackPayload{Objectives: []string{"export"}}

	_, err := lead.SubmitFeedback(ctx, "cli", fb)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.False(t, lead.InitializeProject(logger.WithCorrelationID(ctx, "proj-7"), ticTacToe).Failed())

	_, err = lead.SubmitFeedback(ctx, "cli", event.UserFeedbackPayload{})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = lead.SubmitFeedback(ctx, "cli", event.UserFeedbackPayload{ProjectID: "other", Objectives: []string{"x"}})
	require.ErrorIs(t, err, domain.ErrConflict)

	msg, err := lead.SubmitFeedback(ctx, "cli", fb)
	require.NoError(t, err)
	assert.Equal(t, "proj-7", msg.CorrelationID)
	assert.Equal(t, "cli", msg.Source)
	assert.Equal(t, "agent.lead.user_feedback", msg.Topic)

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.StatusUpdating, p.Status)
}

func TestLeadExecuteTask(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	ctx := context.Background()

	_, err := lead.ExecuteTask(ctx, agent.Task{Type: "initialize_project", Payload: "bad"})
	require.Error(t, err)

	res, err := lead.ExecuteTask(ctx, agent.Task{Type: "progress"})
	require.NoError(t, err)
	assert.True(t, res.Failed())

	res, err = lead.ExecuteTask(ctx, agent.Task{Type: "initialize_project", Payload: ticTacToe})
	require.NoError(t, err)
	require.False(t, res.Failed())

	res, err = lead.ExecuteTask(ctx, agent.Task{Type: "document"})
	require.NoError(t, err)
	doc, ok := res.Data.(project.Document)
	require.True(t, ok)
	assert.Equal(t, "Tic Tac Toe", doc.Title)
	assert.Empty(t, doc.Features)

	_, err = lead.ExecuteTask(ctx, agent.Task{Type: "dance"})
	assert.ErrorIs(t, err, agent.ErrNotImplemented)
}

func TestProjectSummaryReadyStartsPipeline(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	research := watch(t, bus, "agent.research.research_request")

	_, err := bus.Publish(context.Background(), eventbus.PublishRequest{
		Type:          event.TypeProjectSummaryReady,
		Source:        agent.NameConsultant,
		Target:        agent.NameLead,
		CorrelationID: "summary-1",
		Payload: event.ProjectSummaryReadyPayload{Summary: project.Summary{
			Title:       "Recipe Box",
			Description: "Store recipes",
			TargetUsers: []string{"home cooks"},
			Goals:       []string{"share recipes"},
			KeyFeatures: []string{"search", "tags"},
		}},
	})
	require.NoError(t, err)

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, "summary-1", p.ProjectID)
	assert.Equal(t, "Recipe Box", p.Title)
	assert.Equal(t, 4, research.len())
}

func publishDefinition(t *testing.T, ctx context.Context, bus *eventbus.Bus, requestID, objective, name string) {
	t.Helper()
	_, err := bus.Publish(ctx, eventbus.PublishRequest{
		Type:   event.TypeFeatureDefined,
		Source: agent.NameFeature,
		Target: agent.NameLead,
		Payload: event.FeatureDefinedPayload{
			RequestID: requestID,
			Objective: objective,
			Feature: project.Feature{
				Name:         name,
				Description:  name + " for " + objective,
				Requirements: []string{"works"},
				Priority:     project.PriorityMedium,
			},
		},
	})
	require.NoError(t, err)
}

// startFeatures initializes ticTacToe, answers all research and returns the
// objective feature requests.
func startFeatures(t *testing.T, ctx context.Context, bus *eventbus.Bus, lead *agent.Lead) map[string]event.FeatureRequestPayload {
	t.Helper()
	research := watch(t, bus, "agent.research.research_request")
	features := watch(t, bus, "agent.feature.feature_request")
	require.False(t, lead.InitializeProject(ctx, ticTacToe).Failed())
	answerResearch(t, ctx, bus, decodeAll[event.ResearchRequestPayload](t, research.all()))

	byObjective := map[string]event.FeatureRequestPayload{}
	for _, fr := range decodeAll[event.FeatureRequestPayload](t, features.all()) {
		byObjective[fr.Objective] = fr
	}
	require.Len(t, byObjective, 2)
	return byObjective
}

func TestFeedbackDuringResearchKeepsObjectives(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	research := watch(t, bus, "agent.research.research_request")
	features := watch(t, bus, "agent.feature.feature_request")
	docs := watch(t, bus, "system.documentation_complete")
	ctx := context.Background()

	require.False(t, lead.InitializeProject(ctx, ticTacToe).Failed())
	_, err := lead.SubmitFeedback(ctx, "cli", event.UserFeedbackPayload{Objectives: []string{"leaderboard"}})
	require.NoError(t, err)
	assert.Zero(t, features.len(), "objectives wait for research")

	answerResearch(t, ctx, bus, decodeAll[event.ResearchRequestPayload](t, research.all()))

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.StatusDefiningFeatures, p.Status)

	frs := decodeAll[event.FeatureRequestPayload](t, features.all())
	var objectives []string
	for _, fr := range frs {
		objectives = append(objectives, fr.Objective)
	}
	assert.Equal(t, []string{"auth", "board", "leaderboard"}, objectives)
	assert.Len(t, frs[0].Context.Findings, 4)

	// Only the feedback objective is answered; the PRD must wait for the rest.
	publishDefinition(t, ctx, bus, frs[2].RequestID, "leaderboard", "Leaderboard")
	publishVerdict(t, ctx, bus, "Leaderboard", "valid", "")
	assert.Zero(t, docs.len())
}

func TestResearchTimeoutAfterFeedbackStillRequestsObjectives(t *testing.T) {
	bus := newBus(t)
	sched := &manualScheduler{}
	lead := newLead(t, bus, config.Orchestrator{ResearchTimeout: time.Minute})
	lead.SetScheduler(sched)
	features := watch(t, bus, "agent.feature.feature_request")
	ctx := context.Background()

	require.False(t, lead.InitializeProject(ctx, ticTacToe).Failed())
	_, err := lead.SubmitFeedback(ctx, "cli", event.UserFeedbackPayload{Objectives: []string{"board", "leaderboard"}})
	require.NoError(t, err)

	require.True(t, sched.fire())
	assert.Equal(t, 3, features.len(), "duplicate objectives are requested once")
	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.StatusDefiningFeatures, p.Status)
}

func TestFeatureTimeoutDropsUnansweredRequest(t *testing.T) {
	bus := newBus(t)
	sched := &manualScheduler{}
	lead := newLead(t, bus, config.Orchestrator{FeatureTimeout: time.Minute})
	lead.SetScheduler(sched)
	errs := watch(t, bus, "system.error")
	docs := watch(t, bus, "system.documentation_complete")
	ctx := logger.WithCorrelationID(context.Background(), "proj-lost")

	reqs := startFeatures(t, ctx, bus, lead)
	publishDefinition(t, ctx, bus, reqs["auth"].RequestID, "auth", "Authentication")
	publishVerdict(t, ctx, bus, "Authentication", "valid", "")
	require.Zero(t, docs.len(), "board is still requested")

	// The feature agent failed on board and never answers.
	require.True(t, sched.fire())
	assert.False(t, sched.fire(), "the answered request's timer was stopped")

	payloads := decodeAll[event.ErrorPayload](t, errs.all())
	require.Len(t, payloads, 1)
	assert.Equal(t, event.ErrFeatureTimeout, payloads[0].Error)
	assert.Contains(t, payloads[0].Message, `"board"`)
	assert.Equal(t, "proj-lost", errs.all()[0].CorrelationID)

	require.Equal(t, 1, docs.len())
	done := decodeAll[event.DocumentCompletePayload](t, docs.all())[0]
	require.Len(t, done.Document.Features, 1)
	assert.Equal(t, "Authentication", done.Document.Features[0].Name)
}

func TestResubmittedObjectiveReplacesLostRequest(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	docs := watch(t, bus, "system.documentation_complete")
	ctx := context.Background()

	reqs := startFeatures(t, ctx, bus, lead)
	publishDefinition(t, ctx, bus, reqs["auth"].RequestID, "auth", "Authentication")
	publishVerdict(t, ctx, bus, "Authentication", "valid", "")

	features := watch(t, bus, "agent.feature.feature_request")
	_, err := lead.SubmitFeedback(ctx, "cli", event.UserFeedbackPayload{Objectives: []string{"board"}})
	require.NoError(t, err)
	frs := decodeAll[event.FeatureRequestPayload](t, features.all())
	require.Len(t, frs, 1)
	assert.NotEqual(t, reqs["board"].RequestID, frs[0].RequestID)

	publishDefinition(t, ctx, bus, frs[0].RequestID, "board", "Board")
	publishVerdict(t, ctx, bus, "Board", "valid", "")

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.StatusDocumentationComplete, p.Status)
	assert.Equal(t, 1, docs.len())
}

func TestIgnoredDefinitionStillResolvesRequest(t *testing.T) {
	bus := newBus(t)
	lead := newLead(t, bus, config.Orchestrator{})
	docs := watch(t, bus, "system.documentation_complete")
	ctx := context.Background()

	reqs := startFeatures(t, ctx, bus, lead)
	publishDefinition(t, ctx, bus, reqs["auth"].RequestID, "auth", "Authentication")
	publishVerdict(t, ctx, bus, "Authentication", "valid", "")

	// board came back as a duplicate of an already validated feature.
	publishDefinition(t, ctx, bus, reqs["board"].RequestID, "board", "Authentication")

	p, err := lead.Progress()
	require.NoError(t, err)
	assert.Equal(t, project.FeatureValidated, p.FeaturesStatus["Authentication"])
	assert.Equal(t, project.StatusDocumentationComplete, p.Status)
	assert.Equal(t, 1, docs.len())
}

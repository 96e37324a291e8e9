package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/memory"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/logger"
)

// ErrNoProject is returned when an operation needs an initialized project.
var ErrNoProject = fmt.Errorf("no active project: %w", domain.ErrNotFound)

// FeatureRecorder persists a feature outside the event flow.
type FeatureRecorder interface {
	StoreFeature(ctx context.Context, f project.Feature) Result
}

// Lead owns the project context and drives the pipeline: research, feature
// definition, validation with bounded revisions, and PRD assembly.
type Lead struct {
	*Base
	maxRevisions    int
	researchTimeout time.Duration
	featureTimeout  time.Duration
	scheduler       eventbus.Scheduler
	recorder        FeatureRecorder
	now             func() time.Time

	mu       sync.Mutex
	proj     *project.Context
	begun    bool                       // research drained or timed out; objectives requested
	requests map[string]*pendingRequest // objective feature_request id -> request
	timer    eventbus.Timer
	doc      *project.Document
}

// pendingRequest is an objective feature_request awaiting feature_defined.
type pendingRequest struct {
	objective string
	timer     eventbus.Timer
}

// NewLead creates the lead agent and subscribes it to its inbound events.
func NewLead(bus *eventbus.Bus, cfg config.Orchestrator, log *slog.Logger) (*Lead, error) {
	l := &Lead{
		Base:            NewBase(NameLead, bus, log, cfg.MaxConcurrentTasks),
		maxRevisions:    cfg.MaxRevisions,
		researchTimeout: cfg.ResearchTimeout,
		featureTimeout:  cfg.FeatureTimeout,
		scheduler:       eventbus.RealScheduler{},
		now:             time.Now,
		requests:        make(map[string]*pendingRequest),
	}
	if l.maxRevisions <= 0 {
		l.maxRevisions = 3
	}

	h := func(ctx context.Context, msg event.Message) error { return l.HandleEvent(ctx, msg) }
	for _, t := range []event.Type{
		event.TypeProjectSummaryReady,
		event.TypeResearchComplete,
		event.TypeFeatureDefined,
		event.TypeFeatureCompleted,
		event.TypeValidationComplete,
		event.TypeValidationResult,
		event.TypeUserFeedback,
	} {
		if err := l.Subscribe(t, h); err != nil {
			return nil, err
		}
	}
	// External triggers may broadcast instead of addressing the lead.
	for _, t := range []event.Type{event.TypeProjectSummaryReady, event.TypeUserFeedback} {
		if err := l.SubscribeSystem(t, h); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// SetRecorder sets the collaborator used to persist user-edited features.
// Without one, edits are sent to the memory agent as update_memory events.
func (l *Lead) SetRecorder(r FeatureRecorder) { l.recorder = r }

// SetScheduler replaces the timer used for the research and feature timeouts.
func (l *Lead) SetScheduler(s eventbus.Scheduler) { l.scheduler = s }

// SetClock replaces the time source.
func (l *Lead) SetClock(now func() time.Time) { l.now = now }

// HandleEvent dispatches one inbound event. Failures are reported as
// system.error and never returned to the bus.
func (l *Lead) HandleEvent(ctx context.Context, msg event.Message) error {
	var err error
	feature := ""
	switch msg.Type {
	case event.TypeProjectSummaryReady:
		var p event.ProjectSummaryReadyPayload
		if p, err = decodeOrReport[event.ProjectSummaryReadyPayload](ctx, l.Base, msg); err == nil {
			id := p.ProjectID
			if id == "" {
				id = msg.CorrelationID
			}
			_, err = l.initialize(ctx, id, p.Summary.ToInit())
		}
	case event.TypeResearchComplete:
		var p event.ResearchCompletePayload
		if p, err = decodeOrReport[event.ResearchCompletePayload](ctx, l.Base, msg); err == nil {
			err = l.onResearchComplete(ctx, p)
		}
	case event.TypeFeatureDefined, event.TypeFeatureCompleted:
		var p event.FeatureDefinedPayload
		if p, err = decodeOrReport[event.FeatureDefinedPayload](ctx, l.Base, msg); err == nil {
			feature = p.Feature.Name
			err = l.onFeatureDefined(ctx, p)
		}
	case event.TypeValidationComplete, event.TypeValidationResult:
		var p event.ValidationCompletePayload
		if p, err = decodeOrReport[event.ValidationCompletePayload](ctx, l.Base, msg); err == nil {
			feature = p.Feature.Name
			err = l.onValidation(ctx, p)
		}
	case event.TypeUserFeedback:
		var p event.UserFeedbackPayload
		if p, err = decodeOrReport[event.UserFeedbackPayload](ctx, l.Base, msg); err == nil {
			err = l.onUserFeedback(ctx, p)
		}
	default:
		err = fmt.Errorf("lead cannot handle %s: %w", msg.Type, ErrNotImplemented)
	}
	if err != nil {
		l.Report(ctx, feature, err)
	}
	return nil
}

// ExecuteTask supports "initialize_project" (payload project.Init),
// "progress" and "document".
func (l *Lead) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	switch task.Type {
	case "initialize_project":
		in, ok := task.Payload.(project.Init)
		if !ok {
			return Result{}, fmt.Errorf("initialize_project payload must be project.Init, got %T: %w", task.Payload, domain.ErrValidation)
		}
		return l.InitializeProject(ctx, in), nil
	case "progress":
		p, err := l.Progress()
		if err != nil {
			return Fail(err), nil
		}
		return OK(p), nil
	case "document":
		d, err := l.Document()
		if err != nil {
			return Fail(err), nil
		}
		return OK(d), nil
	}
	return Result{}, fmt.Errorf("lead task %q: %w", task.Type, ErrNotImplemented)
}

// InitializeProject starts a new project, replacing any current one. The
// correlation id of ctx, when set, becomes the project id. Invalid input is
// an error result.
func (l *Lead) InitializeProject(ctx context.Context, in project.Init) Result {
	p, err := l.initialize(ctx, logger.CorrelationID(ctx), in)
	if err != nil {
		l.log.WarnContext(ctx, "project initialization failed", "error", err)
		return Fail(err)
	}
	return OK(p)
}

// SubmitFeedback validates p and sends it to the lead as a user_feedback
// event from source, under the active project's correlation id. A ProjectID
// naming another project is a conflict.
func (l *Lead) SubmitFeedback(ctx context.Context, source string, p event.UserFeedbackPayload) (event.Message, error) {
	if err := event.Check(event.TypeUserFeedback, &p); err != nil {
		return event.Message{}, err
	}
	prog, err := l.Progress()
	if err != nil {
		return event.Message{}, err
	}
	if p.ProjectID != "" && p.ProjectID != prog.ProjectID {
		return event.Message{}, fmt.Errorf("project %s is not active: %w", p.ProjectID, domain.ErrConflict)
	}
	p.ProjectID = prog.ProjectID
	return l.bus.Publish(ctx, eventbus.PublishRequest{
		Type:          event.TypeUserFeedback,
		Source:        source,
		Target:        NameLead,
		Payload:       p,
		CorrelationID: prog.ProjectID,
	})
}

// Progress returns a snapshot of the current project.
func (l *Lead) Progress() (project.Progress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.proj == nil {
		return project.Progress{}, ErrNoProject
	}
	return l.proj.Progress(), nil
}

// Document returns the assembled PRD once documentation is complete, and a
// draft of the validated features so far before that.
func (l *Lead) Document() (project.Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.proj == nil {
		return project.Document{}, ErrNoProject
	}
	if l.doc != nil {
		return *l.doc, nil
	}
	return project.BuildDocument(l.proj, l.now().UTC()), nil
}

// outgoing events are marshalled while the lock is held and published after
// it is released.
type outgoing struct {
	typ     event.Type
	target  string
	payload json.RawMessage
}

type outbox struct {
	items []outgoing
	err   error
}

func (o *outbox) add(typ event.Type, target string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.err = errors.Join(o.err, fmt.Errorf("marshal %s: %w", typ, err))
		return
	}
	o.items = append(o.items, outgoing{typ: typ, target: target, payload: data})
}

func (l *Lead) flush(ctx context.Context, o *outbox) error {
	errs := []error{o.err}
	for _, it := range o.items {
		errs = append(errs, l.Publish(ctx, it.typ, it.payload, it.target))
	}
	return errors.Join(errs...)
}

func (l *Lead) initialize(ctx context.Context, id string, in project.Init) (project.Progress, error) {
	if err := project.ValidateInit(in); err != nil {
		return project.Progress{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	ctx = logger.WithCorrelationID(ctx, id)

	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	for rid := range l.requests {
		l.untrack(rid)
	}
	p := project.NewContext(id, in, l.now().UTC())
	l.proj = p
	l.doc = nil
	l.begun = false

	tasks := researchTasks(in)
	var out outbox
	snap := p.Snapshot()
	for _, t := range tasks {
		p.ResearchTasks[t.ID] = t
		out.add(event.TypeResearchRequest, NameResearch, event.ResearchRequestPayload{
			TaskID:    t.ID,
			Query:     t.Query,
			Objective: t.Objective,
			Context:   snap,
		})
	}
	l.setStatus(p, project.StatusResearchDispatched)
	if l.researchTimeout > 0 {
		tctx := context.WithoutCancel(ctx)
		l.timer = l.scheduler.AfterFunc(l.researchTimeout, func() { l.researchTimedOut(tctx, id) })
	}
	l.progress(&out, p)
	progress := p.Progress()
	l.mu.Unlock()

	l.log.InfoContext(ctx, "project initialized", "project_id", id, "title", in.Title, "research_tasks", len(tasks))
	return progress, l.flush(ctx, &out)
}

// researchTasks derives two generic tasks plus one per objective.
func researchTasks(in project.Init) []*project.ResearchTask {
	tasks := []*project.ResearchTask{
		{ID: uuid.NewString(), Query: "Best practices and patterns for " + in.Title},
		{ID: uuid.NewString(), Query: "Existing products and competitors similar to " + in.Title},
	}
	for _, o := range in.Objectives {
		tasks = append(tasks, &project.ResearchTask{
			ID:        uuid.NewString(),
			Query:     fmt.Sprintf("How to implement %s in %s", o, in.Title),
			Objective: o,
		})
	}
	return tasks
}

func (l *Lead) onResearchComplete(ctx context.Context, p event.ResearchCompletePayload) error {
	l.mu.Lock()
	if l.proj == nil {
		l.mu.Unlock()
		return ErrNoProject
	}
	task, ok := l.proj.ResearchTasks[p.TaskID]
	if !ok {
		l.mu.Unlock()
		l.log.WarnContext(ctx, "research result for unknown task ignored", "task_id", p.TaskID)
		return nil
	}
	if task.Done {
		l.mu.Unlock()
		l.log.DebugContext(ctx, "duplicate research result ignored", "task_id", p.TaskID)
		return nil
	}
	task.Done = true
	finding := project.Finding{TaskID: p.TaskID, Query: p.Query, Findings: p.Findings, Sources: p.Sources}
	l.proj.Findings = append(l.proj.Findings, finding)
	l.proj.UpdatedAt = l.now().UTC()

	var out outbox
	out.add(event.TypeUpdateMemory, NameMemory, memory.Update{Kind: memory.KindResearch, Research: &finding})
	if l.proj.PendingResearch() == 0 && !l.begun {
		l.beginFeatures(&out)
	}
	l.progress(&out, l.proj)
	l.mu.Unlock()

	return l.flush(ctx, &out)
}

func (l *Lead) researchTimedOut(ctx context.Context, id string) {
	l.mu.Lock()
	if l.proj == nil || l.proj.ID != id || l.begun {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	pending := l.proj.PendingResearch()
	var out outbox
	l.beginFeatures(&out)
	l.progress(&out, l.proj)
	l.mu.Unlock()

	l.log.WarnContext(ctx, "research timed out, proceeding with partial findings", "pending", pending)
	if err := l.flush(ctx, &out); err != nil {
		l.Report(ctx, "", err)
	}
}

// beginFeatures moves to defining_features and requests one feature per
// objective, including objectives added by feedback during research. The lock
// must be held.
func (l *Lead) beginFeatures(out *outbox) {
	p := l.proj
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.begun = true
	l.setStatus(p, project.StatusResearchComplete)
	l.setStatus(p, project.StatusDefiningFeatures)
	snap := p.Snapshot()
	for _, o := range p.Objectives {
		l.requestObjective(out, o, snap)
	}
}

// requestObjective queues a feature_request for objective and tracks it until
// a feature_defined answers it or the feature timeout drops it. A request
// still pending for the same objective is superseded. The lock must be held.
func (l *Lead) requestObjective(out *outbox, objective string, snap project.Snapshot) {
	for rid, r := range l.requests {
		if r.objective == objective {
			l.untrack(rid)
		}
	}
	id := uuid.NewString()
	r := &pendingRequest{objective: objective}
	if l.featureTimeout > 0 {
		pid := l.proj.ID
		r.timer = l.scheduler.AfterFunc(l.featureTimeout, func() { l.featureTimedOut(pid, id) })
	}
	l.requests[id] = r
	out.add(event.TypeFeatureRequest, NameFeature, event.FeatureRequestPayload{
		RequestID: id,
		Objective: objective,
		Context:   snap,
	})
}

// untrack forgets a pending request. The lock must be held.
func (l *Lead) untrack(id string) bool {
	r, ok := l.requests[id]
	if !ok {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(l.requests, id)
	return true
}

// resolve forgets the request a feature_defined answers. Definitions without
// a request id match the pending request for their objective. The lock must
// be held.
func (l *Lead) resolve(requestID, objective string) bool {
	if requestID != "" {
		return l.untrack(requestID)
	}
	if objective == "" {
		return false
	}
	for rid, r := range l.requests {
		if r.objective == objective {
			return l.untrack(rid)
		}
	}
	return false
}

// featureTimedOut drops an objective request the feature agent never
// answered, escalates it, and lets the project complete without it.
func (l *Lead) featureTimedOut(projectID, requestID string) {
	ctx := logger.WithCorrelationID(context.Background(), projectID)
	l.mu.Lock()
	if l.proj == nil || l.proj.ID != projectID {
		l.mu.Unlock()
		return
	}
	r, ok := l.requests[requestID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.requests, requestID)
	var out outbox
	l.maybeComplete(&out)
	l.progress(&out, l.proj)
	l.mu.Unlock()

	l.log.WarnContext(ctx, "feature request timed out", "objective", r.objective, "request_id", requestID)
	l.Bus().ReportError(ctx, l.Name(), event.ErrorPayload{
		Error:   event.ErrFeatureTimeout,
		Message: fmt.Sprintf("no feature defined for objective %q within %s; resubmit it as feedback", r.objective, l.featureTimeout),
	})
	if err := l.flush(ctx, &out); err != nil {
		l.Report(ctx, "", err)
	}
}

func (l *Lead) onFeatureDefined(ctx context.Context, p event.FeatureDefinedPayload) error {
	name := p.Feature.Name
	l.mu.Lock()
	if l.proj == nil {
		l.mu.Unlock()
		return ErrNoProject
	}
	resolved := l.resolve(p.RequestID, p.Objective)
	from := l.proj.FeaturesStatus[name]
	if !project.CanTransition(from, project.FeatureCompleted) {
		var out outbox
		if resolved {
			l.maybeComplete(&out)
			l.progress(&out, l.proj)
		}
		l.mu.Unlock()
		l.log.WarnContext(ctx, "feature definition ignored", "feature", name, "status", from)
		return l.flush(ctx, &out)
	}
	f := p.Feature.Clone()
	f.Status = project.StageCompleted
	l.proj.FeaturesStatus[name] = project.FeatureCompleted
	l.proj.Features[name] = f
	l.proj.UpdatedAt = l.now().UTC()

	var out outbox
	out.add(event.TypeValidationRequest, NameValidation, event.ValidationRequestPayload{
		Feature: f,
		Context: l.proj.Snapshot(),
	})
	l.progress(&out, l.proj)
	l.mu.Unlock()

	return l.flush(ctx, &out)
}

func (l *Lead) onValidation(ctx context.Context, p event.ValidationCompletePayload) error {
	name := p.Feature.Name
	l.mu.Lock()
	if l.proj == nil {
		l.mu.Unlock()
		return ErrNoProject
	}
	proj := l.proj
	from := proj.FeaturesStatus[name]
	f, ok := proj.Features[name]
	if !ok {
		f = p.Feature.Clone()
	}
	var out outbox
	var escalate bool

	if p.Status == "valid" {
		if !project.CanTransition(from, project.FeatureValidated) {
			l.mu.Unlock()
			l.log.WarnContext(ctx, "validation ignored", "feature", name, "status", from)
			return nil
		}
		f.Status = project.StageValidated
		proj.FeaturesStatus[name] = project.FeatureValidated
		proj.Features[name] = f
		out.add(event.TypeUpdateMemory, NameMemory, memory.Update{Kind: memory.KindFeature, Feature: &f})
		out.add(event.TypeUpdateMemory, NameMemory, memory.Update{Kind: memory.KindValidation, Validation: &memory.Validation{
			FeatureName: name,
			Status:      p.Status,
			Score:       p.Score,
			Results:     p.Results,
		}})
		l.maybeComplete(&out)
	} else {
		f.Status = project.StageNeedsRevision
		f.Feedback = p.Feedback
		proj.FeaturesStatus[name] = project.FeatureNeedsRevision
		proj.Features[name] = f
		if p.Feedback != "" {
			proj.ValidationFeedback[name] = append(proj.ValidationFeedback[name], p.Feedback)
		}
		proj.Revisions[name]++
		if proj.Revisions[name] > l.maxRevisions {
			escalate = true
		} else {
			out.add(event.TypeFeatureRequest, NameFeature, event.FeatureRequestPayload{
				RequestID: uuid.NewString(),
				Feature:   &f,
				Context:   proj.Snapshot(),
				Feedback:  append([]string(nil), proj.ValidationFeedback[name]...),
			})
		}
	}
	proj.UpdatedAt = l.now().UTC()
	revisions := proj.Revisions[name]
	l.progress(&out, proj)
	l.mu.Unlock()

	if escalate {
		l.log.WarnContext(ctx, "revision limit reached", "feature", name, "revisions", revisions)
		l.Bus().ReportError(ctx, l.Name(), event.ErrorPayload{
			Error:   event.ErrMaxRevisionsExceeded,
			Message: fmt.Sprintf("feature %q still invalid after %d revisions: %s", name, l.maxRevisions, p.Feedback),
			Feature: name,
		})
	}
	return l.flush(ctx, &out)
}

// maybeComplete assembles the PRD once every objective has been requested,
// no objective request is pending, and every tracked feature is validated.
// The lock must be held.
func (l *Lead) maybeComplete(out *outbox) {
	p := l.proj
	if !l.begun || len(l.requests) > 0 || !p.AllValidated() {
		return
	}
	if p.Status != project.StatusDefiningFeatures && p.Status != project.StatusUpdating {
		return
	}
	l.complete(out)
}

// complete assembles the PRD. The lock must be held.
func (l *Lead) complete(out *outbox) {
	p := l.proj
	l.setStatus(p, project.StatusValidated)
	doc := project.BuildDocument(p, l.now().UTC())
	l.setStatus(p, project.StatusDocumentationComplete)
	doc.Status = p.Status
	l.doc = &doc
	out.add(event.TypeUpdateMemory, NameMemory, memory.Update{Kind: memory.KindSnapshot, Snapshot: p})
	out.add(event.TypeDocumentComplete, event.Broadcast, event.DocumentCompletePayload{Document: doc})
}

func (l *Lead) onUserFeedback(ctx context.Context, p event.UserFeedbackPayload) error {
	l.mu.Lock()
	if l.proj == nil {
		l.mu.Unlock()
		return ErrNoProject
	}
	proj := l.proj
	l.setStatus(proj, project.StatusUpdating)
	l.doc = nil

	var out outbox
	var edited []project.Feature
	for _, item := range p.Features {
		f := item.Feature.Clone()
		name := f.Name
		if item.Feedback != "" {
			f.Feedback = item.Feedback
			proj.ValidationFeedback[name] = append(proj.ValidationFeedback[name], item.Feedback)
		}
		f.Status = project.StageNeedsRevision
		proj.FeaturesStatus[name] = project.FeatureNeedsRevision
		proj.Features[name] = f
		edited = append(edited, f)

		var fb []string
		if item.Feedback != "" {
			fb = []string{item.Feedback}
		}
		out.add(event.TypeFeatureRequest, NameFeature, event.FeatureRequestPayload{
			RequestID: uuid.NewString(),
			Feature:   &f,
			Context:   proj.Snapshot(),
			Feedback:  fb,
		})
	}
	// Objectives added during research wait for beginFeatures.
	for _, o := range p.Objectives {
		if !slices.Contains(proj.Objectives, o) {
			proj.Objectives = append(proj.Objectives, o)
		}
		if l.begun {
			l.requestObjective(&out, o, proj.Snapshot())
		}
	}
	proj.UpdatedAt = l.now().UTC()
	l.progress(&out, proj)
	l.mu.Unlock()

	var errs []error
	for _, f := range edited {
		if l.recorder != nil {
			if r := l.recorder.StoreFeature(ctx, f); r.Failed() {
				errs = append(errs, fmt.Errorf("store feature %q: %s", f.Name, r.Error))
			}
			continue
		}
		errs = append(errs, l.Publish(ctx, event.TypeUpdateMemory, memory.Update{Kind: memory.KindFeature, Feature: &f}, NameMemory))
	}
	errs = append(errs, l.flush(ctx, &out))
	return errors.Join(errs...)
}

// setStatus moves the project status and logs the transition. The lock must be held.
func (l *Lead) setStatus(p *project.Context, s project.Status) {
	if p.Status == s {
		return
	}
	l.log.Debug("project status", "project_id", p.ID, "from", p.Status, "to", s)
	p.Status = s
	p.UpdatedAt = l.now().UTC()
}

// progress queues a system.progress broadcast. The lock must be held.
func (l *Lead) progress(out *outbox, p *project.Context) {
	out.add(event.TypeProgress, event.Broadcast, p.Progress())
}

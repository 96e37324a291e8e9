package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/port/llm"
)

// Consultant reply statuses.
const (
	ConsultConsulting = "consulting"
	ConsultReview     = "review_summary"
	ConsultApproved   = "summary_approved"
)

// ErrNoSummary is returned when approval is requested before a summary exists.
var ErrNoSummary = errors.New("no summary to approve")

// readinessTopics must all appear in the conversation before a summary is drafted.
var readinessTopics = []string{"problem", "users", "goals", "features"}

const consultantSystemPrompt = `You are an experienced product consultant helping users define their software projects.
Guide the conversation to understand:
1. The core problem or need
2. Target users and their pain points
3. Key goals and success metrics
4. Potential features and priorities
Ask focused questions one at a time. Be encouraging but probe for important details.`

const summarySystemPrompt = `Based on the conversation, produce a structured project summary as a JSON object
matching the provided schema. Extract the key information only.`

// SummarySchema returns the JSON schema of project.Summary.
var SummarySchema = sync.OnceValue(func() json.RawMessage {
	return reflectSchema(&project.Summary{})
})

// ConsultantReply is the outcome of one consulting turn.
type ConsultantReply struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	Summary *project.Summary `json:"summary,omitempty"`
}

// Consultant interviews the user until the project is understood, drafts a
// summary and hands the approved summary to the lead.
type Consultant struct {
	*Base
	llm llm.Completer

	mu      sync.Mutex
	history []llm.Message
	summary *project.Summary
}

// NewConsultant creates the consultant. It subscribes to nothing; it is
// driven directly through ProcessMessage and ApproveSummary.
func NewConsultant(bus *eventbus.Bus, completer llm.Completer, log *slog.Logger) *Consultant {
	return &Consultant{
		Base: NewBase(NameConsultant, bus, log, 1),
		llm:  completer,
	}
}

// ExecuteTask supports "message" with a string payload, "approve" and "reset".
func (c *Consultant) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	switch task.Type {
	case "message":
		text, ok := task.Payload.(string)
		if !ok {
			return Result{}, fmt.Errorf("consultant message must be string, got %T", task.Payload)
		}
		return c.ProcessMessage(ctx, text), nil
	case "approve":
		return c.ApproveSummary(ctx), nil
	case "reset":
		c.Reset()
		return OK(nil), nil
	}
	return Result{}, fmt.Errorf("consultant task %q: %w", task.Type, ErrNotImplemented)
}

// ProcessMessage appends the user message and either replies to continue the
// interview or, once every readiness topic has come up, drafts a summary.
func (c *Consultant) ProcessMessage(ctx context.Context, text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Fail(errors.New("message is required"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, llm.Message{Role: llm.RoleUser, Content: text})
	if c.ready() {
		return c.summarize(ctx)
	}

	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: consultantSystemPrompt}}, c.history...)
	resp, err := c.complete(ctx, c.llm, llm.Request{Messages: msgs})
	if err != nil {
		return c.Report(ctx, "", fmt.Errorf("consult: %w", err))
	}
	c.history = append(c.history, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
	return OK(ConsultantReply{Status: ConsultConsulting, Message: resp.Content})
}

func (c *Consultant) ready() bool {
	var b strings.Builder
	for _, m := range c.history {
		b.WriteString(strings.ToLower(m.Content))
		b.WriteByte(' ')
	}
	text := b.String()
	for _, topic := range readinessTopics {
		if !strings.Contains(text, topic) {
			return false
		}
	}
	return true
}

func (c *Consultant) summarize(ctx context.Context) Result {
	var transcript strings.Builder
	for _, m := range c.history {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}
	resp, err := c.complete(ctx, c.llm, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summarySystemPrompt},
			{Role: llm.RoleUser, Content: "Conversation:\n" + transcript.String()},
		},
		Schema:     SummarySchema(),
		SchemaName: "project_summary",
	})
	if err != nil {
		return c.Report(ctx, "", fmt.Errorf("summarize: %w", err))
	}
	s, err := ParseSummary(resp.Data)
	if err != nil {
		return c.Report(ctx, "", err)
	}
	c.summary = &s
	c.log.InfoContext(ctx, "summary drafted", "title", s.Title, "key_features", len(s.KeyFeatures))
	return OK(ConsultantReply{
		Status:  ConsultReview,
		Message: "I've prepared a structured summary of your project. Please review it.",
		Summary: &s,
	})
}

// ParseSummary strictly decodes and validates a model-produced summary.
func ParseSummary(data json.RawMessage) (project.Summary, error) {
	var s project.Summary
	if len(data) == 0 {
		return s, fmt.Errorf("empty summary output: %w", llm.ErrInvalidOutput)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return s, fmt.Errorf("decode summary: %v: %w", err, llm.ErrInvalidOutput)
	}
	if err := event.Check(event.TypeProjectSummaryReady, &s); err != nil {
		return s, fmt.Errorf("%w: %w", llm.ErrInvalidOutput, err)
	}
	return s, nil
}

// ApproveSummary hands the drafted summary to the lead as
// project_summary_ready.
func (c *Consultant) ApproveSummary(ctx context.Context) Result {
	c.mu.Lock()
	s := c.summary
	c.mu.Unlock()
	if s == nil {
		return Fail(ErrNoSummary)
	}
	p := event.ProjectSummaryReadyPayload{Summary: *s}
	if err := c.Publish(ctx, event.TypeProjectSummaryReady, p, NameLead); err != nil {
		return c.Report(ctx, "", err)
	}
	c.log.InfoContext(ctx, "summary approved", "title", s.Title)
	return OK(ConsultantReply{
		Status:  ConsultApproved,
		Message: "The summary was passed to the lead agent for detailed analysis.",
		Summary: s,
	})
}

// Summary returns the current draft, if any.
func (c *Consultant) Summary() (project.Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.summary == nil {
		return project.Summary{}, false
	}
	return *c.summary, true
}

// Reset drops the conversation and any drafted summary.
func (c *Consultant) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.summary = nil
}

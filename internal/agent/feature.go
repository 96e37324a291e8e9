package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/port/llm"
)

// featureOutput is the structured output requested from the model.
type featureOutput struct {
	Name         string   `json:"name" jsonschema:"description=Short unique feature name"`
	Description  string   `json:"description" jsonschema:"description=What the feature does and for whom"`
	Requirements []string `json:"requirements" jsonschema:"minItems=1,description=Testable functional requirements"`
	Dependencies []string `json:"dependencies" jsonschema:"description=Names of features or systems this one depends on"`
	Priority     string   `json:"priority" jsonschema:"enum=high,enum=medium,enum=low"`
}

// FeatureSchema returns the JSON schema sent with every feature request.
var FeatureSchema = sync.OnceValue(func() json.RawMessage {
	return reflectSchema(&featureOutput{})
})

const featureSystemPrompt = `You are a senior product manager writing a product requirements document.
Define exactly one feature as a JSON object matching the provided schema.
Requirements must be concrete and testable. Use priority high, medium or low.`

// Feature turns objectives, and revision feedback, into feature definitions.
type Feature struct {
	*Base
	llm         llm.Completer
	temperature float64
}

// NewFeature creates the feature agent and subscribes it to feature_request.
func NewFeature(bus *eventbus.Bus, completer llm.Completer, cfg config.Orchestrator, log *slog.Logger) (*Feature, error) {
	f := &Feature{
		Base: NewBase(NameFeature, bus, log, cfg.MaxConcurrentTasks),
		llm:  completer,
	}
	if err := f.Subscribe(event.TypeFeatureRequest, f.HandleEvent); err != nil {
		return nil, err
	}
	return f, nil
}

// SetTemperature overrides the sampling temperature.
func (f *Feature) SetTemperature(t float64) { f.temperature = t }

// HandleEvent validates the request and defines the feature in the background.
func (f *Feature) HandleEvent(ctx context.Context, msg event.Message) error {
	p, err := decodeOrReport[event.FeatureRequestPayload](ctx, f.Base, msg)
	if err != nil {
		return err
	}
	f.Go(ctx, func(ctx context.Context) { f.Define(ctx, p) })
	return nil
}

// ExecuteTask supports "define_feature" with an event.FeatureRequestPayload.
func (f *Feature) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	if task.Type != "define_feature" {
		return Result{}, fmt.Errorf("feature task %q: %w", task.Type, ErrNotImplemented)
	}
	p, ok := task.Payload.(event.FeatureRequestPayload)
	if !ok {
		return Result{}, fmt.Errorf("feature payload must be event.FeatureRequestPayload, got %T", task.Payload)
	}
	return f.Define(ctx, p), nil
}

// Define asks the model for a feature and publishes feature_defined to the
// lead. Invalid output publishes nothing but a system.error.
func (f *Feature) Define(ctx context.Context, p event.FeatureRequestPayload) Result {
	subject := p.Objective
	if p.Feature != nil {
		subject = p.Feature.Name
	}

	prompt, err := featurePrompt(p)
	if err != nil {
		return f.Report(ctx, subject, err)
	}
	resp, err := f.complete(ctx, f.llm, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: featureSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		Schema:      FeatureSchema(),
		SchemaName:  "feature",
		Temperature: f.temperature,
	})
	if err != nil {
		return f.Report(ctx, subject, fmt.Errorf("define feature: %w", err))
	}

	feat, err := ParseFeature(resp.Data)
	if err != nil {
		return f.Report(ctx, subject, err)
	}
	if p.Feature != nil {
		feat.Name = p.Feature.Name
		feat.Status = project.StageRefined
	} else {
		feat.Status = project.StageDraft
	}

	out := event.FeatureDefinedPayload{RequestID: p.RequestID, Objective: p.Objective, Feature: feat}
	if err := f.Publish(ctx, event.TypeFeatureDefined, out, NameLead); err != nil {
		return f.Report(ctx, feat.Name, err)
	}
	f.log.InfoContext(ctx, "feature defined", "feature", feat.Name, "status", feat.Status, "requirements", len(feat.Requirements))
	return OK(feat)
}

// ParseFeature strictly decodes model output and validates it. Any mismatch
// is llm.ErrInvalidOutput.
func ParseFeature(data json.RawMessage) (project.Feature, error) {
	if len(data) == 0 {
		return project.Feature{}, fmt.Errorf("empty feature output: %w", llm.ErrInvalidOutput)
	}
	var out featureOutput
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return project.Feature{}, fmt.Errorf("decode feature: %v: %w", err, llm.ErrInvalidOutput)
	}
	feat := project.Feature{
		Name:         strings.TrimSpace(out.Name),
		Description:  strings.TrimSpace(out.Description),
		Requirements: out.Requirements,
		Dependencies: out.Dependencies,
		Priority:     project.Priority(strings.ToLower(strings.TrimSpace(out.Priority))),
	}
	if feat.Dependencies == nil {
		feat.Dependencies = []string{}
	}
	if err := event.Check(event.TypeFeatureDefined, &feat); err != nil {
		return project.Feature{}, fmt.Errorf("%w: %w", llm.ErrInvalidOutput, err)
	}
	return feat, nil
}

func featurePrompt(p event.FeatureRequestPayload) (string, error) {
	ctxJSON, err := json.MarshalIndent(p.Context, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	var b strings.Builder
	b.WriteString("Project context:\n")
	b.Write(ctxJSON)
	b.WriteString("\n\n")
	if p.Feature != nil {
		fj, err := json.MarshalIndent(p.Feature, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal feature: %w", err)
		}
		b.WriteString("Revise this feature and keep its name:\n")
		b.Write(fj)
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "Define the feature for this objective: %s\n", p.Objective)
	}
	if len(p.Feedback) > 0 {
		b.WriteString("\nAddress this feedback:\n")
		for _, fb := range p.Feedback {
			fmt.Fprintf(&b, "- %s\n", fb)
		}
	}
	return b.String(), nil
}

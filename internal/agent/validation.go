package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/domain/validation"
	"github.com/Strob0t/PRDForge/internal/eventbus"
)

// Validation scores features and reports one verdict per request.
type Validation struct {
	*Base
	validator *validation.Validator
}

// NewValidation creates the validation agent and subscribes it to
// validation_request.
func NewValidation(bus *eventbus.Bus, cfg config.Orchestrator, log *slog.Logger) (*Validation, error) {
	v := &Validation{
		Base:      NewBase(NameValidation, bus, log, cfg.MaxConcurrentTasks),
		validator: validation.New(validation.DefaultRules(), cfg.ValidationThreshold),
	}
	if err := v.Subscribe(event.TypeValidationRequest, v.HandleEvent); err != nil {
		return nil, err
	}
	return v, nil
}

// HandleEvent validates synchronously; scoring has no I/O.
func (v *Validation) HandleEvent(ctx context.Context, msg event.Message) error {
	p, err := decodeOrReport[event.ValidationRequestPayload](ctx, v.Base, msg)
	if err != nil {
		return err
	}
	v.Validate(ctx, p.Feature)
	return nil
}

// ExecuteTask supports "validate" with a project.Feature payload.
func (v *Validation) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	if task.Type != "validate" {
		return Result{}, fmt.Errorf("validation task %q: %w", task.Type, ErrNotImplemented)
	}
	f, ok := task.Payload.(project.Feature)
	if !ok {
		return Result{}, fmt.Errorf("validation payload must be project.Feature, got %T", task.Payload)
	}
	return v.Validate(ctx, f), nil
}

// Validate scores f and publishes exactly one validation_complete to the lead.
func (v *Validation) Validate(ctx context.Context, f project.Feature) Result {
	out := v.validator.Evaluate(f)
	p := event.ValidationCompletePayload{
		Feature:  f.Clone(),
		Status:   out.Status(),
		Score:    out.Score,
		Results:  out.Results,
		Feedback: out.Feedback,
	}
	if err := v.Publish(ctx, event.TypeValidationComplete, p, NameLead); err != nil {
		return v.Report(ctx, f.Name, err)
	}
	v.log.InfoContext(ctx, "feature validated", "feature", f.Name, "status", p.Status, "score", p.Score)
	return OK(out)
}

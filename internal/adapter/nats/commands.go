package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Strob0t/PRDForge/internal/agent"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/logger"
	"github.com/Strob0t/PRDForge/internal/port/messagequeue"
)

// SourceNATS is the source agent of events started by queue commands.
const SourceNATS = "nats"

// Pipeline is the part of the lead agent commands drive.
type Pipeline interface {
	InitializeProject(ctx context.Context, in project.Init) agent.Result
	SubmitFeedback(ctx context.Context, source string, p event.UserFeedbackPayload) (event.Message, error)
}

// errStartRejected wraps the lead's refusal of a start command.
var errStartRejected = errors.New("start rejected")

// SubscribeCommands consumes prdforge.commands.start and
// prdforge.commands.feedback from q. A command the lead rejects is returned as
// a handler error, so the queue retries it and finally dead-letters it. The
// returned function cancels both subscriptions.
func SubscribeCommands(ctx context.Context, q messagequeue.Queue, p Pipeline, log *slog.Logger) (func(), error) {
	if log == nil {
		log = slog.Default()
	}
	c := commands{pipeline: p, log: log}

	stopStart, err := q.Subscribe(ctx, messagequeue.SubjectStartProject, c.start)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectStartProject, err)
	}
	stopFeedback, err := q.Subscribe(ctx, messagequeue.SubjectUserFeedback, c.feedback)
	if err != nil {
		stopStart()
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectUserFeedback, err)
	}
	return func() {
		stopStart()
		stopFeedback()
	}, nil
}

type commands struct {
	pipeline Pipeline
	log      *slog.Logger
}

// start initializes a project from an approved summary. The project id is
// taken from the payload, then the message correlation id, then generated.
func (c commands) start(ctx context.Context, _ string, data []byte) error {
	var cmd messagequeue.StartProjectPayload
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("decode start command: %w", err)
	}
	id := cmd.ProjectID
	if id == "" {
		id = logger.CorrelationID(ctx)
	}
	if id == "" {
		id = uuid.NewString()
	}
	ctx = logger.WithCorrelationID(ctx, id)

	res := c.pipeline.InitializeProject(ctx, cmd.Summary.ToInit())
	if res.Failed() {
		return fmt.Errorf("%w: %s", errStartRejected, res.Error)
	}
	c.log.InfoContext(ctx, "project started from queue", "project_id", id, "title", cmd.Summary.Title)
	return nil
}

func (c commands) feedback(ctx context.Context, _ string, data []byte) error {
	var cmd messagequeue.UserFeedbackCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("decode feedback command: %w", err)
	}
	msg, err := c.pipeline.SubmitFeedback(ctx, SourceNATS, cmd)
	if err != nil {
		return err
	}
	c.log.InfoContext(ctx, "feedback accepted from queue", "project_id", msg.CorrelationID, "message_id", msg.ID)
	return nil
}

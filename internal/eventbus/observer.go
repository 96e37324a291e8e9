package eventbus

import (
	"context"
	"time"

	"github.com/Strob0t/PRDForge/internal/domain/event"
)

// Observer receives bus lifecycle callbacks for instrumentation.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	OnPublish(ctx context.Context, msg event.Message, took time.Duration)
	OnRetry(ctx context.Context, msg event.Message, attempt int, delay time.Duration, err error)
	OnHandlerError(ctx context.Context, msg event.Message, handler string, err error)
	OnEscalation(ctx context.Context, msg event.Message, reason string)
}

type noopObserver struct{}

func (noopObserver) OnPublish(context.Context, event.Message, time.Duration) {}
func (noopObserver) OnRetry(context.Context, event.Message, int, time.Duration, error) {}
func (noopObserver) OnHandlerError(context.Context, event.Message, string, error) {}
func (noopObserver) OnEscalation(context.Context, event.Message, string) {}

// Observers fans callbacks out to several observers.
type Observers []Observer

func (o Observers) OnPublish(ctx context.Context, msg event.Message, took time.Duration) {
	for _, x := range o {
		x.OnPublish(ctx, msg, took)
	}
}

func (o Observers) OnRetry(ctx context.Context, msg event.Message, attempt int, delay time.Duration, err error) {
	for _, x := range o {
		x.OnRetry(ctx, msg, attempt, delay, err)
	}
}

func (o Observers) OnHandlerError(ctx context.Context, msg event.Message, handler string, err error) {
	for _, x := range o {
		x.OnHandlerError(ctx, msg, handler, err)
	}
}

func (o Observers) OnEscalation(ctx context.Context, msg event.Message, reason string) {
	for _, x := range o {
		x.OnEscalation(ctx, msg, reason)
	}
}

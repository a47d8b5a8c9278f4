package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deltafi/deltafi-go/internal/domain"
)

// EventHandler applies a worker completion report to its DeltaFile.
type EventHandler interface {
	HandleActionEvent(ctx context.Context, event domain.ActionEvent) error
}

// EventConsumer drains the inbound queue and hands each report to the
// handler. Reports that fail with a transient error go back on the queue.
type EventConsumer struct {
	queue   *ActionEventQueue
	handler EventHandler
}

func NewEventConsumer(queue *ActionEventQueue, handler EventHandler) *EventConsumer {
	return &EventConsumer{
		queue:   queue,
		handler: handler,
	}
}

func (c *EventConsumer) Run(ctx context.Context) {
	slog.InfoContext(ctx, "Starting action event consumer", slog.String("module", "consumer"))

	for {
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Stopping action event consumer", slog.String("module", "consumer"))
			return
		}

		event, err := c.queue.TakeEvent(ctx, 5*time.Second)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.ErrorContext(ctx, "Failed to take action event",
				slog.String("error", err.Error()),
				slog.String("module", "consumer"),
			)
			time.Sleep(time.Second)
			continue
		}

		if err := c.handler.HandleActionEvent(ctx, *event); err != nil {
			slog.ErrorContext(ctx, "Failed to handle action event; requeueing",
				slog.String("did", event.Did),
				slog.String("action", event.ActionName),
				slog.String("error", err.Error()),
				slog.String("module", "consumer"),
			)
			if perr := c.queue.PutEvent(ctx, event); perr != nil {
				slog.ErrorContext(ctx, "Failed to requeue action event",
					slog.String("did", event.Did),
					slog.String("error", perr.Error()),
					slog.String("module", "consumer"),
				)
			}
			time.Sleep(time.Second)
		}
	}
}

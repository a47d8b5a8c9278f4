package service

import (
	"context"
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/deltafi/deltafi-go/internal/domain"
)

const (
	actionQueuePrefix = "dgs-"
	coreEventQueue    = "dgs-core"
)

// ActionEventQueue moves work between the core and its action workers over
// redis lists. Each action has its own outbound queue; completion reports
// all come back on one inbound queue.
type ActionEventQueue struct {
	rdb *redis.Client
}

func NewActionEventQueue(redisClient *redis.Client) *ActionEventQueue {
	return &ActionEventQueue{
		rdb: redisClient,
	}
}

// Dispatch pushes each input onto its action's queue.
func (q *ActionEventQueue) Dispatch(ctx context.Context, inputs []domain.ActionInput) error {
	for _, in := range inputs {
		jsonstr, err := json.Marshal(in)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to encode action input")
		}
		err = q.rdb.RPush(ctx, actionQueuePrefix+in.QueueName(), jsonstr).Err()
		if err != nil {
			return pkgerrors.Wrap(err, "failed to enqueue action input")
		}
	}
	return nil
}

// TakeEvent blocks until a worker completion report arrives or the timeout
// elapses. A timeout returns redis.Nil.
func (q *ActionEventQueue) TakeEvent(ctx context.Context, timeout time.Duration) (*domain.ActionEvent, error) {
	res, err := q.rdb.BLPop(ctx, timeout, coreEventQueue).Result()
	if err != nil {
		return nil, err
	}

	// BLPop returns the key name followed by the value.
	var event domain.ActionEvent
	if err := json.Unmarshal([]byte(res[1]), &event); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode action event")
	}
	return &event, nil
}

// PutEvent pushes a report back onto the inbound queue after a transient
// handling failure so another take sees it again.
func (q *ActionEventQueue) PutEvent(ctx context.Context, event *domain.ActionEvent) error {
	jsonstr, err := json.Marshal(event)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode action event")
	}
	return q.rdb.RPush(ctx, coreEventQueue, jsonstr).Err()
}

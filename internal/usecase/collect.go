package usecase

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/deltafi/deltafi-go/internal/domain"
)

var tracer = otel.Tracer("collect")

// CollectCoordinator turns the store's single compare-and-swap into a usable
// "register this DeltaFile into its join group" call for many concurrent
// event handlers. Contention on a definition is resolved optimistically:
// sleep a fixed backoff and try again, bounded by a wall-clock deadline.
type CollectCoordinator struct {
	store          CollectEntryStore
	acquireTimeout time.Duration
	backoff        time.Duration
}

func NewCollectCoordinator(store CollectEntryStore, conf domain.CoreConfig) *CollectCoordinator {
	return &CollectCoordinator{
		store:          store,
		acquireTimeout: conf.AcquireLockTimeout,
		backoff:        conf.LockBackoff,
	}
}

// Join registers did into the join group for def, creating the group on
// first arrival. The returned entry is still locked: the caller inspects
// Count against the quota and must either finalize (delete) or release
// (unlock) it on every path.
//
// Entry fields other than Count reflect the first arrival; later callers'
// collectDate/minNum/maxNum are ignored.
//
// When the deadline passes without acquiring the lock the call fails with
// domain.ErrJoinLockTimeout. No partial state was written; the caller treats
// it as a transient failure, not data loss.
func (c *CollectCoordinator) Join(ctx context.Context, def domain.CollectDefinition,
	collectDate time.Time, minNum, maxNum int, did string) (*domain.CollectEntry, error) {

	ctx, span := tracer.Start(ctx, "Collect.Join")
	defer span.End()

	deadline := time.Now().Add(c.acquireTimeout)

	for {
		entry, err := c.store.UpsertAndLock(ctx, def, collectDate, minNum, maxNum)
		if err == nil {
			if err := c.store.AddDid(ctx, entry.ID, did); err != nil {
				_ = c.store.Unlock(ctx, entry.ID)
				span.RecordError(err)
				return nil, pkgerrors.Wrap(err, "failed to associate did with collect entry")
			}
			return entry, nil
		}

		if !errors.Is(err, domain.ErrEntryLocked) {
			span.RecordError(err)
			return nil, err
		}

		if time.Now().Add(c.backoff).After(deadline) {
			span.RecordError(domain.ErrJoinLockTimeout)
			return nil, domain.ErrJoinLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

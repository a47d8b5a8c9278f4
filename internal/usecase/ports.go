package usecase

import (
	"context"
	"time"

	"github.com/deltafi/deltafi-go/internal/domain"
)

// CollectEntryStore defines the atomic storage primitives all join-group
// concurrency correctness rests on. UpsertAndLock, LockOneBefore and
// UnlockBefore must be single atomic operations against the backing store;
// Unlock is only ever called by the owner that most recently locked the row.
type CollectEntryStore interface {
	UpsertAndLock(ctx context.Context, def domain.CollectDefinition, collectDate time.Time, minNum, maxNum int) (*domain.CollectEntry, error)
	LockOneBefore(ctx context.Context, now time.Time) (*domain.CollectEntry, error)
	Unlock(ctx context.Context, id string) error
	UnlockBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	AddDid(ctx context.Context, entryID, did string) error
	CollectedDids(ctx context.Context, entryID string) ([]string, error)
	NextCollectDate(ctx context.Context) (*time.Time, error)
}

// DeltaFileRepository defines persistence for DeltaFile documents. Save must
// fail with domain.VersionConflictError when the stored version moved on.
type DeltaFileRepository interface {
	Get(ctx context.Context, did string) (*domain.DeltaFile, error)
	Insert(ctx context.Context, df *domain.DeltaFile) error
	Save(ctx context.Context, df *domain.DeltaFile) error
	FindStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]*domain.DeltaFile, error)
}

// ActionDispatcher emits action work onto the outbound queue transport.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, inputs []domain.ActionInput) error
}

// EventNotifier publishes DeltaFile lifecycle events for the realtime feed.
type EventNotifier interface {
	Publish(ctx context.Context, event domain.Event) error
}

// CollectFinalizer resolves a timed-out join group: collect when the quorum
// was met, fail-collect otherwise. Invoked by the scheduler with the entry
// locked; the scheduler deletes the entry after a successful callback.
type CollectFinalizer interface {
	QueueTimedOutCollect(ctx context.Context, entry *domain.CollectEntry, dids []string) error
	FailTimedOutCollect(ctx context.Context, entry *domain.CollectEntry, dids []string, reason string) error
}

// DeadlineNotifier lets the join path and the lock-recovery sweep tell the
// scheduler its armed timer may be stale.
type DeadlineNotifier interface {
	OnNewDeadline(collectDate time.Time)
	ScheduleNext()
}
